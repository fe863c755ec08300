package bus

import (
	"strings"
	"time"

	"github.com/blanqspace/centrix/internal/store"
)

// Level is an event or alert severity.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

var levelRank = map[Level]int{
	LevelDebug:    10,
	LevelInfo:     20,
	LevelWarn:     30,
	LevelError:    40,
	LevelCritical: 50,
}

// ParseLevel maps s (case-insensitive) to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l == "WARNING" {
		return LevelWarn
	}
	if _, ok := levelRank[l]; ok {
		return l
	}
	return LevelInfo
}

// Valid reports whether l is one of the five known levels.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Rank orders levels; unknown levels rank as INFO.
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return levelRank[LevelInfo]
}

// AtLeast reports whether l is as severe as min.
func (l Level) AtLeast(min Level) bool {
	return l.Rank() >= min.Rank()
}

// Status is a command lifecycle state.
type Status string

const (
	StatusNew     Status = "NEW"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFail    Status = "FAIL"
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFail || s == StatusExpired
}

// Command is a persisted unit of requested work.
type Command struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	Payload       store.Document `json:"payload"`
	Status        Status         `json:"status"`
	RequestedBy   string         `json:"requested_by"`
	Role          string         `json:"role"`
	TTL           time.Duration  `json:"ttl"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Result        store.Document `json:"result,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ExpiresAt returns created_at + ttl. The zero time means no TTL.
func (c Command) ExpiresAt() time.Time {
	if c.TTL <= 0 {
		return time.Time{}
	}
	return c.CreatedAt.Add(c.TTL)
}

// Expired reports whether a command with a TTL is past it at now.
func (c Command) Expired(now time.Time) bool {
	exp := c.ExpiresAt()
	return !exp.IsZero() && !exp.After(now)
}

// Event is an immutable observability record.
type Event struct {
	ID            int64          `json:"id"`
	Topic         string         `json:"topic"`
	Level         Level          `json:"level"`
	Data          store.Document `json:"data"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CommandTopic builds the event topic for a command outcome,
// e.g. CommandTopic("PAUSE", "ok") == "cmd.pause.ok".
func CommandTopic(cmdType, outcome string) string {
	t := strings.ToLower(strings.TrimSpace(cmdType))
	if t == "" {
		t = "unknown"
	}
	return "cmd." + t + "." + outcome
}
