// Package registry records service heartbeats and derives liveness.
//
// Liveness is never stored: a service is live only if its stored state is
// "up" and its last heartbeat is within the freshness window. A process
// whose heartbeat loop died is therefore seen as down once its last touch
// ages out, with no explicit shutdown signal required.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/store"
)

// DefaultFreshness is how long a heartbeat keeps a service live.
const DefaultFreshness = 10 * time.Second

// State is the self-reported service state.
type State string

const (
	StateUp   State = "up"
	StateDown State = "down"
)

// ServiceStatus is one registry row plus derived liveness.
type ServiceStatus struct {
	Service  string         `json:"service"`
	LastSeen time.Time      `json:"last_seen"`
	State    State          `json:"state"`
	Details  store.Document `json:"details,omitempty"`
	Live     bool           `json:"live"`
	Age      time.Duration  `json:"age"`
}

// Registry reads and writes svc_status.
type Registry struct {
	db        *sql.DB
	clock     clock.Clock
	logger    *slog.Logger
	freshness time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithFreshness overrides DefaultFreshness.
func WithFreshness(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.freshness = d
		}
	}
}

// New creates a Registry on st.
func New(st *store.Store, opts ...Option) *Registry {
	r := &Registry{
		db:        st.DB(),
		clock:     clock.System{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		freshness: DefaultFreshness,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Freshness returns the liveness window.
func (r *Registry) Freshness() time.Duration {
	return r.freshness
}

func normalizeService(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Touch upserts service with state and details, stamping last_seen = now.
func (r *Registry) Touch(ctx context.Context, service string, state State, details store.Document) error {
	service = normalizeService(service)
	if service == "" {
		return errors.New("touch: empty service name")
	}
	if state != StateUp && state != StateDown {
		return fmt.Errorf("touch %s: invalid state %q", service, state)
	}
	doc, err := store.MarshalNullable(details)
	if err != nil {
		return fmt.Errorf("touch %s: %w", service, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO svc_status(service, last_seen, state, details)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			last_seen = excluded.last_seen,
			state = excluded.state,
			details = excluded.details
	`, service, clock.Millis(r.clock.Now()), string(state), doc)
	if err != nil {
		return fmt.Errorf("touch %s: %w", service, err)
	}
	return nil
}

// GetAll returns every service keyed by name, with Live derived at now.
func (r *Registry) GetAll(ctx context.Context) (map[string]ServiceStatus, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT service, last_seen, state, details FROM svc_status")
	if err != nil {
		return nil, fmt.Errorf("get services: %w", err)
	}
	defer rows.Close()

	now := r.clock.Now()
	out := make(map[string]ServiceStatus)
	for rows.Next() {
		var (
			s        ServiceStatus
			lastSeen int64
			state    string
			details  sql.NullString
		)
		if err := rows.Scan(&s.Service, &lastSeen, &state, &details); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		if details.Valid {
			doc, err := store.UnmarshalDocument(details.String)
			if err != nil {
				r.logger.Warn("unreadable service details", "service", s.Service, "error", err)
			} else {
				s.Details = doc
			}
		}
		s.State = State(state)
		s.LastSeen = clock.FromMillis(lastSeen)
		s.Age = now.Sub(s.LastSeen)
		s.Live = s.State == StateUp && s.Age <= r.freshness
		out[s.Service] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate services: %w", err)
	}
	return out, nil
}

// IsLive reports the derived liveness of one service. Unknown services are
// not live.
func (r *Registry) IsLive(ctx context.Context, service string) (bool, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return false, err
	}
	return all[normalizeService(service)].Live, nil
}
