package bus

import (
	"database/sql"
	"io"
	"log/slog"

	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/store"
)

// Bus is the command/event log over a shared store.
type Bus struct {
	db     *sql.DB
	st     *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the time source for created_at and TTL checks.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Bus on st.
func New(st *store.Store, opts ...Option) *Bus {
	b := &Bus{
		db:     st.DB(),
		st:     st,
		clock:  clock.System{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// nullString maps "" to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
