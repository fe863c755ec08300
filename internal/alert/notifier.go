package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/store"
)

// Notifier delivers an alert that passed gating.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) error {
	return f(ctx, a)
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

// Notify calls each notifier in order.
func (m MultiNotifier) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventNotifier records delivered alerts on the event log under
// "alert.<topic>", with the fingerprint as correlation id.
type EventNotifier struct {
	Bus *bus.Bus
}

// Notify emits the alert event.
func (n EventNotifier) Notify(ctx context.Context, a Alert) error {
	_, err := n.Bus.Emit(ctx, "alert."+a.Topic, a.Level, store.Document{
		"message":     a.Message,
		"fingerprint": a.Fingerprint,
	}, a.Fingerprint)
	return err
}

// BreakerSettings configures NewBreakerNotifier.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
	Logger           *slog.Logger
}

// BreakerNotifier stops calling a failing notifier until Timeout passes.
// While open, Notify fails fast with gobreaker.ErrOpenState.
type BreakerNotifier struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreakerNotifier wraps next in a circuit breaker that opens after
// FailureThreshold consecutive failures.
func NewBreakerNotifier(next Notifier, s BreakerSettings) *BreakerNotifier {
	if s.Name == "" {
		s.Name = "alert-notifier"
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notifier circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerNotifier{next: next, cb: cb}
}

// Notify forwards through the breaker.
func (b *BreakerNotifier) Notify(ctx context.Context, a Alert) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Notify(ctx, a)
	})
	return err
}

// State reports the breaker state ("closed", "half-open", "open").
func (b *BreakerNotifier) State() string {
	return b.cb.State().String()
}
