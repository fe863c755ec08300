package registry

import (
	"context"
	"time"

	"github.com/blanqspace/centrix/internal/store"
)

// DefaultHeartbeatInterval is the touch period of a Heartbeat.
const DefaultHeartbeatInterval = 5 * time.Second

// Heartbeat is a supervised service that touches Service "up" every
// Interval and "down" when its context ends.
type Heartbeat struct {
	Registry *Registry
	Service  string
	Interval time.Duration

	// Details, when set, is called on every beat.
	Details func() store.Document
}

// String implements fmt.Stringer for supervisor logs.
func (h *Heartbeat) String() string {
	return "heartbeat:" + h.Service
}

// Serve implements suture.Service.
func (h *Heartbeat) Serve(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	if err := h.beat(ctx, StateUp); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The parent context is gone; mark down on a fresh one.
			downCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := h.beat(downCtx, StateDown); err != nil {
				h.Registry.logger.Warn("heartbeat: final touch failed", "service", h.Service, "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := h.beat(ctx, StateUp); err != nil {
				h.Registry.logger.Error("heartbeat failed", "service", h.Service, "error", err)
			}
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context, state State) error {
	var details store.Document
	if h.Details != nil {
		details = h.Details()
	}
	return h.Registry.Touch(ctx, h.Service, state, details)
}
