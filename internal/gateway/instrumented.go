package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/blanqspace/centrix/internal/metrics"
)

// Instrumented wraps a Gateway and records latency samples and adapter
// error counters into a metrics store.
type Instrumented struct {
	Gateway
	metrics *metrics.Store
}

// Instrument wraps g.
func Instrument(g Gateway, m *metrics.Store) *Instrumented {
	return &Instrumented{Gateway: g, metrics: m}
}

func (i *Instrumented) observe(start time.Time, err error) {
	i.metrics.ObserveLatency(time.Since(start))
	if err == nil {
		return
	}
	i.metrics.Inc(metrics.CounterAdapterErrors, 1)
	i.metrics.RecordError()
	var pacing *PacingError
	if errors.As(err, &pacing) {
		i.metrics.Inc(metrics.CounterPacingViolations, 1)
	}
}

// Connect records connect latency.
func (i *Instrumented) Connect(ctx context.Context, p ConnectParams) (bool, error) {
	start := time.Now()
	ok, err := i.Gateway.Connect(ctx, p)
	i.observe(start, err)
	return ok, err
}

// StreamMarketData records snapshot latency.
func (i *Instrumented) StreamMarketData(ctx context.Context, symbol string, snapshot time.Duration) (Quote, error) {
	start := time.Now()
	q, err := i.Gateway.StreamMarketData(ctx, symbol, snapshot)
	i.observe(start, err)
	return q, err
}

// SendOrder records routing latency.
func (i *Instrumented) SendOrder(ctx context.Context, c Contract, o Order) (OrderResult, error) {
	start := time.Now()
	res, err := i.Gateway.SendOrder(ctx, c, o)
	i.observe(start, err)
	return res, err
}
