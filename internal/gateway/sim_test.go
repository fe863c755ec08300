package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanqspace/centrix/internal/metrics"
	"github.com/blanqspace/centrix/internal/testutil"
)

var _ Gateway = (*Sim)(nil)
var _ Gateway = (*Instrumented)(nil)

func connectedSim(t *testing.T) *Sim {
	t.Helper()
	s := NewSim(10_000, map[string]float64{"aapl": 200}, testutil.NewFakeClock(time.Time{}))
	ok, err := s.Connect(context.Background(), ConnectParams{Host: "127.0.0.1", Port: 4002})
	require.NoError(t, err)
	require.True(t, ok)
	return s
}

func TestSim_RequiresConnection(t *testing.T) {
	s := NewSim(0, nil, nil)
	ctx := context.Background()

	_, err := s.FetchAccount(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.SendOrder(ctx, Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: 1})
	assert.ErrorIs(t, err, ErrNotConnected)

	h, err := s.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Connected)
	assert.Equal(t, "mock", h.Mode)
}

func TestSim_OrderFillsAndPositions(t *testing.T) {
	s := connectedSim(t)
	ctx := context.Background()

	res, err := s.SendOrder(ctx, Contract{Symbol: "aapl"}, Order{Action: "buy", Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, OrderResult{OrderID: "SIM-1", Status: "Filled", FilledQty: 10, AvgPrice: 200}, res)

	res, err = s.SendOrder(ctx, Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: 10, Type: "LMT", LimitPrice: 190})
	require.NoError(t, err)
	assert.Equal(t, "SIM-2", res.OrderID)

	_, err = s.SendOrder(ctx, Contract{Symbol: "MSFT"}, Order{Action: "SELL", Quantity: 5})
	require.NoError(t, err)

	positions, err := s.FetchPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, Position{Symbol: "AAPL", Quantity: 20, AvgCost: 195}, positions[0])
	assert.Equal(t, Position{Symbol: "MSFT", Quantity: -5, AvgCost: 100}, positions[1])

	acct, err := s.FetchAccount(ctx)
	require.NoError(t, err)
	// cash: 10000 - 2000 - 1900 + 500 = 6600; marks: 20*200 - 5*100 = 3500
	assert.InDelta(t, 6600, acct.Cash, 1e-9)
	assert.InDelta(t, 10100, acct.NetLiquidity, 1e-9)
}

func TestSim_ClosingPositionResetsCost(t *testing.T) {
	s := connectedSim(t)
	ctx := context.Background()

	_, err := s.SendOrder(ctx, Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: 3})
	require.NoError(t, err)
	_, err = s.SendOrder(ctx, Contract{Symbol: "AAPL"}, Order{Action: "SELL", Quantity: 3})
	require.NoError(t, err)

	positions, err := s.FetchPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSim_InvalidOrders(t *testing.T) {
	s := connectedSim(t)
	ctx := context.Background()

	bad := []struct {
		c Contract
		o Order
	}{
		{Contract{}, Order{Action: "BUY", Quantity: 1}},
		{Contract{Symbol: "AAPL"}, Order{Action: "HOLD", Quantity: 1}},
		{Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: 0}},
		{Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: 1, Type: "STP"}},
		{Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: 1, Type: "LMT"}},
	}
	for _, b := range bad {
		_, err := s.SendOrder(ctx, b.c, b.o)
		assert.ErrorIs(t, err, ErrInvalidOrder, "%+v %+v", b.c, b.o)
	}
}

func TestSim_MarketData(t *testing.T) {
	s := connectedSim(t)

	q, err := s.StreamMarketData(context.Background(), "aapl", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.InDelta(t, 200, q.Last, 1e-9)
	assert.Less(t, q.Bid, q.Ask)
}

func TestSim_Disconnect(t *testing.T) {
	s := connectedSim(t)
	require.NoError(t, s.Disconnect(context.Background()))
	assert.False(t, s.IsConnected())
}

type pacingGateway struct{ *Sim }

func (p pacingGateway) SendOrder(context.Context, Contract, Order) (OrderResult, error) {
	return OrderResult{}, &PacingError{Code: 10167}
}

func TestInstrumented_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	g := Instrument(connectedSim(t), m)
	ctx := context.Background()

	_, err := g.SendOrder(ctx, Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: 1})
	require.NoError(t, err)
	_, err = g.SendOrder(ctx, Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: -1})
	require.Error(t, err)

	snap := m.Snapshot()
	require.NotNil(t, snap.LatencyMedianMS)
	assert.Equal(t, int64(1), snap.Counters[metrics.CounterAdapterErrors])
	assert.Zero(t, snap.Counters[metrics.CounterPacingViolations])
	assert.Equal(t, 1, snap.Errors1m)

	paced := Instrument(pacingGateway{connectedSim(t)}, m)
	_, err = paced.SendOrder(ctx, Contract{Symbol: "AAPL"}, Order{Action: "BUY", Quantity: 1})
	var pe *PacingError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, int64(1), m.Counter(metrics.CounterPacingViolations))
}
