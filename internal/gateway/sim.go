package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/store"
)

// DefaultSimPrice is the mark for symbols without a configured price.
const DefaultSimPrice = 100.0

// Sim is a deterministic in-memory Gateway. Market orders fill at the
// configured mark; limit orders fill at their limit price.
type Sim struct {
	mu        sync.Mutex
	clock     clock.Clock
	connected bool
	nextID    int
	cash      float64
	prices    map[string]float64
	positions map[string]*Position
}

// NewSim creates a disconnected Sim with startingCash and optional marks.
func NewSim(startingCash float64, prices map[string]float64, c clock.Clock) *Sim {
	p := make(map[string]float64, len(prices))
	for sym, px := range prices {
		p[strings.ToUpper(sym)] = px
	}
	return &Sim{
		clock:     clock.OrSystem(c),
		cash:      startingCash,
		prices:    p,
		positions: make(map[string]*Position),
	}
}

// Connect opens the simulated session.
func (s *Sim) Connect(_ context.Context, _ ConnectParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return true, nil
}

// Disconnect closes the simulated session.
func (s *Sim) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// IsConnected reports the session state.
func (s *Sim) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Health always succeeds.
func (s *Sim) Health(_ context.Context) (Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Connected: s.connected,
		Mode:      "mock",
		Details:   store.Document{"orders": s.nextID},
	}, nil
}

// FetchAccount values positions at their marks.
func (s *Sim) FetchAccount(_ context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Account{}, ErrNotConnected
	}

	net := s.cash
	for sym, p := range s.positions {
		net += p.Quantity * s.markLocked(sym)
	}
	return Account{
		ID:           "SIM",
		Currency:     "USD",
		NetLiquidity: net,
		Cash:         s.cash,
	}, nil
}

// FetchPositions returns non-flat positions sorted by symbol.
func (s *Sim) FetchPositions(_ context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}

	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Quantity != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// StreamMarketData returns a one-tick-wide quote around the mark.
func (s *Sim) StreamMarketData(_ context.Context, symbol string, _ time.Duration) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Quote{}, ErrNotConnected
	}

	sym := strings.ToUpper(symbol)
	last := s.markLocked(sym)
	return Quote{Symbol: sym, Bid: last - 0.01, Ask: last + 0.01, Last: last, At: s.clock.Now()}, nil
}

// SendOrder validates and fills the order immediately.
func (s *Sim) SendOrder(_ context.Context, c Contract, o Order) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return OrderResult{}, ErrNotConnected
	}

	sym := strings.ToUpper(strings.TrimSpace(c.Symbol))
	action := strings.ToUpper(o.Action)
	orderType := strings.ToUpper(o.Type)
	if orderType == "" {
		orderType = "MKT"
	}
	switch {
	case sym == "":
		return OrderResult{}, fmt.Errorf("%w: missing symbol", ErrInvalidOrder)
	case action != "BUY" && action != "SELL":
		return OrderResult{}, fmt.Errorf("%w: action %q", ErrInvalidOrder, o.Action)
	case o.Quantity <= 0:
		return OrderResult{}, fmt.Errorf("%w: quantity %v", ErrInvalidOrder, o.Quantity)
	case orderType != "MKT" && orderType != "LMT":
		return OrderResult{}, fmt.Errorf("%w: type %q", ErrInvalidOrder, o.Type)
	case orderType == "LMT" && o.LimitPrice <= 0:
		return OrderResult{}, fmt.Errorf("%w: limit price %v", ErrInvalidOrder, o.LimitPrice)
	}

	price := s.markLocked(sym)
	if orderType == "LMT" {
		price = o.LimitPrice
	}
	qty := o.Quantity
	if action == "SELL" {
		qty = -qty
	}

	p := s.positions[sym]
	if p == nil {
		p = &Position{Symbol: sym}
		s.positions[sym] = p
	}
	if newQty := p.Quantity + qty; newQty != 0 && (p.Quantity == 0 || (p.Quantity > 0) == (qty > 0)) {
		p.AvgCost = (p.AvgCost*p.Quantity + price*qty) / newQty
	}
	p.Quantity += qty
	if p.Quantity == 0 {
		p.AvgCost = 0
	}
	s.cash -= qty * price

	s.nextID++
	return OrderResult{
		OrderID:   fmt.Sprintf("SIM-%d", s.nextID),
		Status:    "Filled",
		FilledQty: o.Quantity,
		AvgPrice:  price,
	}, nil
}

func (s *Sim) markLocked(sym string) float64 {
	if px, ok := s.prices[sym]; ok {
		return px
	}
	return DefaultSimPrice
}
