// Package gateway defines the broker boundary the worker talks to.
//
// Connection management and order routing live behind Gateway; production
// adapters and test doubles both implement it. Sim is the deterministic
// in-memory implementation used in mock mode.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blanqspace/centrix/internal/store"
)

var (
	// ErrNotConnected is returned by operations that need a session.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrInvalidOrder is returned for orders the gateway refuses to route.
	ErrInvalidOrder = errors.New("invalid order")
)

// ConnectParams identifies a broker session.
type ConnectParams struct {
	Host     string
	Port     int
	ClientID int
	Timeout  time.Duration
}

// Health is a connectivity report.
type Health struct {
	Connected bool           `json:"connected"`
	Mode      string         `json:"mode"`
	Details   store.Document `json:"details,omitempty"`
}

// Account summarizes balances.
type Account struct {
	ID           string  `json:"id"`
	Currency     string  `json:"currency"`
	NetLiquidity float64 `json:"net_liquidity"`
	Cash         float64 `json:"cash"`
	MarginUsed   float64 `json:"margin_used"`
}

// Position is a holding in one symbol.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// Quote is a market data snapshot.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	At     time.Time `json:"at"`
}

// Contract identifies an instrument.
type Contract struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// Order is an instruction to trade.
type Order struct {
	Action     string  `json:"action"` // BUY or SELL
	Quantity   float64 `json:"quantity"`
	Type       string  `json:"type"` // MKT or LMT
	LimitPrice float64 `json:"limit_price,omitempty"`
}

// OrderResult reports the routing outcome.
type OrderResult struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

// Gateway is the broker session surface.
type Gateway interface {
	Connect(ctx context.Context, p ConnectParams) (bool, error)
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Health(ctx context.Context) (Health, error)
	FetchAccount(ctx context.Context) (Account, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	StreamMarketData(ctx context.Context, symbol string, snapshot time.Duration) (Quote, error)
	SendOrder(ctx context.Context, c Contract, o Order) (OrderResult, error)
}

// PacingError is a broker rejection for exceeding its message rate.
type PacingError struct {
	Code int
}

func (e *PacingError) Error() string {
	return fmt.Sprintf("gateway pacing violation (code %d)", e.Code)
}
