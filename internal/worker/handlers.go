package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/gateway"
	"github.com/blanqspace/centrix/internal/metrics"
	"github.com/blanqspace/centrix/internal/store"
)

// Shared control flags in the kv table.
const (
	KeyPaused = "control.paused"
	KeyMode   = "control.mode"
)

// Execution modes stored under KeyMode.
const (
	ModeMock = "mock"
	ModeLive = "live"
)

// Built-in command types.
const (
	TypePause  = "PAUSE"
	TypeResume = "RESUME"
	TypeMode   = "MODE"
	TypeStatus = "STATUS"
	TypeOrder  = "ORDER"
)

// controlTypes still run while the worker is paused.
var controlTypes = []string{TypePause, TypeResume, TypeMode, TypeStatus}

// ErrBadPayload marks a command whose payload the handler cannot use.
var ErrBadPayload = errors.New("bad payload")

// Handler executes one claimed command and returns its result document.
type Handler interface {
	Handle(ctx context.Context, cmd bus.Command) (store.Document, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd bus.Command) (store.Document, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd bus.Command) (store.Document, error) {
	return f(ctx, cmd)
}

// IsPaused reports the shared pause flag.
func IsPaused(ctx context.Context, st *store.Store) (bool, error) {
	v, err := st.GetKVString(ctx, KeyPaused, "")
	if err != nil {
		return false, err
	}
	return v == "1" || strings.EqualFold(v, "true"), nil
}

// Mode returns the shared execution mode, defaulting to mock.
func Mode(ctx context.Context, st *store.Store) (string, error) {
	return st.GetKVString(ctx, KeyMode, ModeMock)
}

// Builtins returns the PAUSE, RESUME, MODE and STATUS handlers, plus ORDER
// when mock is non-nil. live may be nil, in which case ORDER fails in live mode.
func Builtins(st *store.Store, m *metrics.Store, mock, live gateway.Gateway) map[string]Handler {
	h := map[string]Handler{
		TypePause:  HandlerFunc(func(ctx context.Context, _ bus.Command) (store.Document, error) { return setPaused(ctx, st, true) }),
		TypeResume: HandlerFunc(func(ctx context.Context, _ bus.Command) (store.Document, error) { return setPaused(ctx, st, false) }),
		TypeMode:   modeHandler(st),
		TypeStatus: statusHandler(st, m),
	}
	if mock != nil {
		h[TypeOrder] = orderHandler(st, mock, live)
	}
	return h
}

func setPaused(ctx context.Context, st *store.Store, paused bool) (store.Document, error) {
	v := "0"
	if paused {
		v = "1"
	}
	if err := st.SetKV(ctx, KeyPaused, []byte(v)); err != nil {
		return nil, err
	}
	return store.Document{"paused": paused}, nil
}

func modeHandler(st *store.Store) Handler {
	return HandlerFunc(func(ctx context.Context, cmd bus.Command) (store.Document, error) {
		mode := strings.ToLower(strings.TrimSpace(cmd.Payload.String("mode")))
		if mode != ModeMock && mode != ModeLive {
			return nil, fmt.Errorf("%w: mode must be %s or %s", ErrBadPayload, ModeMock, ModeLive)
		}
		prev, err := Mode(ctx, st)
		if err != nil {
			return nil, err
		}
		if err := st.SetKV(ctx, KeyMode, []byte(mode)); err != nil {
			return nil, err
		}
		return store.Document{"mode": mode, "previous": prev}, nil
	})
}

func statusHandler(st *store.Store, m *metrics.Store) Handler {
	return HandlerFunc(func(ctx context.Context, _ bus.Command) (store.Document, error) {
		doc := store.Document{}
		if m != nil {
			raw, err := json.Marshal(m.Snapshot())
			if err != nil {
				return nil, fmt.Errorf("encode snapshot: %w", err)
			}
			if doc, err = store.UnmarshalDocument(string(raw)); err != nil {
				return nil, err
			}
		}
		paused, err := IsPaused(ctx, st)
		if err != nil {
			return nil, err
		}
		mode, err := Mode(ctx, st)
		if err != nil {
			return nil, err
		}
		doc["paused"] = paused
		doc["mode"] = mode
		return doc, nil
	})
}

// orderHandler routes {symbol, action, quantity, type, limit_price} through
// the gateway matching the current mode.
func orderHandler(st *store.Store, mock, live gateway.Gateway) Handler {
	return HandlerFunc(func(ctx context.Context, cmd bus.Command) (store.Document, error) {
		mode, err := Mode(ctx, st)
		if err != nil {
			return nil, err
		}
		gw := mock
		if mode == ModeLive {
			if live == nil {
				return nil, errors.New("live gateway not configured")
			}
			gw = live
		}

		qty, ok := cmd.Payload.Float64("quantity")
		if !ok {
			return nil, fmt.Errorf("%w: quantity", ErrBadPayload)
		}
		limit, _ := cmd.Payload.Float64("limit_price")
		contract := gateway.Contract{
			Symbol:   cmd.Payload.String("symbol"),
			SecType:  "STK",
			Exchange: "SMART",
			Currency: "USD",
		}
		order := gateway.Order{
			Action:     cmd.Payload.String("action"),
			Quantity:   qty,
			Type:       cmd.Payload.String("type"),
			LimitPrice: limit,
		}

		if !gw.IsConnected() {
			if _, err := gw.Connect(ctx, gateway.ConnectParams{}); err != nil {
				return nil, fmt.Errorf("connect gateway: %w", err)
			}
		}
		res, err := gw.SendOrder(ctx, contract, order)
		if err != nil {
			return nil, err
		}
		return store.Document{
			"mode":       mode,
			"order_id":   res.OrderID,
			"status":     res.Status,
			"filled_qty": res.FilledQty,
			"avg_price":  res.AvgPrice,
		}, nil
	})
}
