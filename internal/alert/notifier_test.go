package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/store"
)

func sampleAlert() Alert {
	return Alert{
		Level:       bus.LevelError,
		Topic:       "svc.x",
		Message:     "disk full",
		Fingerprint: "fp-disk",
		At:          time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	}
}

func TestMultiNotifier_CallsAllAndJoinsErrors(t *testing.T) {
	var calls int
	errA := errors.New("a failed")
	m := MultiNotifier{
		NotifierFunc(func(context.Context, Alert) error { calls++; return errA }),
		nil,
		NotifierFunc(func(context.Context, Alert) error { calls++; return nil }),
	}

	err := m.Notify(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 2, calls)
}

func TestEventNotifier_WritesAlertEvent(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "ctl.db"))
	require.NoError(t, err)
	defer st.Close()
	b := bus.New(st)

	require.NoError(t, EventNotifier{Bus: b}.Notify(context.Background(), sampleAlert()))

	events, err := b.TailEvents(context.Background(), bus.TailQuery{Topic: "alert.svc.x"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bus.LevelError, events[0].Level)
	assert.Equal(t, "disk full", events[0].Data.String("message"))
	assert.Equal(t, "fp-disk", events[0].CorrelationID)
}

func TestBreakerNotifier_OpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	failing := NotifierFunc(func(context.Context, Alert) error {
		calls++
		return errors.New("down")
	})
	b := NewBreakerNotifier(failing, BreakerSettings{FailureThreshold: 2, Timeout: time.Hour})
	ctx := context.Background()

	assert.Error(t, b.Notify(ctx, sampleAlert()))
	assert.Error(t, b.Notify(ctx, sampleAlert()))
	assert.Equal(t, "open", b.State())

	err := b.Notify(ctx, sampleAlert())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls, "open breaker fails fast")
}

func TestBreakerNotifier_PassesThroughSuccess(t *testing.T) {
	b := NewBreakerNotifier(&recorder{}, BreakerSettings{})
	assert.NoError(t, b.Notify(context.Background(), sampleAlert()))
	assert.Equal(t, "closed", b.State())
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, 10, 1, srv.Client())
	require.NoError(t, w.Notify(context.Background(), sampleAlert()))

	assert.Equal(t, "ERROR", got.Level)
	assert.Equal(t, "svc.x", got.Topic)
	assert.Equal(t, "fp-disk", got.Fingerprint)
	assert.Equal(t, "[ERROR] svc.x: disk full", got.Text)
	assert.Equal(t, sampleAlert().At.UnixMilli(), got.Timestamp)
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, 10, 1, srv.Client())
	err := w.Notify(context.Background(), sampleAlert())
	assert.ErrorContains(t, err, "502")
}

func TestWebhookNotifier_PacingRespectsContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	// One token per hour: the second call cannot get a token before the deadline.
	w := NewWebhookNotifier(srv.URL, 1.0/3600, 1, srv.Client())
	require.NoError(t, w.Notify(context.Background(), sampleAlert()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, w.Notify(ctx, sampleAlert()))
	assert.Equal(t, int32(1), hits.Load())
}

func TestEngineWithBreakerAndWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewBreakerNotifier(NewWebhookNotifier(srv.URL, 100, 10, srv.Client()),
		BreakerSettings{FailureThreshold: 1, Timeout: time.Hour})
	e := New(DefaultConfig(), n)

	ctx := context.Background()
	assert.True(t, e.Emit(ctx, bus.LevelError, "t", "m", "a"))
	assert.True(t, e.Emit(ctx, bus.LevelError, "t", "m", "b"))
	assert.Equal(t, "open", n.State())
	assert.Equal(t, int64(2), e.Counters().Emitted)
}
