// Package supervisor runs long-lived centrix services under a suture tree.
//
// The tree has two layers: control (worker, sweeper) and presence
// (heartbeats). A crashing service is restarted with backoff; lifecycle
// events are logged through slog.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config tunes restart behavior.
type Config struct {
	// FailureThreshold is the number of failures before backing off. Default 5.
	FailureThreshold float64
	// FailureDecay is the failure decay rate in seconds. Default 30.
	FailureDecay float64
	// FailureBackoff is the pause once the threshold is exceeded. Default 15s.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds each service's stop. Default 10s.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Tree is the process supervisor.
type Tree struct {
	root     *suture.Supervisor
	control  *suture.Supervisor
	presence *suture.Supervisor
	config   Config
}

// New builds a tree named name. A nil logger discards supervisor events.
func New(name string, logger *slog.Logger, cfg Config) *Tree {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = (&sutureslog.Handler{Logger: logger}).MustHook()

	t := &Tree{
		root:     suture.New(name, rootSpec),
		control:  suture.New("control", spec),
		presence: suture.New("presence", spec),
		config:   cfg,
	}
	t.root.Add(t.control)
	t.root.Add(t.presence)
	return t
}

// AddControl supervises a command-processing service.
func (t *Tree) AddControl(svc suture.Service) suture.ServiceToken {
	return t.control.Add(svc)
}

// AddPresence supervises a heartbeat-style service.
func (t *Tree) AddPresence(svc suture.Service) suture.ServiceToken {
	return t.presence.Add(svc)
}

// Serve blocks until ctx ends or the tree gives up.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree and returns its exit channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored shutdown.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
