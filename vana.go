// Package vana provides a high-level façade over the orchestration core:
// session store, event broadcaster, pipeline dispatcher and HTTP transport.
// Most applications interact with this package by:
//  1. Creating a Vana via New() (optionally overriding the default in-memory store)
//  2. Registering one or more agents (model-backed or custom)
//  3. Starting runs (Run / RunSync) and serving Handler() to stream clients
//
// All defaults are safe for local development and testing; production
// deployments typically supply the SQLite store and a structured logger.
package vana

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/NickB03/vana/broadcast"
	"github.com/NickB03/vana/core"
	"github.com/NickB03/vana/dispatcher"
	"github.com/NickB03/vana/logging"
	"github.com/NickB03/vana/session"
	"github.com/NickB03/vana/transport"
)

// Options configures the Vana instance.
type Options struct {
	// SessionStore holds sessions and their event logs. Defaults to the
	// in-memory store.
	SessionStore core.SessionStore

	// SessionTTL bounds how long an idle session stays streamable before the
	// reaper expires it. Zero disables the reaper.
	SessionTTL time.Duration

	// Broadcast and Dispatch forward overrides to the underlying subsystems.
	Broadcast func(o *broadcast.Options)
	Dispatch  func(o *dispatcher.Options)

	// Logger receives structured diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Vana is the high-level façade aggregating the store, broadcaster,
// dispatcher and HTTP transport.
type Vana struct {
	opts   Options
	store  core.SessionStore
	bcast  *broadcast.Broadcaster
	disp   *dispatcher.Dispatcher
	server *transport.Server
	reaper *session.Reaper
}

// New creates a new Vana instance with optional overrides. An unset store is
// initialized with the in-memory implementation.
func New(optFns ...func(o *Options)) *Vana {
	opts := Options{
		SessionStore: session.NewMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	bcast := broadcast.New(opts.SessionStore, func(o *broadcast.Options) {
		o.Logger = opts.Logger
		if opts.Broadcast != nil {
			opts.Broadcast(o)
		}
	})
	disp := dispatcher.New(opts.SessionStore, bcast, func(o *dispatcher.Options) {
		o.Logger = opts.Logger
		o.Subscribers = bcast
		if opts.Dispatch != nil {
			opts.Dispatch(o)
		}
	})

	v := &Vana{
		opts:   opts,
		store:  opts.SessionStore,
		bcast:  bcast,
		disp:   disp,
		server: transport.NewServer(opts.SessionStore, bcast, disp, opts.Logger),
	}
	if opts.SessionTTL > 0 {
		if exp, ok := opts.SessionStore.(session.Expirer); ok {
			v.reaper = session.NewReaper(exp, opts.SessionTTL, 0, opts.Logger)
		}
	}
	return v
}

// RegisterAgent adds an agent to the dispatcher's registry.
func (v *Vana) RegisterAgent(a core.Agent) { v.disp.Register(a) }

// Handler returns the HTTP surface: session REST endpoints, the SSE stream,
// health and metrics.
func (v *Vana) Handler() http.Handler { return v.server.Handler() }

// CreateSession creates a session owned by userID.
func (v *Vana) CreateSession(ctx context.Context, userID string, metadata map[string]string) (*core.Session, error) {
	return v.store.Create(ctx, userID, metadata)
}

// Run starts an asynchronous pipeline run and returns its run ID. Progress
// and the terminal outcome stream through Subscribe and the SSE endpoint.
func (v *Vana) Run(ctx context.Context, sessionID string, p core.Pipeline, input json.RawMessage) (string, error) {
	return v.disp.Run(ctx, sessionID, p, input)
}

// RunSync runs the pipeline inline, returning once the terminal event has
// been published.
func (v *Vana) RunSync(ctx context.Context, sessionID string, p core.Pipeline, input json.RawMessage) (string, error) {
	return v.disp.RunSync(ctx, sessionID, p, input)
}

// Cancel cooperatively stops the session's in-flight run, if any.
func (v *Vana) Cancel(sessionID string) error { return v.disp.Cancel(sessionID) }

// Subscribe attaches a direct (in-process) consumer to the session's event
// stream. Pass broadcast.Live to skip replay.
func (v *Vana) Subscribe(ctx context.Context, sessionID string, cursor int64) (*broadcast.Attachment, error) {
	return v.bcast.Subscribe(ctx, sessionID, cursor)
}

// Unsubscribe detaches a consumer obtained from Subscribe.
func (v *Vana) Unsubscribe(sub *broadcast.Subscription) { v.bcast.Unsubscribe(sub) }

// Start runs background maintenance (the session reaper) until ctx ends.
// It returns immediately when no reaper is configured.
func (v *Vana) Start(ctx context.Context) {
	if v.reaper != nil {
		go v.reaper.Run(ctx)
	}
}

// Close shuts down the broadcaster, dropping all live subscribers.
func (v *Vana) Close() { v.bcast.Close() }
