package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NickB03/vana/core"
	"github.com/NickB03/vana/logging"
)

const (
	defaultMaxAttempts     = 3
	defaultTaskTimeout     = 60 * time.Second
	defaultPipelineTimeout = 5 * time.Minute
	defaultBackoffInitial  = 500 * time.Millisecond
)

// SubscriberCounter reports how many stream consumers a session currently
// has. The broadcaster satisfies it; the dispatcher uses it to cancel runs
// whose session has been abandoned.
type SubscriberCounter interface {
	SubscriberCount(sessionID string) int
}

// Options holds dependency and configuration overrides passed to New.
type Options struct {
	// MaxAttempts bounds executions per agent task, initial try included.
	MaxAttempts int
	// TaskTimeout caps each individual attempt.
	TaskTimeout time.Duration
	// PipelineTimeout caps the whole run across all stages and retries.
	PipelineTimeout time.Duration
	// BackoffInitial seeds the exponential retry delay between attempts.
	BackoffInitial time.Duration
	// DisconnectGrace cancels an in-flight run once the session has had no
	// subscribers for this long. Zero disables the watchdog.
	DisconnectGrace time.Duration
	// Subscribers feeds the disconnect watchdog. May be nil.
	Subscribers SubscriberCounter
	// Logger receives structured diagnostics.
	Logger logging.Logger
}

// Dispatcher owns the agent registry and runs pipelines. Public methods are
// safe for concurrent use.
type Dispatcher struct {
	store core.SessionStore
	pub   core.Publisher
	opts  Options

	mu     sync.RWMutex
	agents map[string]core.Agent
	active map[string]*runHandle
}

// runHandle identifies the run occupying a session's single run slot.
// Cancellation and release are keyed on the run ID so a finished run cannot
// touch a successor that claimed the slot after it.
type runHandle struct {
	runID  string
	cancel context.CancelFunc
}

// New constructs a Dispatcher with optional overrides.
func New(store core.SessionStore, pub core.Publisher, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		MaxAttempts:     defaultMaxAttempts,
		TaskTimeout:     defaultTaskTimeout,
		PipelineTimeout: defaultPipelineTimeout,
		BackoffInitial:  defaultBackoffInitial,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{
		store:  store,
		pub:    pub,
		opts:   opts,
		agents: make(map[string]core.Agent),
		active: make(map[string]*runHandle),
	}
}

// Register adds an agent to the registry, replacing any same-named agent.
func (d *Dispatcher) Register(a core.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.Name()] = a
}

// Agent retrieves a registered agent by name.
func (d *Dispatcher) Agent(name string) (core.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[name]
	return a, ok
}

// Run starts an asynchronous pipeline run for the session and returns its
// run ID. It rejects immediately when the session is unknown, a run is
// already in flight, the pipeline is malformed, or it names an unregistered
// agent. Progress and the terminal outcome stream through the Publisher.
func (d *Dispatcher) Run(ctx context.Context, sessionID string, p core.Pipeline, input json.RawMessage) (string, error) {
	runID, runCtx, err := d.reserve(ctx, sessionID, p)
	if err != nil {
		return "", err
	}
	go d.execute(runCtx, runID, sessionID, p, input)
	return runID, nil
}

// RunSync runs the pipeline inline, returning once the terminal event has
// been published. Primarily for tests and embedding.
func (d *Dispatcher) RunSync(ctx context.Context, sessionID string, p core.Pipeline, input json.RawMessage) (string, error) {
	runID, runCtx, err := d.reserve(ctx, sessionID, p)
	if err != nil {
		return "", err
	}
	d.execute(runCtx, runID, sessionID, p, input)
	return runID, nil
}

// Cancel cooperatively stops the session's in-flight run, if any. The run
// slot stays claimed until the run unwinds and releases it.
func (d *Dispatcher) Cancel(sessionID string) error {
	d.mu.RLock()
	h, ok := d.active[sessionID]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s has no run in flight", sessionID)
	}
	h.cancel()
	return nil
}

// cancelRun cancels the session's run only when it is still the given one.
func (d *Dispatcher) cancelRun(sessionID, runID string) {
	d.mu.RLock()
	h, ok := d.active[sessionID]
	d.mu.RUnlock()
	if ok && h.runID == runID {
		h.cancel()
	}
}

// InFlight reports whether the session has a run in progress.
func (d *Dispatcher) InFlight(sessionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.active[sessionID]
	return ok
}

// reserve validates the request and claims the session's single run slot.
func (d *Dispatcher) reserve(ctx context.Context, sessionID string, p core.Pipeline) (string, context.Context, error) {
	if err := p.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	for _, name := range p.AgentNames() {
		if _, ok := d.Agent(name); !ok {
			return "", nil, fmt.Errorf("agent %s not registered", name)
		}
	}
	if _, err := d.store.Get(ctx, sessionID); err != nil {
		return "", nil, err
	}

	runID := uuid.NewString()
	d.mu.Lock()
	if _, busy := d.active[sessionID]; busy {
		d.mu.Unlock()
		return "", nil, fmt.Errorf("session %s: %w", sessionID, core.ErrPipelineActive)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.active[sessionID] = &runHandle{runID: runID, cancel: cancel}
	d.mu.Unlock()

	if _, err := d.store.Update(ctx, sessionID, func(s *core.Session) error {
		s.State = core.SessionActive
		return nil
	}); err != nil {
		d.release(sessionID, runID)
		return "", nil, err
	}
	return runID, runCtx, nil
}

// release frees the run slot, but only when it is still held by the given
// run. A slot already claimed by a successor is left untouched.
func (d *Dispatcher) release(sessionID, runID string) {
	d.mu.Lock()
	if h, ok := d.active[sessionID]; ok && h.runID == runID {
		h.cancel()
		delete(d.active, sessionID)
	}
	d.mu.Unlock()
}
