package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/NickB03/vana/core"
	"github.com/NickB03/vana/logging"
)

// taskLogger and pipelineLogger are optional richer surfaces a logger may
// provide; loggers without them fall back to the plain Logger methods.
type taskLogger interface {
	LogAgentTask(agent string, attempt int, dur time.Duration, err error)
}

type pipelineLogger interface {
	LogPipelineRun(pipeline string, stages int, dur time.Duration, err error)
}

// runLogger scopes diagnostics to one run when the logger supports it.
func (d *Dispatcher) runLogger(sessionID, runID string) logging.Logger {
	if vl, ok := d.opts.Logger.(*logging.VanaLogger); ok {
		return vl.WithSession(sessionID, runID)
	}
	return d.opts.Logger
}

// execute drives one pipeline run to its terminal event. It owns the
// session's run slot and releases it on exit.
func (d *Dispatcher) execute(runCtx context.Context, runID, sessionID string, p core.Pipeline, input json.RawMessage) {
	defer d.release(sessionID, runID)

	start := time.Now()
	ctx, cancelTimeout := context.WithTimeout(runCtx, d.opts.PipelineTimeout)
	defer cancelTimeout()

	if d.opts.Subscribers != nil && d.opts.DisconnectGrace > 0 {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go d.watchSubscribers(watchCtx, sessionID, runID)
	}

	logger := d.runLogger(sessionID, runID)
	upstream := map[string]any{}
	var runErr error
	for i, stage := range p.Stages {
		results, err := d.runStage(ctx, runID, sessionID, stage, input, upstream, logger)
		if err != nil {
			runErr = fmt.Errorf("stage %d: %w", i, err)
			break
		}
		for name, res := range results {
			upstream[name] = res
		}
	}

	d.finish(sessionID, p, runErr)
	if pl, ok := logger.(pipelineLogger); ok {
		pl.LogPipelineRun(p.Name, len(p.Stages), time.Since(start), runErr)
	} else {
		logger.Debug("pipeline %s run %s finished in %s err=%v", p.Name, runID, time.Since(start), runErr)
	}
}

// finish lands the terminal pipeline event and the session state transition
// as one durable store write, so no reader can observe the event beside a
// stale state.
func (d *Dispatcher) finish(sessionID string, p core.Pipeline, runErr error) {
	// The run context may already be cancelled; terminal bookkeeping must
	// still land, so it gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state := core.SessionCompleted
	var typ core.EventType
	var payload any
	if runErr == nil {
		typ = core.EventPipelineComplete
		payload = core.PipelineCompletePayload{
			Summary: fmt.Sprintf("pipeline %s completed: %d stages, %d tasks", p.Name, len(p.Stages), len(p.AgentNames())),
		}
	} else {
		state = core.SessionFailed
		typ = core.EventPipelineError
		payload = core.PipelineErrorPayload{ErrorCode: pipelineErrorCode(runErr), Message: runErr.Error()}
	}

	if _, err := d.pub.PublishTerminal(ctx, sessionID, typ, payload, state); err != nil {
		d.opts.Logger.Error("publish terminal %s failed session_id=%s: %v", typ, sessionID, err)
	}
}

func pipelineErrorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.CodePipelineTimeout
	case errors.Is(err, context.Canceled):
		return core.CodePipelineCancelled
	default:
		return core.CodeStageFailed
	}
}

// runStage executes all of a stage's tasks in parallel. The first terminal
// task failure cancels the siblings cooperatively; the stage error is the
// failing task's error.
func (d *Dispatcher) runStage(ctx context.Context, runID, sessionID string, stage core.Stage, input json.RawMessage, upstream map[string]any, logger logging.Logger) (map[string]any, error) {
	sess, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	var (
		resMu   sync.Mutex
		results = make(map[string]any, len(stage.Agents))
	)

	for _, name := range stage.Agents {
		agent, _ := d.Agent(name)
		task := core.NewAgentTask(sessionID, name)
		g.Go(func() error {
			tc := core.NewTaskContext(sessionID, runID, name, input, sess.Metadata, logger,
				func(typ core.EventType, payload any) error {
					_, err := d.pub.Publish(gctx, sessionID, typ, payload)
					return err
				})
			tc.Upstream = upstream

			if err := d.runTask(gctx, task, agent, tc); err != nil {
				return err
			}
			resMu.Lock()
			results[name] = task.Result
			resMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runTask drives one agent task through its attempt loop. agent_start is
// emitted once per task, not per attempt; retries are invisible to stream
// consumers except through the final agent_complete or agent_error.
func (d *Dispatcher) runTask(ctx context.Context, task *core.AgentTask, agent core.Agent, tc *core.TaskContext) error {
	if _, err := d.pub.Publish(ctx, task.SessionID, core.EventAgentStart, core.AgentStartPayload{AgentName: task.AgentName}); err != nil {
		return fmt.Errorf("publish agent_start: %w", err)
	}

	bo := backoff.NewExponentialBackOff(backoff.WithInitialInterval(d.opts.BackoffInitial))
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		task.Start()
		started := time.Now()
		result, err := d.attempt(ctx, agent, tc)
		d.logAttempt(tc.Logger, task, attempt, time.Since(started), err)

		if err == nil {
			task.Succeed(result)
			_, perr := d.pub.Publish(ctx, task.SessionID, core.EventAgentComplete, core.AgentCompletePayload{
				AgentName: task.AgentName,
				Result:    result,
			})
			return perr
		}

		// A cancelled stage (sibling failure, pipeline timeout, session
		// cancel) ends the task silently; the instigator reports the error.
		if ctx.Err() != nil {
			task.Cancel()
			return ctx.Err()
		}

		lastErr = err
		if attempt == d.opts.MaxAttempts {
			break
		}
		task.Requeue()
		if !sleepCtx(ctx, bo.NextBackOff()) {
			task.Cancel()
			return ctx.Err()
		}
	}

	agentErr := core.AsAgentError(lastErr)
	task.Fail(agentErr)
	if _, perr := d.pub.Publish(ctx, task.SessionID, core.EventAgentError, core.AgentErrorPayload{
		AgentName: task.AgentName,
		ErrorCode: agentErr.Code,
		Message:   agentErr.Message,
	}); perr != nil {
		d.opts.Logger.Error("publish agent_error failed session_id=%s: %v", task.SessionID, perr)
	}
	return fmt.Errorf("agent %s failed after %d attempts: %w", task.AgentName, d.opts.MaxAttempts, agentErr)
}

// attempt executes one try with the per-task timeout. The agent runs on its
// own goroutine so a deadline can be enforced even against an agent that
// ignores its context; such a goroutine is abandoned, never killed, and may
// finish releasing resources in the background. Panics are recovered into
// typed errors.
func (d *Dispatcher) attempt(ctx context.Context, agent core.Agent, tc *core.TaskContext) (any, error) {
	actx, cancel := context.WithTimeout(ctx, d.opts.TaskTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: core.NewAgentError(core.CodeAgentPanic, "agent %s panicked: %v", agent.Name(), r)}
			}
		}()
		res, err := agent.Run(actx, tc)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

func (d *Dispatcher) logAttempt(logger logging.Logger, task *core.AgentTask, attempt int, dur time.Duration, err error) {
	if tl, ok := logger.(taskLogger); ok {
		tl.LogAgentTask(task.AgentName, attempt, dur, err)
		return
	}
	if err != nil {
		logger.Warn("agent %s attempt %d failed in %s session_id=%s: %v", task.AgentName, attempt, dur, task.SessionID, err)
		return
	}
	logger.Debug("agent %s attempt %d succeeded in %s session_id=%s", task.AgentName, attempt, dur, task.SessionID)
}

// watchSubscribers cancels the run when the session has had zero stream
// subscribers for longer than the disconnect grace period. It only cancels;
// the run slot stays claimed until execute unwinds and releases it, so a
// successor run is never touched.
func (d *Dispatcher) watchSubscribers(ctx context.Context, sessionID, runID string) {
	interval := d.opts.DisconnectGrace / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeen := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.opts.Subscribers.SubscriberCount(sessionID) > 0 {
				lastSeen = time.Now()
				continue
			}
			if time.Since(lastSeen) > d.opts.DisconnectGrace {
				d.opts.Logger.Info("no subscribers for %s; cancelling run session_id=%s", d.opts.DisconnectGrace, sessionID)
				d.cancelRun(sessionID, runID)
				return
			}
		}
	}
}

// sleepCtx waits for the delay unless the context ends first.
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
