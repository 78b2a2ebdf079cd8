package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/corectl/diagexec/runtime/emit"
)

// Store is the subset of store.StateStore the Engine depends on. Declared
// here (rather than imported) to avoid a package cycle: runtime/store
// imports runtime, so runtime cannot import runtime/store back. Any type
// satisfying this structurally — *store.StateStore does — may be passed to
// NewEngine.
type Store interface {
	CreateExecution(ctx context.Context, id ExecutionID, diagramID DiagramID, variables map[string]any) (*ExecutionState, error)
	GetState(ctx context.Context, id ExecutionID) (*ExecutionState, error)
	SaveState(ctx context.Context, state *ExecutionState) error
	PersistFinalState(ctx context.Context, state *ExecutionState) error
}

// Engine runs one Diagram to completion. It owns the per-execution
// ExecutionTracker, StateTransitionLogic, ReadinessChecker and
// InputResolver for the duration of Run, and is the sole writer of
// ExecutionState.NodeStates for that run (§5's ownership rule).
type Engine struct {
	diagram  *Diagram
	registry *HandlerRegistry
	store    Store
	emitter  emit.Emitter
	opts     Options

	services     map[string]any
	nodePolicies map[NodeID]*NodePolicy

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine builds an Engine bound to one diagram, handler registry, state
// store and emitter, applying opts over DefaultOptions.
func NewEngine(diagram *Diagram, registry *HandlerRegistry, store Store, emitter emit.Emitter, opts ...Option) (*Engine, error) {
	o := DefaultOptions()
	for _, apply := range opts {
		if err := apply(&o); err != nil {
			return nil, err
		}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{
		diagram:      diagram,
		registry:     registry,
		store:        store,
		emitter:      emitter,
		opts:         o,
		nodePolicies: make(map[NodeID]*NodePolicy),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// backoff computes one retry delay using the engine-wide jittered RNG,
// shared across concurrent dispatches the same way store.StateStore shares
// its own.
func (e *Engine) backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return ComputeBackoff(attempt, base, maxDelay, e.rng)
}

// SetServices registers composition-time collaborators (model clients,
// loggers, etc.) made available to handlers via ExecutionContext.GetService.
func (e *Engine) SetServices(services map[string]any) { e.services = services }

// SetNodePolicy overrides the timeout/retry policy for one node.
func (e *Engine) SetNodePolicy(node NodeID, p *NodePolicy) { e.nodePolicies[node] = p }

// Run executes diagram starting fresh (if execID is not already persisted)
// or resuming a prior run (§4.8 step 1). It returns the final
// ExecutionState, whose Status is one of COMPLETED, FAILED or ABORTED.
func (e *Engine) Run(ctx context.Context, execID ExecutionID, variables map[string]any) (*ExecutionState, error) {
	state, tracker, err := e.initialize(ctx, execID, variables)
	if err != nil {
		return nil, err
	}

	transitions := NewStateTransitionLogic(e.diagram, tracker, state)
	readiness := NewReadinessChecker(e.diagram, tracker, e.registry)
	resolver := NewInputResolver(e.diagram, tracker)
	execCtx := NewExecutionContext(e.diagram, execID, tracker, transitions, readiness, resolver, state, e.services)

	e.emitEvent(emit.Event{Kind: emit.ExecutionStarted, ExecutionID: string(execID), Timestamp: time.Now()})

	run := &run{
		engine:      e,
		tracker:     tracker,
		transitions: transitions,
		readiness:   readiness,
		execCtx:     execCtx,
		sem:         make(chan struct{}, e.opts.MaxConcurrent),
		wake:        make(chan struct{}, 1),
	}

	fatal := run.loop(ctx)

	e.finalize(state, transitions, fatal)

	if err := e.store.PersistFinalState(context.Background(), transitions.StateSnapshot()); err != nil {
		if e.opts.Metrics != nil {
			e.opts.Metrics.IncRetry("persist_final_state")
		}
	}

	summary := tracker.Summary()
	pathStrs := make([]string, len(summary.ExecutionOrder))
	for i, n := range summary.ExecutionOrder {
		pathStrs[i] = string(n)
	}
	e.emitEvent(emit.Event{
		Kind:        emit.ExecutionCompleted,
		ExecutionID: string(execID),
		Status:      string(state.Status),
		TotalSteps:  summary.TotalSteps,
		Path:        pathStrs,
		Timestamp:   time.Now(),
	})

	return state, nil
}

// initialize loads a persisted state if present (resume) or creates a fresh
// one, then rehydrates an ExecutionTracker and seeds every node's NodeState
// to PENDING where absent.
func (e *Engine) initialize(ctx context.Context, execID ExecutionID, variables map[string]any) (*ExecutionState, *ExecutionTracker, error) {
	state, err := e.store.GetState(ctx, execID)
	tracker := NewExecutionTracker()

	if err != nil {
		state, err = e.store.CreateExecution(ctx, execID, e.diagram.ID, variables)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: initialize execution %s: %w", execID, err)
		}
	} else {
		normalizeForResume(state)
		if err := tracker.seedFromPersisted(state, e.diagram); err != nil {
			return nil, nil, fmt.Errorf("runtime: rehydrate execution %s: %w", execID, err)
		}
	}

	state.Status = ExecRunning
	state.IsActive = true
	for _, n := range e.diagram.Nodes {
		if _, ok := state.NodeStates[n.ID]; !ok {
			state.NodeStates[n.ID] = NodeState{Status: NodePending}
		}
	}

	return state, tracker, nil
}

// normalizeForResume returns interrupted nodes to PENDING so a resumed run
// re-dispatches them: nodes a dead process left RUNNING, and nodes failed
// by cooperative cancellation (their error envelope carries
// cancelled=true). The interrupted execution is removed from the node's
// exec count — it never completed, so the re-run must not count it.
func normalizeForResume(state *ExecutionState) {
	for id, ns := range state.NodeStates {
		interrupted := ns.Status == NodeRunning
		if ns.Status == NodeFailed {
			if se, ok := state.NodeOutputs[id]; ok {
				if v, ok := se.Meta["cancelled"].(bool); ok && v {
					interrupted = true
				}
			}
		}
		if !interrupted {
			continue
		}
		state.NodeStates[id] = NodeState{Status: NodePending}
		if state.ExecCounts[id] > 0 {
			state.ExecCounts[id]--
		}
	}
}

// finalize computes the terminal execution status (§4.8 step 5) and
// classifies any node still PENDING as SKIPPED, unless the run was
// aborted. The SKIPPED flip goes through the transition logic's mutex: a
// handler that outlived the grace period may still complete concurrently.
func (e *Engine) finalize(state *ExecutionState, transitions *StateTransitionLogic, f fatalOutcome) {
	now := time.Now()
	state.EndedAt = &now
	state.IsActive = false

	switch {
	case f.aborted:
		state.Status = ExecAborted
		if f.err != nil {
			state.Error = f.err.Error()
		}
		return
	case f.failed:
		state.Status = ExecFailed
		if f.err != nil {
			state.Error = f.err.Error()
		}
	default:
		state.Status = ExecCompleted
	}

	transitions.SkipPending()
}

func (e *Engine) emitEvent(ev emit.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ev)
}

// fatalOutcome records why the main loop stopped early, distinguishing a
// fail-fast handler failure from a cancellation that exceeded its grace
// period.
type fatalOutcome struct {
	failed  bool
	aborted bool
	err     error
}

// run is the mutable state of one Engine.Run invocation, split out from
// Engine so that Engine itself stays reusable/stateless across concurrent
// executions of the same diagram. It never touches the ExecutionState
// directly: every read and write goes through transitions, the owner of
// the per-execution mutex.
type run struct {
	engine      *Engine
	tracker     *ExecutionTracker
	transitions *StateTransitionLogic
	readiness   *ReadinessChecker
	execCtx     *ExecutionContext

	sem  chan struct{}
	wake chan struct{}

	runningMu sync.Mutex
	running   map[NodeID]bool

	fatalMu sync.Mutex
	fatal   *fatalOutcome

	wg sync.WaitGroup
}

// loop is the scheduler's main dispatch loop, per §4.8 step 3: poll
// readiness, dispatch bounded by MaxConcurrent, wait for a completion
// signal (or the poll interval) when nothing is ready but work is
// in-flight, and stop as soon as a fail-fast failure or cancellation makes
// further dispatch pointless.
func (r *run) loop(ctx context.Context) fatalOutcome {
	r.running = make(map[NodeID]bool)

	for {
		if r.isFatal() {
			break
		}

		snapshot := r.snapshotStates()
		ready := r.readyMinusRunning(snapshot)

		if r.engine.opts.Metrics != nil {
			r.engine.opts.Metrics.SetReadyQueueDepth(len(ready))
			r.engine.opts.Metrics.SetInflight(r.inflightCount())
		}

		if len(ready) == 0 {
			if r.inflightCount() == 0 {
				break
			}
			select {
			case <-r.wake:
			case <-time.After(r.engine.opts.NodeReadyPollInterval):
			case <-ctx.Done():
				r.drain(ctx)
				return r.outcomeOrCancelled(ctx)
			}
			continue
		}

		select {
		case <-ctx.Done():
			r.drain(ctx)
			return r.outcomeOrCancelled(ctx)
		default:
		}

		for _, id := range ready {
			r.dispatchAsync(ctx, id)
		}
	}

	r.wg.Wait()

	// A cancelled context wins over any fatal failure it induced: nodes
	// that failed with CancellationError were casualties of the cancel,
	// and the execution as a whole is ABORTED, not FAILED.
	if ctx.Err() != nil {
		return fatalOutcome{aborted: true, err: ctx.Err()}
	}
	if f := r.fatalSnapshot(); f != nil {
		return *f
	}
	return fatalOutcome{}
}

// drain stops issuing new work and waits up to CancelGracePeriod for
// in-flight handlers to finish on their own; anything still running past
// the grace period is left RUNNING with an "aborted" annotation rather than
// forcibly terminated, since Go has no safe preemption of a goroutine.
func (r *run) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.engine.opts.CancelGracePeriod):
		r.annotateSurvivors()
	}
}

func (r *run) outcomeOrCancelled(ctx context.Context) fatalOutcome {
	if ctx.Err() != nil {
		return fatalOutcome{aborted: true, err: ctx.Err()}
	}
	if f := r.fatalSnapshot(); f != nil {
		return *f
	}
	return fatalOutcome{}
}

func (r *run) annotateSurvivors() {
	r.runningMu.Lock()
	ids := make([]NodeID, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.runningMu.Unlock()

	for _, id := range ids {
		r.transitions.SetNodeError(id, "aborted: cancellation grace period exceeded")
	}
}

// snapshotStates reads node states through the per-execution mutex that
// StateTransitionLogic owns; runningMu guards only the launched-dispatch
// set, never the states themselves.
func (r *run) snapshotStates() map[NodeID]NodeState {
	return r.transitions.SnapshotStates()
}

// readyMinusRunning excludes nodes whose dispatch goroutine has already
// been launched but has not yet transitioned them out of PENDING (the
// transition to RUNNING happens inside the goroutine, not at launch time,
// so there is a brief window where a node is both "ready" and "launched").
func (r *run) readyMinusRunning(states map[NodeID]NodeState) []NodeID {
	all := r.readiness.GetReady(states)
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	out := make([]NodeID, 0, len(all))
	for _, id := range all {
		if !r.running[id] {
			out = append(out, id)
		}
	}
	return out
}

func (r *run) inflightCount() int {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return len(r.running)
}

func (r *run) markRunning(id NodeID) {
	r.runningMu.Lock()
	r.running[id] = true
	r.runningMu.Unlock()
}

func (r *run) unmarkRunning(id NodeID) {
	r.runningMu.Lock()
	delete(r.running, id)
	r.runningMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) isFatal() bool {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal != nil
}

func (r *run) fatalSnapshot() *fatalOutcome {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

func (r *run) setFatal(f fatalOutcome) {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	if r.fatal == nil {
		r.fatal = &f
	}
}

// dispatchAsync launches one node's handler dispatch on its own goroutine,
// bounded by the semaphore, so the loop never blocks waiting for a slot.
func (r *run) dispatchAsync(ctx context.Context, id NodeID) {
	r.markRunning(id)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.unmarkRunning(id)

		select {
		case r.sem <- struct{}{}:
		default:
			if r.engine.opts.Metrics != nil {
				r.engine.opts.Metrics.IncBackpressure()
			}
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		defer func() { <-r.sem }()

		r.dispatch(ctx, id)
	}()
}

// dispatch is the handler template method (§4.4): it runs one node's
// handler steps in order and applies the resulting state transition.
func (r *run) dispatch(ctx context.Context, id NodeID) {
	node := r.engine.diagram.GetNode(id)
	if node == nil {
		return
	}

	handler, err := r.engine.registry.Lookup(id, node.Type)
	if err != nil {
		r.failFatal(id, &HandlerMissing{NodeID: id, Type: node.Type}, "HandlerMissing")
		return
	}

	execNum, _ := r.transitions.ToRunning(id)
	r.engine.emitEvent(emit.Event{Kind: emit.NodeStarted, ExecutionID: string(r.execCtx.ExecutionIDValue()), NodeID: string(id), NodeType: string(node.Type), Timestamp: time.Now()})

	started := time.Now()
	req := &Request{Node: node, Diagram: r.engine.diagram, ExecutionID: r.execCtx.ExecutionIDValue(), ExecutionNumber: execNum, Context: r.execCtx.forNode(id)}

	if err := handler.Validate(req); err != nil {
		r.fail(id, &ValidationError{NodeID: id, Reason: err.Error()}, "ValidationError")
		return
	}

	if preEnv, err := handler.PreExecute(req); err != nil {
		r.fail(id, &RuntimeSetupError{NodeID: id, Cause: err}, "RuntimeSetupError")
		return
	} else if preEnv != nil {
		r.complete(id, node, execNum, preEnv, nil, started)
		return
	}

	resolved, err := r.execCtx.ResolveInputs(node)
	if err != nil {
		r.fail(id, err, "InputResolutionError")
		return
	}

	inputs, err := handler.PrepareInputs(req, resolved.Ports)
	if err != nil {
		r.fail(id, &InputResolutionError{NodeID: id, Cause: err}, "InputResolutionError")
		return
	}

	policy := r.engine.nodePolicies[id]
	timeout := getNodeTimeout(policy, r.engine.opts.DefaultNodeTimeout)

	var result any
	var runErr error
	for attempt := 0; ; attempt++ {
		runCtx := ctx
		var cancelTimeout context.CancelFunc
		if timeout > 0 {
			runCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		}

		result, runErr = handler.Run(runCtx, inputs, req)
		elapsed := time.Since(started)
		if r.engine.opts.Metrics != nil {
			r.engine.opts.Metrics.ObserveNodeLatency(node.Type, float64(elapsed.Milliseconds()))
		}

		if runErr == nil {
			if cancelTimeout != nil {
				cancelTimeout()
			}
			break
		}

		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			if cancelTimeout != nil {
				cancelTimeout()
			}
			r.fail(id, &TimeoutError{NodeID: id, Timeout: timeout.String()}, "TimeoutError")
			return
		case ctx.Err() != nil:
			if cancelTimeout != nil {
				cancelTimeout()
			}
			r.fail(id, &CancellationError{NodeID: id}, "CancellationError")
			return
		}

		if cancelTimeout != nil {
			cancelTimeout()
		}

		var retryPol *RetryPolicy
		if policy != nil {
			retryPol = policy.RetryPolicy
		}
		if retryPol != nil && retryPol.MaxAttempts > 0 &&
			retryPol.Retryable != nil && retryPol.Retryable(runErr) && attempt < retryPol.MaxAttempts-1 {
			if r.engine.opts.Metrics != nil {
				r.engine.opts.Metrics.IncRetry("handler_error")
			}
			delay := r.engine.backoff(attempt, retryPol.BaseDelay, retryPol.MaxDelay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				r.fail(id, &CancellationError{NodeID: id}, "CancellationError")
				return
			}
		}

		customEnv, onErrErr := handler.OnError(req, runErr)
		if onErrErr == nil && customEnv != nil {
			r.failWithEnvelope(id, customEnv, runErr.Error())
		} else {
			r.fail(id, &HandlerError{NodeID: id, Cause: runErr}, "HandlerError")
		}
		return
	}

	outEnv, err := handler.SerializeOutput(result, req)
	if err != nil {
		r.fail(id, &HandlerError{NodeID: id, Cause: err}, "HandlerError")
		return
	}

	if finalEnv, err := handler.PostExecute(req, outEnv); err != nil {
		r.fail(id, &HandlerError{NodeID: id, Cause: err}, "HandlerError")
		return
	} else if finalEnv != nil {
		outEnv = finalEnv
	}

	r.complete(id, node, execNum, outEnv, TokensFromMeta(outEnv), started)
}

// complete applies the completion transition, choosing MAXITER_REACHED over
// COMPLETED when this dispatch is a PersonJob node's final allowed
// iteration (its execution number equals its configured max_iteration).
func (r *run) complete(id NodeID, node *Node, execNum int, output Envelope, tokens *TokenUsage, started time.Time) {
	if node.Type == NodeTypePersonJob && node.MaxIteration > 0 && execNum >= node.MaxIteration {
		if err := r.transitions.ToMaxIter(id, output); err != nil {
			r.setFatal(fatalOutcome{aborted: true, err: err})
		}
		r.engine.emitEvent(emit.Event{
			Kind: emit.NodeCompleted, ExecutionID: string(r.execCtx.ExecutionIDValue()), NodeID: string(id),
			NodeType: string(node.Type), Status: string(NodeMaxIterReached),
			DurationMS: time.Since(started).Milliseconds(), Timestamp: time.Now(),
		})
		return
	}

	// An InvalidTransition here is an internal invariant violation, fatal
	// for the whole execution: ABORTED, not a per-node failure.
	if err := r.transitions.ToCompleted(id, output, tokens); err != nil {
		r.setFatal(fatalOutcome{aborted: true, err: err})
		return
	}
	r.recordCost(output, tokens)
	r.engine.emitEvent(emit.Event{
		Kind: emit.NodeCompleted, ExecutionID: string(r.execCtx.ExecutionIDValue()), NodeID: string(id),
		NodeType: string(node.Type), Status: string(NodeCompleted),
		DurationMS: time.Since(started).Milliseconds(), Timestamp: time.Now(),
	})

	if r.engine.store != nil {
		_ = r.engine.store.SaveState(context.Background(), r.transitions.StateSnapshot())
	}
}

// recordCost feeds a completed node's reported token usage into the
// engine's CostTracker and refreshes the token-cost gauge, when both a
// tracker and a model name (attached via modelMetaKey) are present.
func (r *run) recordCost(output Envelope, tokens *TokenUsage) {
	if tokens == nil || r.engine.opts.CostTracker == nil {
		return
	}
	model := ModelFromMeta(output)
	if model == "" {
		return
	}
	r.engine.opts.CostTracker.Record(model, *tokens)
	if r.engine.opts.Metrics != nil {
		r.engine.opts.Metrics.SetTokenCostUSD(r.engine.opts.CostTracker.EstimatedCostUSD())
	}
}

// fail applies the ToFailed transition, wraps err in a generic ErrorEnvelope
// tagged errType, and — when Options.FailFast is set (the default, §4.8
// step 5) — marks the whole run as fatally failed so the loop drains
// instead of continuing to dispatch unrelated nodes forever.
func (r *run) fail(id NodeID, err error, errType string) {
	var env Envelope = Error(err.Error(), errType, id, r.execCtx.ExecutionIDValue())
	if errType == "CancellationError" {
		env = env.WithMeta(map[string]any{"cancelled": true})
	}
	r.failWithEnvelope(id, env, err.Error())
}

func (r *run) failWithEnvelope(id NodeID, env Envelope, errMsg string) {
	node := r.engine.diagram.GetNode(id)
	if err := r.transitions.ToFailed(id, env, errMsg); err != nil {
		r.setFatal(fatalOutcome{aborted: true, err: err})
		return
	}

	nodeType := NodeType("")
	if node != nil {
		nodeType = node.Type
	}
	errType := ""
	if ee, ok := env.(ErrorEnvelope); ok {
		errType = ee.ErrorType()
	}
	r.engine.emitEvent(emit.Event{
		Kind: emit.NodeFailed, ExecutionID: string(r.execCtx.ExecutionIDValue()), NodeID: string(id),
		NodeType: string(nodeType), Status: string(NodeFailed), Error: errMsg, ErrorType: errType, Timestamp: time.Now(),
	})

	if r.engine.opts.FailFast {
		r.setFatal(fatalOutcome{failed: true, err: fmt.Errorf("node %s failed: %s", id, errMsg)})
	}
}

// failFatal is used for errors detected before ToRunning is even called
// (HandlerMissing): there is no open tracker record to close normally, so
// it opens one first, the same way ToSkipped does, before going through
// ToFailed.
func (r *run) failFatal(id NodeID, err error, errType string) {
	if r.tracker.openRecordMissing(id) {
		r.tracker.StartExecution(id)
	}
	r.fail(id, err, errType)
}
