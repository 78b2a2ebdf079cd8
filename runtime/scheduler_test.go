package runtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corectl/diagexec/handlers"
	"github.com/corectl/diagexec/runtime"
	"github.com/corectl/diagexec/runtime/emit"
	"github.com/corectl/diagexec/runtime/model"
	"github.com/corectl/diagexec/runtime/store"
)

func newEngine(t *testing.T, d *runtime.Diagram, emitter emit.Emitter, opts ...runtime.Option) (*runtime.Engine, *store.StateStore) {
	t.Helper()
	reg, err := handlers.Register()
	if err != nil {
		t.Fatalf("handlers.Register: %v", err)
	}
	st := store.NewStateStore(store.NewMemDurable(), time.Hour)
	eng, err := runtime.NewEngine(d, reg, st, emitter, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, st
}

// Scenario 1 (spec.md §8): two-node linear S -> E.
func TestSchedulerTwoNodeLinear(t *testing.T) {
	d := runtime.NewDiagram("d1", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart},
		{ID: "E", Type: runtime.NodeTypeEndpoint},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "E", TargetPort: runtime.PortDefault},
	})

	buf := emit.NewBufferedEmitter()
	eng, _ := newEngine(t, d, buf)

	state, err := eng.Run(context.Background(), "exec1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != runtime.ExecCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", state.Status, state.Error)
	}
	if state.ExecCounts["S"] != 1 || state.ExecCounts["E"] != 1 {
		t.Fatalf("expected exec_count 1 for both nodes, got %+v", state.ExecCounts)
	}

	events := buf.GetHistory("exec1")
	var order []emit.Kind
	for _, e := range events {
		order = append(order, e.Kind)
	}
	want := []emit.Kind{
		emit.ExecutionStarted, emit.NodeStarted, emit.NodeCompleted,
		emit.NodeStarted, emit.NodeCompleted, emit.ExecutionCompleted,
	}
	if len(order) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(order), order)
	}
	if order[0] != emit.ExecutionStarted || order[len(order)-1] != emit.ExecutionCompleted {
		t.Fatalf("unexpected event bracketing: %+v", order)
	}
}

// Scenario 2 (spec.md §8): condition true-branch gates sibling B to SKIPPED.
func TestSchedulerConditionGatesSibling(t *testing.T) {
	d := runtime.NewDiagram("d2", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart, Config: map[string]any{"object": 42}},
		{ID: "C", Type: runtime.NodeTypeCondition, Config: map[string]any{"type": "custom", "expression": "inputs['default'] == 42"}},
		{ID: "A", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"action": "echo"}},
		{ID: "B", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"action": "echo"}},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "C", TargetPort: runtime.PortDefault},
		{ID: "e2", SourceNodeID: "C", SourcePort: runtime.PortCondTrue, TargetNodeID: "A", TargetPort: runtime.PortDefault},
		{ID: "e3", SourceNodeID: "C", SourcePort: runtime.PortCondFalse, TargetNodeID: "B", TargetPort: runtime.PortDefault},
	})

	eng, _ := newEngine(t, d, nil)
	state, err := eng.Run(context.Background(), "exec2", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != runtime.ExecCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", state.Status, state.Error)
	}
	if state.NodeStates["A"].Status != runtime.NodeCompleted {
		t.Fatalf("expected A COMPLETED, got %s", state.NodeStates["A"].Status)
	}
	if state.NodeStates["B"].Status != runtime.NodeSkipped {
		t.Fatalf("expected B SKIPPED, got %s", state.NodeStates["B"].Status)
	}
}

// Scenario 4 (spec.md §8): a failing handler with fail-fast stops the run.
func TestSchedulerFailingHandlerFailsFast(t *testing.T) {
	d := runtime.NewDiagram("d4", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart},
		{ID: "X", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"action": "raise", "message": "boom"}},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "X", TargetPort: runtime.PortDefault},
	})

	buf := emit.NewBufferedEmitter()
	eng, _ := newEngine(t, d, buf)
	state, err := eng.Run(context.Background(), "exec4", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != runtime.ExecFailed {
		t.Fatalf("expected FAILED, got %s", state.Status)
	}
	if state.NodeStates["X"].Status != runtime.NodeFailed {
		t.Fatalf("expected X FAILED, got %s", state.NodeStates["X"].Status)
	}

	se, ok := state.NodeOutputs["X"]
	if !ok {
		t.Fatal("expected an error envelope recorded as X's output")
	}
	env, err := runtime.UnmarshalEnvelope(se)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if !env.HasError() || env.ContentType() != runtime.ContentError {
		t.Fatalf("expected an error envelope, got %+v", env)
	}

	foundFailed := false
	for _, e := range buf.GetHistory("exec4") {
		if e.Kind == emit.NodeFailed && e.NodeID == "X" {
			foundFailed = true
		}
	}
	if !foundFailed {
		t.Fatal("expected a node_failed event for X")
	}
}

// Scenario 5 (spec.md §8): parallel fan-out dispatches concurrently and
// joins three distinct inputs at E.
func TestSchedulerParallelFanOut(t *testing.T) {
	d := runtime.NewDiagram("d5", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart},
		{ID: "A", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"action": "sleep", "sleep_ms": 50}},
		{ID: "B", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"action": "sleep", "sleep_ms": 50}},
		{ID: "Cn", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"action": "sleep", "sleep_ms": 50}},
		{ID: "E", Type: runtime.NodeTypeEndpoint},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "A", TargetPort: runtime.PortDefault},
		{ID: "e2", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "B", TargetPort: runtime.PortDefault},
		{ID: "e3", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "Cn", TargetPort: runtime.PortDefault},
		{ID: "e4", SourceNodeID: "A", SourcePort: runtime.PortDefault, TargetNodeID: "E", TargetPort: "a"},
		{ID: "e5", SourceNodeID: "B", SourcePort: runtime.PortDefault, TargetNodeID: "E", TargetPort: "b"},
		{ID: "e6", SourceNodeID: "Cn", SourcePort: runtime.PortDefault, TargetNodeID: "E", TargetPort: "c"},
	})

	eng, _ := newEngine(t, d, nil, runtime.WithMaxConcurrent(3))

	start := time.Now()
	state, err := eng.Run(context.Background(), "exec5", nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != runtime.ExecCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", state.Status, state.Error)
	}
	for _, id := range []runtime.NodeID{"A", "B", "Cn", "E"} {
		if state.NodeStates[id].Status != runtime.NodeCompleted {
			t.Fatalf("expected %s COMPLETED, got %s", id, state.NodeStates[id].Status)
		}
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("expected fan-out to run concurrently (~50ms), took %s", elapsed)
	}
}

// A transient handler failure, marked retryable by the node's RetryPolicy,
// is retried in place rather than failing the run.
func TestSchedulerRetriesTransientHandlerError(t *testing.T) {
	d := runtime.NewDiagram("d6", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart},
		{ID: "X", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"code_ref": "flaky"}},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "X", TargetPort: runtime.PortDefault},
	})

	eng, _ := newEngine(t, d, nil)

	var calls int32
	eng.SetServices(map[string]any{
		"code_job:flaky": handlers.CodeJobFunc(func(ctx context.Context, inputs map[string]any) (any, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("transient: connection reset")
			}
			return "recovered", nil
		}),
	})
	eng.SetNodePolicy("X", &runtime.NodePolicy{
		RetryPolicy: &runtime.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Retryable:   func(error) bool { return true },
		},
	})

	state, err := eng.Run(context.Background(), "exec6", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != runtime.ExecCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", state.Status, state.Error)
	}
	if state.NodeStates["X"].Status != runtime.NodeCompleted {
		t.Fatalf("expected X COMPLETED after retries, got %s", state.NodeStates["X"].Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected exactly 3 calls (2 failures + 1 success), got %d", got)
	}
}

// A sub_diagram node builds and runs a nested engine over an inline child
// diagram: the child persists under a derived execution id and its
// endpoint output surfaces as the parent node's own output.
func TestSchedulerSubDiagramRunsChildToCompletion(t *testing.T) {
	child := runtime.NewDiagram("child", []runtime.Node{
		{ID: "CS", Type: runtime.NodeTypeStart, Config: map[string]any{"text": "child-result"}},
		{ID: "CE", Type: runtime.NodeTypeEndpoint},
	}, []runtime.Edge{
		{ID: "ce1", SourceNodeID: "CS", SourcePort: runtime.PortDefault, TargetNodeID: "CE", TargetPort: runtime.PortDefault},
	})

	parent := runtime.NewDiagram("parent", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart},
		{ID: "SD", Type: runtime.NodeTypeSubDiagram, Config: map[string]any{"diagram": child}},
		{ID: "E", Type: runtime.NodeTypeEndpoint},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "SD", TargetPort: runtime.PortDefault},
		{ID: "e2", SourceNodeID: "SD", SourcePort: runtime.PortDefault, TargetNodeID: "E", TargetPort: runtime.PortDefault},
	})

	reg, err := handlers.Register()
	if err != nil {
		t.Fatalf("handlers.Register: %v", err)
	}
	st := store.NewStateStore(store.NewMemDurable(), time.Hour)
	eng, err := runtime.NewEngine(parent, reg, st, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	eng.SetServices(map[string]any{"registry": reg, "store": runtime.Store(st)})

	state, err := eng.Run(context.Background(), "exec-sub", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != runtime.ExecCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", state.Status, state.Error)
	}

	se, ok := state.NodeOutputs["SD"]
	if !ok {
		t.Fatal("expected an output recorded for the sub_diagram node")
	}
	env, err := runtime.UnmarshalEnvelope(se)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	body, _ := env.AsText()
	if body != "child-result" {
		t.Fatalf("expected the child endpoint's output to surface as SD's output, got %q", body)
	}

	childState, err := st.GetState(context.Background(), "exec-sub/SD#1")
	if err != nil {
		t.Fatalf("expected the child execution persisted under its derived id: %v", err)
	}
	if childState.Status != runtime.ExecCompleted {
		t.Fatalf("expected child execution COMPLETED, got %s", childState.Status)
	}
	if childState.ExecCounts["CS"] != 1 || childState.ExecCounts["CE"] != 1 {
		t.Fatalf("unexpected child exec counts: %+v", childState.ExecCounts)
	}
}

// A child diagram that fails takes the sub_diagram node — and, under
// fail-fast, the parent execution — down with it. The child here is
// resolved by name against the "diagrams" service rather than inline.
func TestSchedulerSubDiagramChildFailurePropagates(t *testing.T) {
	child := runtime.NewDiagram("boom-child", []runtime.Node{
		{ID: "CS", Type: runtime.NodeTypeStart},
		{ID: "CX", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"action": "raise", "message": "child boom"}},
	}, []runtime.Edge{
		{ID: "ce1", SourceNodeID: "CS", SourcePort: runtime.PortDefault, TargetNodeID: "CX", TargetPort: runtime.PortDefault},
	})

	parent := runtime.NewDiagram("parent-f", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart},
		{ID: "SD", Type: runtime.NodeTypeSubDiagram, Config: map[string]any{"diagram_name": "boom"}},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "SD", TargetPort: runtime.PortDefault},
	})

	reg, err := handlers.Register()
	if err != nil {
		t.Fatalf("handlers.Register: %v", err)
	}
	st := store.NewStateStore(store.NewMemDurable(), time.Hour)
	eng, err := runtime.NewEngine(parent, reg, st, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	eng.SetServices(map[string]any{
		"registry": reg,
		"store":    runtime.Store(st),
		"diagrams": map[string]*runtime.Diagram{"boom": child},
	})

	state, err := eng.Run(context.Background(), "exec-subfail", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != runtime.ExecFailed {
		t.Fatalf("expected the parent FAILED when its child fails, got %s", state.Status)
	}
	if state.NodeStates["SD"].Status != runtime.NodeFailed {
		t.Fatalf("expected SD FAILED, got %s", state.NodeStates["SD"].Status)
	}

	se, ok := state.NodeOutputs["SD"]
	if !ok {
		t.Fatal("expected an error envelope recorded as SD's output")
	}
	env, err := runtime.UnmarshalEnvelope(se)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if !env.HasError() {
		t.Fatalf("expected an error envelope, got %+v", env)
	}
}

// Scenario 6 (spec.md §8): cancel a fan-out run partway through, reload the
// persisted ExecutionState, and continue: nodes that completed before the
// cancel do not re-execute, interrupted and pending nodes run exactly once.
func TestSchedulerResumeFromPersistedState(t *testing.T) {
	d := runtime.NewDiagram("d6r", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart},
		{ID: "A", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"code_ref": "fast"}},
		{ID: "B", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"code_ref": "fast"}},
		{ID: "Cn", Type: runtime.NodeTypeCodeJob, Config: map[string]any{"code_ref": "blocker"}},
		{ID: "E", Type: runtime.NodeTypeEndpoint},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "A", TargetPort: runtime.PortDefault},
		{ID: "e2", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "B", TargetPort: runtime.PortDefault},
		{ID: "e3", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "Cn", TargetPort: runtime.PortDefault},
		{ID: "e4", SourceNodeID: "A", SourcePort: runtime.PortDefault, TargetNodeID: "E", TargetPort: "a"},
		{ID: "e5", SourceNodeID: "B", SourcePort: runtime.PortDefault, TargetNodeID: "E", TargetPort: "b"},
		{ID: "e6", SourceNodeID: "Cn", SourcePort: runtime.PortDefault, TargetNodeID: "E", TargetPort: "c"},
	})

	reg, err := handlers.Register()
	if err != nil {
		t.Fatalf("handlers.Register: %v", err)
	}
	st := store.NewStateStore(store.NewMemDurable(), time.Hour)
	execID := runtime.NewExecutionID()

	eng1, err := runtime.NewEngine(d, reg, st, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var fastDone sync.WaitGroup
	fastDone.Add(2)
	cnStarted := make(chan struct{})
	eng1.SetServices(map[string]any{
		"code_job:fast": handlers.CodeJobFunc(func(ctx context.Context, inputs map[string]any) (any, error) {
			fastDone.Done()
			return "ok", nil
		}),
		"code_job:blocker": handlers.CodeJobFunc(func(ctx context.Context, inputs map[string]any) (any, error) {
			close(cnStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		fastDone.Wait()
		<-cnStarted
		cancel()
	}()

	state1, err := eng1.Run(ctx, execID, nil)
	if err != nil {
		t.Fatalf("Run (first): %v", err)
	}
	if state1.Status != runtime.ExecAborted {
		t.Fatalf("expected ABORTED after cancellation, got %s (%s)", state1.Status, state1.Error)
	}
	if state1.NodeStates["A"].Status != runtime.NodeCompleted || state1.NodeStates["B"].Status != runtime.NodeCompleted {
		t.Fatalf("expected A and B COMPLETED before cancel, got A=%s B=%s",
			state1.NodeStates["A"].Status, state1.NodeStates["B"].Status)
	}

	buf := emit.NewBufferedEmitter()
	eng2, err := runtime.NewEngine(d, reg, st, buf)
	if err != nil {
		t.Fatalf("NewEngine (resume): %v", err)
	}
	eng2.SetServices(map[string]any{
		"code_job:fast": handlers.CodeJobFunc(func(ctx context.Context, inputs map[string]any) (any, error) {
			return "ok", nil
		}),
		"code_job:blocker": handlers.CodeJobFunc(func(ctx context.Context, inputs map[string]any) (any, error) {
			return "done", nil
		}),
	})

	state2, err := eng2.Run(context.Background(), execID, nil)
	if err != nil {
		t.Fatalf("Run (resume): %v", err)
	}
	if state2.Status != runtime.ExecCompleted {
		t.Fatalf("expected COMPLETED after resume, got %s (%s)", state2.Status, state2.Error)
	}
	for _, id := range []runtime.NodeID{"S", "A", "B", "Cn", "E"} {
		if got := state2.ExecCounts[id]; got != 1 {
			t.Fatalf("expected exec_count(%s)=1 across both runs, got %d", id, got)
		}
	}
	for _, e := range buf.GetHistory(string(execID)) {
		if e.Kind == emit.NodeStarted && (e.NodeID == "A" || e.NodeID == "B") {
			t.Fatalf("node %s re-executed in the resumed run", e.NodeID)
		}
	}
}

// Scenario 3 (spec.md §8): a PersonJob loop bounded by max_iteration=3, with
// a detect_max_iterations condition routing true to an endpoint exactly once.
func TestSchedulerPersonJobLoopMaxIteration(t *testing.T) {
	d := runtime.NewDiagram("d3", []runtime.Node{
		{ID: "S", Type: runtime.NodeTypeStart, Config: map[string]any{"text": "go"}},
		{ID: "P", Type: runtime.NodeTypePersonJob, MaxIteration: 3, Config: map[string]any{"prompt": "say {{default}}"}},
		{ID: "C", Type: runtime.NodeTypeCondition, Config: map[string]any{"type": "detect_max_iterations"}},
		{ID: "E", Type: runtime.NodeTypeEndpoint},
	}, []runtime.Edge{
		{ID: "e1", SourceNodeID: "S", SourcePort: runtime.PortDefault, TargetNodeID: "P", TargetPort: runtime.PortFirst},
		{ID: "e2", SourceNodeID: "P", SourcePort: runtime.PortDefault, TargetNodeID: "C", TargetPort: runtime.PortDefault},
		{ID: "e3", SourceNodeID: "C", SourcePort: runtime.PortCondFalse, TargetNodeID: "P", TargetPort: runtime.PortDefault},
		{ID: "e4", SourceNodeID: "C", SourcePort: runtime.PortCondTrue, TargetNodeID: "E", TargetPort: runtime.PortDefault},
	})

	reg, err := handlers.Register()
	if err != nil {
		t.Fatalf("handlers.Register: %v", err)
	}
	st := store.NewStateStore(store.NewMemDurable(), time.Hour)
	eng, err := runtime.NewEngine(d, reg, st, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	eng.SetServices(map[string]any{"model": mock})

	state, err := eng.Run(context.Background(), "exec3", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != runtime.ExecCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", state.Status, state.Error)
	}
	if state.ExecCounts["P"] != 3 {
		t.Fatalf("expected exec_count(P)=3, got %d", state.ExecCounts["P"])
	}
	if state.NodeStates["P"].Status != runtime.NodeMaxIterReached {
		t.Fatalf("expected P MAXITER_REACHED, got %s", state.NodeStates["P"].Status)
	}
	if state.ExecCounts["E"] != 1 {
		t.Fatalf("expected exec_count(E)=1, got %d", state.ExecCounts["E"])
	}
}
