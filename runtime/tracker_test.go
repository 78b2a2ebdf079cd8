package runtime

import "testing"

func TestExecutionTrackerStartCompleteCount(t *testing.T) {
	tr := NewExecutionTracker()

	n := tr.StartExecution("A")
	if n != 1 {
		t.Fatalf("expected first execution number 1, got %d", n)
	}
	if got := tr.ExecutionCount("A"); got != 1 {
		t.Fatalf("expected exec count 1 after start, got %d", got)
	}

	out := Text("hello", "A", "t1")
	if err := tr.CompleteExecution("A", NodeCompleted, out, "", nil); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	got := tr.LastOutput("A")
	gotText, err := got.AsText()
	if err != nil || gotText != "hello" {
		t.Fatalf("LastOutput mismatch: %q, err=%v", gotText, err)
	}
	if rt := tr.RuntimeState("A"); rt.FlowStatus != FlowWaiting || rt.IsActive {
		t.Fatalf("unexpected runtime state after completion: %+v", rt)
	}
}

func TestExecutionTrackerCompletedCountExcludesOpenRecord(t *testing.T) {
	tr := NewExecutionTracker()

	tr.StartExecution("A")
	if got := tr.ExecutionCount("A"); got != 1 {
		t.Fatalf("expected started count 1 with an open record, got %d", got)
	}
	if got := tr.CompletedExecutionCount("A"); got != 0 {
		t.Fatalf("expected completed count 0 while the record is open, got %d", got)
	}

	if err := tr.CompleteExecution("A", NodeCompleted, Text("x", "A", "t"), "", nil); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	if got := tr.CompletedExecutionCount("A"); got != 1 {
		t.Fatalf("expected completed count 1 after completion, got %d", got)
	}
}

func TestExecutionTrackerCompleteWithoutStartIsInvalidTransition(t *testing.T) {
	tr := NewExecutionTracker()
	err := tr.CompleteExecution("A", NodeCompleted, nil, "", nil)
	if err == nil {
		t.Fatal("expected error completing a node with no open record")
	}
	if _, ok := err.(*InvalidTransitionError); !ok {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
}

func TestExecutionTrackerResetForIterationPreservesLastOutput(t *testing.T) {
	tr := NewExecutionTracker()

	tr.StartExecution("P")
	out1 := Text("iter1", "P", "t1")
	if err := tr.CompleteExecution("P", NodeCompleted, out1, "", nil); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}

	tr.ResetForIteration("P")
	if rt := tr.RuntimeState("P"); rt.FlowStatus != FlowReady || !rt.IsActive {
		t.Fatalf("expected READY/active runtime state after reset, got %+v", rt)
	}
	if got, err := tr.LastOutput("P").AsText(); err != nil || got != "iter1" {
		t.Fatalf("ResetForIteration must not clear last output, got %q err=%v", got, err)
	}
	if got := tr.ExecutionCount("P"); got != 1 {
		t.Fatalf("ResetForIteration must not clear history, count=%d", got)
	}

	n := tr.StartExecution("P")
	if n != 2 {
		t.Fatalf("expected second execution number 2, got %d", n)
	}
	out2 := Text("iter2", "P", "t2")
	if err := tr.CompleteExecution("P", NodeCompleted, out2, "", nil); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	if got := tr.ExecutionCount("P"); got != 2 {
		t.Fatalf("expected 2 records after second iteration, got %d", got)
	}
	recs := tr.Records("P")
	if len(recs) != 2 {
		t.Fatalf("append-only history not preserved: %+v", recs)
	}
	t1, _ := recs[0].Output.AsText()
	t2, _ := recs[1].Output.AsText()
	if t1 != "iter1" || t2 != "iter2" {
		t.Fatalf("append-only history contents wrong: %q, %q", t1, t2)
	}
}

func TestExecutionTrackerResetForIterationNoOpBeforeFirstRun(t *testing.T) {
	tr := NewExecutionTracker()
	tr.ResetForIteration("NEVER_RUN")
	if got := tr.ExecutionCount("NEVER_RUN"); got != 0 {
		t.Fatalf("expected no-op reset on an untouched node, got count %d", got)
	}
}

func TestExecutionTrackerSummary(t *testing.T) {
	tr := NewExecutionTracker()

	tr.StartExecution("A")
	tokA := &TokenUsage{Input: 10, Output: 5}
	if err := tr.CompleteExecution("A", NodeCompleted, Text("a", "A", "t"), "", tokA); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	tr.StartExecution("B")
	tokB := &TokenUsage{Input: 3, Output: 2}
	if err := tr.CompleteExecution("B", NodeCompleted, Text("b", "B", "t"), "", tokB); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}

	sum := tr.Summary()
	if sum.TotalSteps != 2 {
		t.Fatalf("expected 2 total steps, got %d", sum.TotalSteps)
	}
	want := TokenUsage{Input: 13, Output: 7}
	if sum.TotalTokens != want {
		t.Fatalf("expected aggregate tokens %+v, got %+v", want, sum.TotalTokens)
	}
	if len(sum.ExecutionOrder) != 2 {
		t.Fatalf("expected execution order of length 2, got %v", sum.ExecutionOrder)
	}
}
