package handlers

import (
	"context"
	"testing"

	"github.com/corectl/diagexec/runtime"
	"github.com/corectl/diagexec/runtime/model"
)

func personJobRequest(node *runtime.Node, services map[string]any, priorOutput runtime.Envelope) *runtime.Request {
	diagram := runtime.NewDiagram("d", []runtime.Node{*node}, nil)
	tracker := runtime.NewExecutionTracker()
	if priorOutput != nil {
		tracker.StartExecution(node.ID)
		tracker.CompleteExecution(node.ID, runtime.NodeCompleted, priorOutput, "", nil)
		tracker.ResetForIteration(node.ID)
	}
	state := blankExecState("d")
	transitions := runtime.NewStateTransitionLogic(diagram, tracker, state)
	readiness := runtime.NewReadinessChecker(diagram, tracker, nil)
	resolver := runtime.NewInputResolver(diagram, tracker)
	ctx := runtime.NewExecutionContext(diagram, state.ID, tracker, transitions, readiness, resolver, state, services)
	return &runtime.Request{Node: node, Diagram: diagram, ExecutionID: "exec-1", ExecutionNumber: 1, Context: ctx}
}

func TestPersonJobHandlerValidateRequiresPrompt(t *testing.T) {
	node := &runtime.Node{ID: "P", Type: runtime.NodeTypePersonJob, Config: map[string]any{}}
	req := personJobRequest(node, nil, nil)
	if err := (PersonJobHandler{}).Validate(req); err == nil {
		t.Fatal("expected Validate to require a prompt")
	}
}

func TestPersonJobHandlerTemplateVariablesExtractsPromptVars(t *testing.T) {
	node := &runtime.Node{ID: "P", Type: runtime.NodeTypePersonJob, Config: map[string]any{
		"prompt": "Summarize {{topic}} for {{audience}}.",
	}}
	vars := (PersonJobHandler{}).TemplateVariables(node)
	if len(vars) != 2 || vars[0] != "topic" || vars[1] != "audience" {
		t.Fatalf("unexpected template variables: %v", vars)
	}
}

func TestPersonJobHandlerRunFirstIterationNoPriorConversation(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "hello there", Usage: model.Usage{InputTokens: 10, OutputTokens: 4}},
	}}
	node := &runtime.Node{ID: "P", Type: runtime.NodeTypePersonJob, MaxIteration: 3, Config: map[string]any{
		"prompt":        "Say hi to {{name}}",
		"system_prompt": "You are helpful.",
		"model":         "gpt-4o-mini",
	}}
	req := personJobRequest(node, map[string]any{"model": model.ChatModel(mock)}, nil)

	h := PersonJobHandler{}
	inputs, err := h.PrepareInputs(req, map[runtime.Port]runtime.Envelope{
		runtime.PortFirst: runtime.Text("Ada", "S", "t"),
	})
	if err != nil {
		t.Fatalf("PrepareInputs: %v", err)
	}

	result, err := h.Run(context.Background(), inputs, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("expected exactly one Chat call, got %d", mock.CallCount())
	}
	firstCall := mock.Calls[0]
	if firstCall.Messages[0].Role != model.RoleSystem {
		t.Fatalf("expected a system message on the first iteration, got %+v", firstCall.Messages)
	}

	env, err := h.SerializeOutput(result, req)
	if err != nil {
		t.Fatalf("SerializeOutput: %v", err)
	}
	text := env.Representations()["text"]
	if text != "hello there" {
		t.Fatalf("expected text representation %q, got %q", "hello there", text)
	}
	tu := runtime.TokensFromMeta(env)
	if tu == nil || tu.Input != 10 || tu.Output != 4 {
		t.Fatalf("expected token usage attached to output meta, got %+v", tu)
	}
	if runtime.ModelFromMeta(env) != "gpt-4o-mini" {
		t.Fatalf("expected model label attached to meta, got %q", runtime.ModelFromMeta(env))
	}
}

func TestPersonJobHandlerRunRecoversConversationAcrossIterations(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "second reply"},
	}}
	node := &runtime.Node{ID: "P", Type: runtime.NodeTypePersonJob, MaxIteration: 3, Config: map[string]any{
		"prompt": "continue",
	}}
	prior := runtime.Conversation([]runtime.Message{
		{Role: model.RoleUser, Content: "first message"},
		{Role: model.RoleAssistant, Content: "first reply"},
	}, "P", "t")
	req := personJobRequest(node, map[string]any{"model": model.ChatModel(mock)}, prior)

	h := PersonJobHandler{}
	if _, err := h.Run(context.Background(), nil, req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	call := mock.Calls[0]
	if len(call.Messages) < 3 {
		t.Fatalf("expected the prior conversation to be carried forward, got %+v", call.Messages)
	}
	if call.Messages[0].Content != "first message" {
		t.Fatalf("expected prior conversation's first message preserved, got %+v", call.Messages[0])
	}
}

func TestPersonJobHandlerMissingChatModelService(t *testing.T) {
	node := &runtime.Node{ID: "P", Type: runtime.NodeTypePersonJob, Config: map[string]any{"prompt": "hi"}}
	req := personJobRequest(node, nil, nil)
	_, err := (PersonJobHandler{}).Run(context.Background(), nil, req)
	if err == nil {
		t.Fatal("expected an error when no ChatModel service is registered")
	}
}

func TestPersonJobHandlerModelRefSelectsNamedService(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	node := &runtime.Node{ID: "P", Type: runtime.NodeTypePersonJob, Config: map[string]any{
		"prompt":    "hi",
		"model_ref": "reviewer",
	}}
	req := personJobRequest(node, map[string]any{"model:reviewer": model.ChatModel(mock)}, nil)
	_, err := (PersonJobHandler{}).Run(context.Background(), nil, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mock.CallCount() != 1 {
		t.Fatal("expected the model_ref-keyed service to be used")
	}
}
