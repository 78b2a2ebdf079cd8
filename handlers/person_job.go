package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/corectl/diagexec/runtime"
	"github.com/corectl/diagexec/runtime/model"
	"github.com/corectl/diagexec/runtime/tool"
)

// PersonJobHandler drives the loop semantics of the system (§9 glossary):
// it calls a model.ChatModel up to the node's configured max_iteration
// times, carrying the conversation forward between iterations. It reads
// its own prior output (an Envelope persists across resets per §4.2) to
// recover the running conversation, rather than requiring a self-loop
// edge for that purpose.
//
// Config: "prompt" (required, a {{var}}-templated string rendered against
// resolved input ports), "system_prompt" (optional, used only on the
// first iteration), "model" (optional label attached to the output
// envelope's meta for CostTracker pricing).
type PersonJobHandler struct{}

func (PersonJobHandler) NodeType() runtime.NodeType { return runtime.NodeTypePersonJob }

func (PersonJobHandler) Validate(req *runtime.Request) error {
	if _, ok := req.Node.Config["prompt"].(string); !ok {
		return fmt.Errorf("person_job node requires a string \"prompt\" config field")
	}
	return nil
}

func (PersonJobHandler) PreExecute(req *runtime.Request) (runtime.Envelope, error) { return nil, nil }

func (PersonJobHandler) PrepareInputs(req *runtime.Request, envelopes map[runtime.Port]runtime.Envelope) (map[string]any, error) {
	vars := make(map[string]any, len(envelopes))
	for port, env := range envelopes {
		vars[string(port)] = envelopeScalar(env)
	}
	return vars, nil
}

// TemplateVariables implements the optional runtime.TemplateVariables
// hook: the ReadinessChecker consults it so a PersonJob node waits for
// every edge its prompt references before its first dispatch (§4.6 rule 4).
func (PersonJobHandler) TemplateVariables(node *runtime.Node) []string {
	prompt, _ := node.Config["prompt"].(string)
	return runtime.ExtractTemplateVariables(prompt)
}

// personJobResult is Run's return value, carrying everything
// SerializeOutput needs beyond the plain reply text: the full message
// history to persist for the next iteration, and the usage/model pair
// CostTracker prices.
type personJobResult struct {
	text     string
	messages []runtime.Message
	usage    model.Usage
	model    string
}

func (PersonJobHandler) Run(ctx context.Context, inputs map[string]any, req *runtime.Request) (any, error) {
	key := modelServiceKey(req.Node)
	svc, ok := req.Context.GetService(key)
	if !ok {
		return nil, fmt.Errorf("person_job: no ChatModel registered under service key %q", key)
	}
	chatModel, ok := svc.(model.ChatModel)
	if !ok {
		return nil, fmt.Errorf("person_job: service %q is not a model.ChatModel", key)
	}

	prior := priorConversation(req)
	rendered := renderPrompt(req.Node, inputs)

	var messages []model.Message
	if len(prior) == 0 {
		if sys, _ := req.Node.Config["system_prompt"].(string); sys != "" {
			messages = append(messages, model.Message{Role: model.RoleSystem, Content: sys})
		}
	} else {
		messages = append(messages, toModelMessages(prior)...)
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: rendered})

	out, err := chatModel.Chat(ctx, messages, nil)
	if err != nil {
		return nil, err
	}
	messages = append(messages, model.Message{Role: model.RoleAssistant, Content: out.Text})
	messages = append(messages, runToolCalls(ctx, req, out.ToolCalls)...)

	return personJobResult{
		text:     out.Text,
		messages: toRuntimeMessages(messages),
		usage:    out.Usage,
		model:    modelLabel(req.Node),
	}, nil
}

// runToolCalls invokes any tool the model requested against the
// "tools" service registry, feeding each result back as a user turn so
// the next Chat call sees it. Calls to unregistered tool names are
// silently skipped — the model asked for something this diagram wasn't
// wired to provide.
func runToolCalls(ctx context.Context, req *runtime.Request, calls []model.ToolCall) []model.Message {
	if len(calls) == 0 {
		return nil
	}
	svc, ok := req.Context.GetService("tools")
	if !ok {
		return nil
	}
	reg, ok := svc.(tool.Registry)
	if !ok {
		return nil
	}

	var out []model.Message
	for _, call := range calls {
		t, ok := reg[call.Name]
		if !ok {
			continue
		}
		result, err := t.Call(ctx, call.Input)
		if err != nil {
			out = append(out, model.Message{Role: model.RoleUser, Content: fmt.Sprintf("tool %s error: %v", call.Name, err)})
			continue
		}
		b, _ := json.Marshal(result)
		out = append(out, model.Message{Role: model.RoleUser, Content: string(b)})
	}
	return out
}

func (PersonJobHandler) SerializeOutput(result any, req *runtime.Request) (runtime.Envelope, error) {
	res, ok := result.(personJobResult)
	if !ok {
		return DefaultSerialize(result, req)
	}

	var env runtime.Envelope = runtime.Conversation(res.messages, req.Node.ID, req.ExecutionID)
	env = env.WithRepresentations(map[string]string{"text": res.text})
	if res.model != "" {
		usage := runtime.TokenUsage{Input: res.usage.InputTokens, Output: res.usage.OutputTokens}
		env = env.WithMeta(map[string]any{"model": res.model, "token_usage": usage})
	}
	return env, nil
}

func (PersonJobHandler) PostExecute(req *runtime.Request, env runtime.Envelope) (runtime.Envelope, error) {
	return env, nil
}

func (PersonJobHandler) OnError(req *runtime.Request, err error) (runtime.Envelope, error) {
	return nil, nil
}

func modelServiceKey(node *runtime.Node) string {
	if ref, ok := node.Config["model_ref"].(string); ok && ref != "" {
		return "model:" + ref
	}
	return "model"
}

func modelLabel(node *runtime.Node) string {
	label, _ := node.Config["model"].(string)
	return label
}

// priorConversation reads the node's own last completed output — which
// survives an iteration reset (§4.2) — to recover the conversation so far.
func priorConversation(req *runtime.Request) []runtime.Message {
	out := req.Context.GetNodeOutput(req.Node.ID)
	if out == nil {
		return nil
	}
	msgs, err := out.AsConversation()
	if err != nil {
		return nil
	}
	return msgs
}

func toModelMessages(msgs []runtime.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = model.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toRuntimeMessages(msgs []model.Message) []runtime.Message {
	out := make([]runtime.Message, len(msgs))
	for i, m := range msgs {
		out[i] = runtime.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// renderPrompt substitutes {{var}} placeholders in the node's prompt with
// the string form of the matching resolved input, leaving unmatched
// placeholders untouched (a missing optional input is not an error here;
// ReadinessChecker already gates on the required ones).
func renderPrompt(node *runtime.Node, vars map[string]any) string {
	prompt, _ := node.Config["prompt"].(string)
	return templateVarPattern.ReplaceAllStringFunc(prompt, func(match string) string {
		sub := templateVarPattern.FindStringSubmatch(match)
		name := sub[1]
		v, ok := vars[name]
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", v)
	})
}
