package runtime

import "sync"

// tokenUsageMetaKey is the envelope meta key a PersonJob handler's
// SerializeOutput step attaches its reported TokenUsage under, so the
// scheduler's dispatch loop can thread it into StateTransitionLogic.
// ToCompleted without the handler reaching into transition machinery
// itself (handlers only get a write port for their own node's envelope).
const tokenUsageMetaKey = "token_usage"

// TokensFromMeta reads back the TokenUsage a handler attached via
// tokenUsageMetaKey, or nil if none was attached.
func TokensFromMeta(env Envelope) *TokenUsage {
	if env == nil {
		return nil
	}
	v, ok := env.Meta()[tokenUsageMetaKey]
	if !ok {
		return nil
	}
	if tu, ok := v.(TokenUsage); ok {
		return &tu
	}
	return nil
}

// modelMetaKey is the envelope meta key a PersonJob handler attaches its
// model name under, alongside tokenUsageMetaKey, so CostTracker can price
// the usage by model.
const modelMetaKey = "model"

// ModelFromMeta reads back the model name a handler attached via
// modelMetaKey, or "" if none was attached.
func ModelFromMeta(env Envelope) string {
	if env == nil {
		return ""
	}
	v, _ := env.Meta()[modelMetaKey].(string)
	return v
}

// ModelPricing is the per-million-token price for a model, used to turn a
// PersonJob handler's reported TokenUsage into an aggregate dollar cost.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing mirrors the teacher's pricing table for the same
// model families (LLM adapters under runtime/model), so a PersonJob node's
// token_usage has a real cost estimate attached rather than a stub.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":              {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":         {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":         {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":       {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-sonnet-4-5":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus":       {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-sonnet":     {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku":      {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":      {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":    {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// CostTracker aggregates per-model token usage and the estimated dollar
// cost it implies, across every PersonJob invocation in an execution.
type CostTracker struct {
	mu      sync.Mutex
	pricing map[string]ModelPricing
	usage   map[string]TokenUsage
}

// NewCostTracker returns a tracker seeded with the default pricing table.
// Callers may add or override entries with SetPricing for models not in
// the default table.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for k, v := range defaultModelPricing {
		pricing[k] = v
	}
	return &CostTracker{pricing: pricing, usage: make(map[string]TokenUsage)}
}

// SetPricing registers or overrides the price for model.
func (c *CostTracker) SetPricing(model string, p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = p
}

// Record adds usage for model to the running total.
func (c *CostTracker) Record(model string, usage TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage[model] = c.usage[model].Add(usage)
}

// EstimatedCostUSD returns the running total estimated cost across every
// recorded model, in US dollars. Models with no known pricing contribute
// zero rather than failing the call.
func (c *CostTracker) EstimatedCostUSD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total float64
	for model, usage := range c.usage {
		p, ok := c.pricing[model]
		if !ok {
			continue
		}
		total += float64(usage.Input) / 1_000_000 * p.InputPer1M
		total += float64(usage.Output) / 1_000_000 * p.OutputPer1M
	}
	return total
}

// UsageByModel returns a copy of the per-model running totals.
func (c *CostTracker) UsageByModel() map[string]TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TokenUsage, len(c.usage))
	for k, v := range c.usage {
		out[k] = v
	}
	return out
}
