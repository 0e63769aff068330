package monitor

import (
	"encoding/json"
	"math"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/llm-router/internal/catalog"
)

// Usage holds token counts reported by a provider. Nil means unreported.
type Usage struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

func (u Usage) Empty() bool {
	return u.PromptTokens == nil && u.CompletionTokens == nil && u.TotalTokens == nil
}

// usageShapes lists where vendors put token counts, as (prompt, completion,
// total) gjson paths. The first shape with any count wins.
var usageShapes = [][3]string{
	{"usage.prompt_tokens", "usage.completion_tokens", "usage.total_tokens"},
	{"usage.input_tokens", "usage.output_tokens", "usage.total_tokens"},
	{"prompt_tokens", "completion_tokens", "total_tokens"},
	{"usageMetadata.promptTokenCount", "usageMetadata.candidatesTokenCount", "usageMetadata.totalTokenCount"},
	{"prompt_eval_count", "eval_count", ""},
}

// UsageFromRaw extracts token counts from a raw vendor payload.
func UsageFromRaw(raw map[string]any) Usage {
	if len(raw) == 0 {
		return Usage{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Usage{}
	}
	for _, shape := range usageShapes {
		u := Usage{
			PromptTokens:     intAt(data, shape[0]),
			CompletionTokens: intAt(data, shape[1]),
			TotalTokens:      intAt(data, shape[2]),
		}
		if u.Empty() {
			continue
		}
		if u.TotalTokens == nil && u.PromptTokens != nil && u.CompletionTokens != nil {
			total := *u.PromptTokens + *u.CompletionTokens
			u.TotalTokens = &total
		}
		return u
	}
	return Usage{}
}

// UsageFromBlock reads a bare usage object as carried by stream chunks.
func UsageFromBlock(usage map[string]any) Usage {
	if len(usage) == 0 {
		return Usage{}
	}
	return UsageFromRaw(map[string]any{"usage": usage})
}

func intAt(data []byte, path string) *int {
	if path == "" {
		return nil
	}
	r := gjson.GetBytes(data, path)
	if r.Type != gjson.Number {
		return nil
	}
	n := int(r.Int())
	return &n
}

// CalculateCost prices a call from the model's config keys
// cost_per_1k_tokens and cost_per_1k_completion_tokens. When a completion
// price and completion tokens are present, prompt and completion tokens are
// priced separately; otherwise all tokens use cost_per_1k_tokens. The result
// is rounded to six decimals and nil when not positive.
func CalculateCost(config map[string]any, u Usage) *float64 {
	prompt, completion := deref(u.PromptTokens), deref(u.CompletionTokens)
	if prompt == 0 && completion == 0 {
		return nil
	}
	perK, _ := catalog.Number(config["cost_per_1k_tokens"])
	perKCompletion, _ := catalog.Number(config["cost_per_1k_completion_tokens"])
	if perK == 0 && perKCompletion == 0 {
		return nil
	}

	var cost float64
	switch {
	case perKCompletion != 0 && completion != 0:
		cost = float64(completion) / 1000 * perKCompletion
		if perK != 0 && prompt != 0 {
			cost += float64(prompt) / 1000 * perK
		}
	case perK != 0:
		cost = float64(prompt+completion) / 1000 * perK
	}
	cost = math.Round(cost*1e6) / 1e6
	if cost <= 0 {
		return nil
	}
	return &cost
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
