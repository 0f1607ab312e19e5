package invoker

import "github.com/penguiflow/penguiflow/runtime/model"

type (
	// Price is the per-million-token cost for one model.
	Price struct {
		// InputPerMTok is USD per million input tokens.
		InputPerMTok float64
		// OutputPerMTok is USD per million output tokens.
		OutputPerMTok float64
	}

	// PriceTable maps model identifiers to prices. Unknown models cost zero.
	PriceTable map[string]Price
)

// Cost estimates the USD cost of one call's usage.
func (t PriceTable) Cost(modelID string, usage model.TokenUsage) float64 {
	p, ok := t[modelID]
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return float64(usage.InputTokens)/mtok*p.InputPerMTok +
		float64(usage.OutputTokens)/mtok*p.OutputPerMTok
}
