package billing

import (
	"github.com/shopspring/decimal"

	"llm_metering/internal/models"
	"llm_metering/internal/tokens"
)

const (
	ComponentInput  = "input"
	ComponentOutput = "output"
)

// Cost is the price of one generation
type Cost struct {
	Amount    decimal.Decimal      `json:"amount"`
	Breakdown models.CostBreakdown `json:"breakdown"`
}

// Price computes the cost of a token count under a rate. Each component is
// rounded half-even to CostScale and the amount is the sum of the rounded
// components, so amount == sum(breakdown) exactly.
func Price(count tokens.TokenCount, rate *models.ModelRate) Cost {
	input := decimal.NewFromInt(int64(count.Input)).Mul(rate.InputRate).RoundBank(models.CostScale)
	output := decimal.NewFromInt(int64(count.Output)).Mul(rate.OutputRate).RoundBank(models.CostScale)

	breakdown := models.CostBreakdown{
		ComponentInput:  input,
		ComponentOutput: output,
	}
	return Cost{Amount: breakdown.Sum(), Breakdown: breakdown}
}
