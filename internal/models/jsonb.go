package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

//
// JSON column helpers
//

// JSONB is a helper for json columns (jsonb on Postgres, TEXT on SQLite).
// Backed by map[string]any and works with sqlx / database/sql.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value any) error {
	b, err := jsonBytes("JSONB", value)
	if err != nil || b == nil {
		*j = nil
		return err
	}
	return json.Unmarshal(b, j)
}

// CostBreakdown maps a token class ("input", "output") to its sub-amount.
type CostBreakdown map[string]decimal.Decimal

// Sum returns the total of all sub-amounts.
func (c CostBreakdown) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, v := range c {
		total = total.Add(v)
	}
	return total
}

func (c CostBreakdown) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]decimal.Decimal(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *CostBreakdown) Scan(value any) error {
	b, err := jsonBytes("CostBreakdown", value)
	if err != nil {
		return err
	}
	out := CostBreakdown{}
	if b != nil {
		if err := json.Unmarshal(b, (*map[string]decimal.Decimal)(&out)); err != nil {
			return err
		}
	}
	*c = out
	return nil
}

func jsonBytes(kind string, value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%s: expected []byte or string, got %T", kind, value)
	}
}
