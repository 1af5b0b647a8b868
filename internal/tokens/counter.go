// Package tokens counts input and output tokens of a provider call.
package tokens

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnsupportedProvider is returned when no estimator is registered for a provider
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrValidation is returned when an estimator produces an inconsistent count
	ErrValidation = errors.New("invalid token count")
)

// TokenCount is the token usage of one generation
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Validate checks total == input + output and that no count is negative
func (c TokenCount) Validate() error {
	if c.Input < 0 || c.Output < 0 {
		return fmt.Errorf("%w: negative count (input=%d, output=%d)", ErrValidation, c.Input, c.Output)
	}
	if c.Total != c.Input+c.Output {
		return fmt.Errorf("%w: total %d != input %d + output %d", ErrValidation, c.Total, c.Input, c.Output)
	}
	return nil
}

// Estimator counts tokens for one provider. Payloads are the raw request and
// response bodies; either may be empty.
type Estimator interface {
	Estimate(model string, input, output []byte) (TokenCount, error)
}

// EstimatorFunc adapts a function to Estimator
type EstimatorFunc func(model string, input, output []byte) (TokenCount, error)

func (f EstimatorFunc) Estimate(model string, input, output []byte) (TokenCount, error) {
	return f(model, input, output)
}

// Counter is a registry of estimators keyed by provider name
type Counter struct {
	mu         sync.RWMutex
	estimators map[string]Estimator
}

// NewCounter creates an empty counter
func NewCounter() *Counter {
	return &Counter{estimators: make(map[string]Estimator)}
}

// NewDefaultCounter registers the built-in estimators for the known providers.
// Provider-reported usage wins; otherwise OpenAI models fall back to BPE
// counting and the rest to a character ratio.
func NewDefaultCounter() *Counter {
	c := NewCounter()
	c.Register("openai", NewUsageEstimator(NewTiktokenEstimator()))
	c.Register("anthropic", NewUsageEstimator(NewCharRatioEstimator(3.5)))
	c.Register("gigachat", NewUsageEstimator(NewCharRatioEstimator(DefaultCharsPerToken)))
	return c
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Register adds or replaces the estimator for a provider
func (c *Counter) Register(provider string, e Estimator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimators[normalizeProvider(provider)] = e
}

// Providers lists registered provider names
func (c *Counter) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.estimators))
	for name := range c.estimators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count estimates the tokens of one provider call and validates the result
func (c *Counter) Count(provider, model string, input, output []byte) (TokenCount, error) {
	c.mu.RLock()
	e, ok := c.estimators[normalizeProvider(provider)]
	c.mu.RUnlock()

	if !ok {
		return TokenCount{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}

	count, err := e.Estimate(model, input, output)
	if err != nil {
		return TokenCount{}, fmt.Errorf("failed to estimate tokens for %s/%s: %w", provider, model, err)
	}
	if err := count.Validate(); err != nil {
		return TokenCount{}, err
	}

	return count, nil
}
