package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_UnsupportedProvider(t *testing.T) {
	c := NewCounter()
	_, err := c.Count("nope", "m", nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestCounter_RejectsInconsistentEstimator(t *testing.T) {
	c := NewCounter()
	c.Register("broken", EstimatorFunc(func(model string, input, output []byte) (TokenCount, error) {
		return TokenCount{Input: 10, Output: 5, Total: 14}, nil
	}))
	c.Register("negative", EstimatorFunc(func(model string, input, output []byte) (TokenCount, error) {
		return TokenCount{Input: -1, Output: 1, Total: 0}, nil
	}))

	_, err := c.Count("broken", "m", nil, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = c.Count("negative", "m", nil, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCounter_ProviderNameIsNormalized(t *testing.T) {
	c := NewCounter()
	c.Register("GigaChat", NewCharRatioEstimator(4))

	count, err := c.Count(" gigachat ", "GigaChat-Pro", []byte("12345678"), nil)
	require.NoError(t, err)
	assert.Equal(t, TokenCount{Input: 2, Output: 0, Total: 2}, count)
	assert.Equal(t, []string{"gigachat"}, c.Providers())
}

func TestDefaultCounter_Providers(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "gigachat", "openai"}, NewDefaultCounter().Providers())
}
