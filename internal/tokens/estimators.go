package tokens

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
)

// DefaultCharsPerToken is the fallback characters-per-token ratio
const DefaultCharsPerToken = 4.0

// ExtractText returns the text a model actually sees in a payload. JSON
// payloads contribute their string values, anything else is taken verbatim.
func ExtractText(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	if !gjson.ValidBytes(payload) {
		return string(payload)
	}

	var sb strings.Builder
	collectStrings(gjson.ParseBytes(payload), &sb)
	return sb.String()
}

func collectStrings(v gjson.Result, sb *strings.Builder) {
	switch {
	case v.Type == gjson.String:
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(v.Str)
	case v.IsObject() || v.IsArray():
		v.ForEach(func(_, value gjson.Result) bool {
			collectStrings(value, sb)
			return true
		})
	}
}

// CharRatioEstimator estimates tokens from character counts
type CharRatioEstimator struct {
	charsPerToken float64
}

// NewCharRatioEstimator creates a character-ratio estimator
func NewCharRatioEstimator(charsPerToken float64) *CharRatioEstimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &CharRatioEstimator{charsPerToken: charsPerToken}
}

// EstimateText estimates tokens for a single text string, at least 1 when non-empty
func (e *CharRatioEstimator) EstimateText(text string) int {
	chars := utf8.RuneCountInString(text)
	if chars == 0 {
		return 0
	}

	tokens := float64(chars) / e.charsPerToken
	if tokens < 1.0 {
		tokens = 1.0
	}
	return int(tokens + 0.5)
}

func (e *CharRatioEstimator) Estimate(model string, input, output []byte) (TokenCount, error) {
	in := e.EstimateText(ExtractText(input))
	out := e.EstimateText(ExtractText(output))
	return TokenCount{Input: in, Output: out, Total: in + out}, nil
}

// TiktokenEstimator counts BPE tokens for OpenAI-family models
type TiktokenEstimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTiktokenEstimator creates a BPE estimator. Encodings load lazily.
func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (e *TiktokenEstimator) encoding(model string) (*tiktoken.Tiktoken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tkm, ok := e.encodings[model]; ok {
		return tkm, nil
	}

	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// unknown model names share the cl100k_base encoding
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load encoding: %w", err)
		}
	}

	e.encodings[model] = tkm
	return tkm, nil
}

func (e *TiktokenEstimator) Estimate(model string, input, output []byte) (TokenCount, error) {
	tkm, err := e.encoding(model)
	if err != nil {
		return TokenCount{}, err
	}

	in := len(tkm.Encode(ExtractText(input), nil, nil))
	out := len(tkm.Encode(ExtractText(output), nil, nil))
	return TokenCount{Input: in, Output: out, Total: in + out}, nil
}

// UsageEstimator trusts the usage object a provider reports in its response
// and falls back to another estimator when none is present.
type UsageEstimator struct {
	fallback Estimator
}

// NewUsageEstimator creates a reported-usage reader
func NewUsageEstimator(fallback Estimator) *UsageEstimator {
	return &UsageEstimator{fallback: fallback}
}

var usagePaths = []struct{ input, output string }{
	{"usage.prompt_tokens", "usage.completion_tokens"}, // OpenAI, GigaChat
	{"usage.input_tokens", "usage.output_tokens"},      // Anthropic
}

func (e *UsageEstimator) Estimate(model string, input, output []byte) (TokenCount, error) {
	if count, ok := ReportedUsage(output); ok {
		return count, nil
	}
	if e.fallback == nil {
		return TokenCount{}, fmt.Errorf("no usage reported for %s and no fallback estimator", model)
	}
	return e.fallback.Estimate(model, input, output)
}

// ReportedUsage reads provider-reported usage from a response body. A
// reported total_tokens is kept as-is so inconsistencies surface in validation.
func ReportedUsage(response []byte) (TokenCount, bool) {
	if len(response) == 0 || !gjson.ValidBytes(response) {
		return TokenCount{}, false
	}

	for _, p := range usagePaths {
		res := gjson.GetManyBytes(response, p.input, p.output, "usage.total_tokens")
		if !res[0].Exists() && !res[1].Exists() {
			continue
		}

		count := TokenCount{Input: int(res[0].Int()), Output: int(res[1].Int())}
		count.Total = count.Input + count.Output
		if res[2].Exists() {
			count.Total = int(res[2].Int())
		}
		return count, true
	}

	return TokenCount{}, false
}
