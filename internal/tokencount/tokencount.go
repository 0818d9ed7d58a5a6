// Package tokencount provides character-based token estimation for request
// feature extraction and for usage fallback when an upstream response carries
// no parseable usage object. Close enough for routing and accounting; exact
// counts would need the vendor tokenizers.
package tokencount

import (
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

// charsPerToken buckets models by tokenizer density: Chinese-centric models
// pack roughly two characters per token, code models three, everything else
// four.
func charsPerToken(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "qwen") || strings.Contains(m, "glm") || strings.Contains(m, "chinese"):
		return 2
	case strings.Contains(m, "code") || strings.Contains(m, "coder"):
		return 3
	default:
		return 4
	}
}

// EstimateText estimates the token count of a text of n bytes.
func EstimateText(model string, n int) int {
	if n <= 0 {
		return 0
	}
	cpt := charsPerToken(model)
	return (n + cpt - 1) / cpt
}

// EstimateRequest sums content lengths across the messages array of a raw
// request body and converts to tokens. Non-string content (tool results,
// content blocks) contributes its serialized length.
func EstimateRequest(body []byte) int {
	total := 0
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += len(content.String())
		} else {
			total += len(content.Raw)
		}
		return true
	})
	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		total += len(sys.Raw)
	}
	model := gjson.GetBytes(body, "model").String()
	return max(EstimateText(model, total), 1)
}

// FallbackUsage builds the estimate used when a response body yields no usage:
// total tokens from the body size, split 70% input / 30% output.
func FallbackUsage(model string, bodyBytes int) gateway.TokenUsage {
	total := EstimateText(model, bodyBytes)
	input := total * 7 / 10
	return gateway.TokenUsage{
		Input:  input,
		Output: total - input,
	}
}
