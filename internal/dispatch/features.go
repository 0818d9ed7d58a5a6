package dispatch

import (
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/lockgate-ai/lockgate/internal"
	"github.com/lockgate-ai/lockgate/internal/tokencount"
)

// BuildFeatures derives the routing descriptor from a raw request body.
// Cheap heuristics on purpose: this runs on every request before routing.
func BuildFeatures(body []byte) gateway.RequestFeatures {
	parsed := gjson.ParseBytes(body)
	model := parsed.Get("model").String()
	estimated := tokencount.EstimateRequest(body)

	priority := gateway.PriorityLow
	switch {
	case parsed.Get("max_tokens").Int() > 4000:
		priority = gateway.PriorityHigh
	case estimated > 2000:
		priority = gateway.PriorityNormal
	}

	reqType := gateway.RequestAnalysis
	switch {
	case strings.Contains(strings.ToLower(model), "code"):
		reqType = gateway.RequestCodeGeneration
	case len(parsed.Get("messages").Array()) > 5:
		reqType = gateway.RequestChat
	}

	return gateway.RequestFeatures{
		Model:           model,
		EstimatedTokens: estimated,
		Priority:        priority,
		Type:            reqType,
		Streaming:       parsed.Get("stream").Bool(),
	}
}
