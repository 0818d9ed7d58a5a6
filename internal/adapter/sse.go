package adapter

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

const maxSSELine = 64 * 1024

// newSSEScanner returns a bufio.Scanner sized for SSE lines.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxSSELine)
	return s
}

// parseSSELine splits one SSE line into its event type or data payload.
// Empty lines, comments, and unknown fields return ok=false.
func parseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// parseSSEUsage walks an accumulated SSE body and extracts the token usage.
//
// Anthropic streams report input and cache tokens in message_start and a
// cumulative output count in message_delta events; the last delta wins.
// Gemini and OpenAI-compatible streams attach the usage object to the final
// data chunk, so the last chunk carrying one wins.
func parseSSEUsage(provider gateway.ServiceProvider, body []byte) (gateway.TokenUsage, bool) {
	var usage gateway.TokenUsage
	found := false

	scanner := newSSEScanner(bytes.NewReader(body))
	for scanner.Scan() {
		_, data, ok := parseSSELine(scanner.Text())
		if !ok || data == "" || data == "[DONE]" {
			continue
		}
		chunk := gjson.Parse(data)

		if provider == gateway.ProviderAnthropic {
			switch chunk.Get("type").String() {
			case "message_start":
				if u, ok := parseAnthropicUsage(chunk.Get("message.usage")); ok {
					usage.Input = u.Input
					usage.CacheCreation = u.CacheCreation
					usage.CacheRead = u.CacheRead
					found = true
				}
			case "message_delta":
				if out := chunk.Get("usage.output_tokens"); out.Exists() {
					usage.Output = int(out.Int())
					found = true
				}
			}
			continue
		}

		var u gateway.TokenUsage
		var ok2 bool
		if provider == gateway.ProviderGemini {
			u, ok2 = parseGeminiUsage(chunk.Get("usageMetadata"))
		} else {
			u, ok2 = parseOpenAIUsage(chunk.Get("usage"))
		}
		if ok2 {
			usage = u
			found = true
		}
	}
	return usage, found
}
