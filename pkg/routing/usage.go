package routing

import (
	"bytes"
	"encoding/json"
	"strings"
)

type usageFields struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type usageEnvelope struct {
	Usage *usageFields `json:"usage"`
}

// extractUsage implements §4.10 step 5's extraction: a non-streaming JSON
// body carries usage directly; a streaming (SSE) body carries it on its
// final "data: {...}" chunk. body is the (possibly truncated) tail of what
// was sent to the caller — truncation only matters for very large
// non-streaming bodies, since usage is best-effort and may simply go
// unrecorded when it falls outside the captured window.
func extractUsage(body []byte) (usageFields, bool) {
	if u, ok := parseJSONUsage(body); ok {
		return u, true
	}
	return parseSSEUsage(body)
}

func parseJSONUsage(body []byte) (usageFields, bool) {
	var env usageEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(body), &env); err != nil || env.Usage == nil {
		return usageFields{}, false
	}
	return *env.Usage, true
}

func parseSSEUsage(body []byte) (usageFields, bool) {
	lines := strings.Split(string(body), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var env usageEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Usage == nil {
			continue
		}
		return *env.Usage, true
	}
	return usageFields{}, false
}
