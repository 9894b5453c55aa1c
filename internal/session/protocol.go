package session

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// tags are the only protocol fields the core inspects. Everything else in
// a stream-json line is opaque payload belonging to downstream clients.
type tags struct {
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	SessionID    string   `json:"session_id"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	Request      struct {
		Subtype string `json:"subtype"`
	} `json:"request"`
}

const (
	tagAssistant      = "assistant"
	tagControlRequest = "control_request"
	tagResult         = "result"
	tagSystem         = "system"

	subtypeInit       = "init"
	subtypeCanUseTool = "can_use_tool"
)

func parseTags(payload json.RawMessage) (tags, bool) {
	var t tags
	if err := json.Unmarshal(payload, &t); err != nil {
		return tags{}, false
	}
	return t, true
}

// extractUpstreamID scans persisted envelopes for the most recent init
// message and returns the conversation id the process reported for
// itself. Empty when the process never identified its conversation, in
// which case resumption is impossible.
func extractUpstreamID(envs []envelope.Envelope) string {
	id := ""
	for _, env := range envs {
		if env.Kind != envelope.KindMessage {
			continue
		}
		t, ok := parseTags(env.Payload)
		if !ok {
			continue
		}
		if t.Type == tagSystem && t.Subtype == subtypeInit && t.SessionID != "" {
			id = t.SessionID
		}
	}
	return id
}

// initializeRequest is the mandatory first control message sent to the
// process after spawn, before any user input.
type initializeRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype string `json:"subtype"`
	} `json:"request"`
}

func newInitializeRequest() initializeRequest {
	req := initializeRequest{
		Type:      tagControlRequest,
		RequestID: "init-" + uuid.NewString(),
	}
	req.Request.Subtype = "initialize"
	return req
}
