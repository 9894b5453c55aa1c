package envelope

import (
	"encoding/json"
	"testing"
)

func TestNewStampsTimestamp(t *testing.T) {
	env := New(7, KindStatus, json.RawMessage(`{"status":"ready"}`))
	if env.Seq != 7 || env.Kind != KindStatus {
		t.Errorf("envelope fields wrong: %+v", env)
	}
	if env.Timestamp == 0 {
		t.Error("timestamp not stamped")
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := New(1, KindMessage, json.RawMessage(`{"type":"assistant"}`))
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"seq", "kind", "payload", "ts"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing %q field: %s", key, data)
		}
	}
}

func TestRawTextAlwaysValidJSON(t *testing.T) {
	for _, line := range []string{
		"plain text",
		`has "quotes" and \backslashes\`,
		"",
	} {
		raw := RawText(line)
		var wrapped struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			t.Fatalf("RawText(%q) produced invalid JSON: %v", line, err)
		}
		if wrapped.Type != "raw" || wrapped.Text != line {
			t.Errorf("RawText(%q) = %+v", line, wrapped)
		}
	}
}
