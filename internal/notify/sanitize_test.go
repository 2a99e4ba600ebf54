package notify

import (
	"encoding/json"
	"testing"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello world", "Hello world"},
		{"script_block", `<script>alert("x")</script>Hello`, "Hello"},
		{"script_with_attrs", `<script type="text/javascript">steal()</script>ok`, "ok"},
		{"mixed_case_script", `<ScRiPt>x</sCrIpT>ok`, "ok"},
		{"multiline_script", "<script>\nvar x = 1;\n</script>done", "done"},
		{"html_tags", "Click <b>here</b> <a href='x'>now</a>", "Click here now"},
		{"unclosed_tag", "trailing <b", "trailing <b"},
		{"whitespace_trimmed", "  padded  ", "padded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeString(tt.in); got != tt.want {
				t.Errorf("sanitizeString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizePayloadWalksNestedValues(t *testing.T) {
	raw := json.RawMessage(`{
		"message": "<script>x</script>hi",
		"count": 3,
		"nested": {"link": "<a href=\"e\">go</a>"},
		"tags": ["<b>one</b>", 2, null]
	}`)

	cleaned, err := sanitizePayload(raw)
	if err != nil {
		t.Fatalf("sanitizePayload: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(cleaned, &doc); err != nil {
		t.Fatalf("unmarshal cleaned payload: %v", err)
	}

	if doc["message"] != "hi" {
		t.Errorf("message = %q, want %q", doc["message"], "hi")
	}
	if doc["count"] != float64(3) {
		t.Errorf("count = %v, want 3", doc["count"])
	}
	nested := doc["nested"].(map[string]any)
	if nested["link"] != "go" {
		t.Errorf("nested.link = %q, want %q", nested["link"], "go")
	}
	tags := doc["tags"].([]any)
	if tags[0] != "one" || tags[1] != float64(2) || tags[2] != nil {
		t.Errorf("tags = %v", tags)
	}
}

func TestSanitizePayloadEmptyPassthrough(t *testing.T) {
	cleaned, err := sanitizePayload(nil)
	if err != nil {
		t.Fatalf("sanitizePayload(nil): %v", err)
	}
	if cleaned != nil {
		t.Errorf("cleaned = %s, want nil", cleaned)
	}
}

func TestSanitizePayloadRejectsInvalidJSON(t *testing.T) {
	if _, err := sanitizePayload(json.RawMessage(`{not json`)); err == nil {
		t.Error("invalid JSON should be rejected")
	}
}
