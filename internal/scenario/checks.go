package scenario

import "encoding/json"

// Check is a named predicate over an event payload. Results are recorded alongside
// the outcome; they do not decide pass or fail.
type Check struct {
	Name string
	Eval func(payload map[string]any) bool
}

var (
	HasAttachment = Check{Name: "has_attachment", Eval: hasAttachment}
	HasTTL        = Check{Name: "has_ttl", Eval: hasTTL}
	HasFile       = Check{Name: "has_file", Eval: hasFile}
	HasReplyTo    = Check{Name: "has_reply_to", Eval: hasReplyTo}
)

func attachments(payload map[string]any) []any {
	list, _ := payload["attachments"].([]any)
	return list
}

func hasAttachment(payload map[string]any) bool {
	return len(attachments(payload)) > 0
}

func hasTTL(payload map[string]any) bool {
	return present(payload, "ttl") || present(payload, "disappearing_timer")
}

func hasFile(payload map[string]any) bool {
	for _, item := range attachments(payload) {
		a, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch a["type"] {
		case "file", "document":
			return true
		}
		if mime, _ := a["mime_type"].(string); mime != "" {
			return true
		}
	}
	return false
}

func hasReplyTo(payload map[string]any) bool {
	return present(payload, "reply_to") || present(payload, "reply_to_id")
}

// present treats an explicit JSON null as set.
func present(payload map[string]any, key string) bool {
	_, ok := payload[key]
	return ok
}

// Evaluate runs checks against raw. A payload that is not an object fails every check.
func Evaluate(checks []Check, raw json.RawMessage) map[string]bool {
	if len(checks) == 0 {
		return nil
	}
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)
	out := make(map[string]bool, len(checks))
	for _, c := range checks {
		out[c.Name] = payload != nil && c.Eval(payload)
	}
	return out
}
