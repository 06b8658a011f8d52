package frame

import "encoding/json"

// Reply is the phx_reply payload shape. Reason and Response are kept raw since
// servers put arbitrary values there.
type Reply struct {
	Status   string          `json:"status"`
	Reason   json.RawMessage `json:"reason,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// DecodeReply reads the status envelope from a reply payload. A payload that is not
// an object, or whose status is not a string, yields an empty Reply, which never
// counts as ok.
func DecodeReply(payload json.RawMessage) Reply {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reply{}
	}
	return r
}

// ReasonText returns the failure reason from the top level or from response.reason.
// Only string reasons are reported.
func (r Reply) ReasonText() string {
	if s, ok := stringValue(r.Reason); ok && s != "" {
		return s
	}
	var inner struct {
		Reason json.RawMessage `json:"reason"`
	}
	if len(r.Response) > 0 && json.Unmarshal(r.Response, &inner) == nil {
		s, _ := stringValue(inner.Reason)
		return s
	}
	return ""
}

func stringValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
