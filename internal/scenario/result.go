package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Result is the persisted record of one scenario run.
type Result struct {
	RunID      string          `json:"run_id"`
	Scenario   string          `json:"scenario"`
	Passed     bool            `json:"passed"`
	Topic      string          `json:"topic,omitempty"`
	Event      string          `json:"event,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Checks     map[string]bool `json:"checks,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewResult(runID string, o Outcome, now time.Time) Result {
	r := Result{
		RunID:      runID,
		Scenario:   o.Scenario,
		Passed:     o.Passed(),
		Topic:      o.Topic,
		DurationMS: o.Duration.Milliseconds(),
		Timestamp:  now.UTC(),
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
		return r
	}
	r.Event = o.Event
	r.Payload = o.Payload
	r.Checks = o.Checks
	return r
}

// ResultPath is where WriteResult stores a scenario's result inside dir.
func ResultPath(dir, scenario string) string {
	return filepath.Join(dir, fmt.Sprintf(".result_%s.json", scenario))
}

// WriteResult writes r as indented JSON and returns the file path.
func WriteResult(dir string, r Result) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("scenario: create result dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("scenario: encode result: %w", err)
	}
	path := ResultPath(dir, r.Scenario)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("scenario: write result: %w", err)
	}
	return path, nil
}
