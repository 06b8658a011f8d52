package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/chanctl/internal/channel"
	"github.com/danmuck/chanctl/internal/observability"
	"github.com/rs/zerolog"
)

// Channel is the subset of *channel.Client a scenario drives.
type Channel interface {
	JoinChannel(ctx context.Context, topic string, payload any) (json.RawMessage, error)
	WaitForEvent(ctx context.Context, topic, event string, timeout time.Duration) (channel.Event, error)
}

// Outcome is what one scenario observed. Err is nil exactly when it passed.
type Outcome struct {
	Scenario string
	Topic    string
	Event    string
	Payload  json.RawMessage
	Checks   map[string]bool
	Duration time.Duration
	Err      error
}

func (o Outcome) Passed() bool {
	return o.Err == nil
}

// Run joins the scenario's topic and consumes sc.Waits matching events. The last
// payload is evaluated against sc.Checks.
func Run(ctx context.Context, ch Channel, sc Scenario, p Params, logger zerolog.Logger) Outcome {
	start := time.Now()
	out := Outcome{Scenario: sc.Name, Event: sc.Event}
	defer func() {
		out.Duration = time.Since(start)
		observability.RecordScenario(sc.Name, out.Passed(), out.Duration)
	}()
	logger = logger.With().Str("scenario", sc.Name).Logger()

	topic, err := sc.Topic(p)
	if err != nil {
		out.Err = err
		return out
	}
	out.Topic = topic
	timeout := p.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	logger.Info().Str("topic", topic).Msg("joining")
	if _, err := ch.JoinChannel(ctx, topic, nil); err != nil {
		out.Err = fmt.Errorf("join %s: %w", topic, err)
		return out
	}

	waits := max(sc.Waits, 1)
	for i := 1; i <= waits; i++ {
		logger.Info().Str("topic", topic).Str("event", sc.Event).Int("wait", i).Dur("timeout", timeout).Msg("waiting")
		ev, err := ch.WaitForEvent(ctx, topic, sc.Event, timeout)
		if err != nil {
			out.Err = fmt.Errorf("wait %d/%d: %w", i, waits, err)
			return out
		}
		out.Payload = ev.Payload
	}
	out.Checks = Evaluate(sc.Checks, out.Payload)
	logger.Info().Str("event", sc.Event).Interface("checks", out.Checks).Msg("received")
	return out
}
