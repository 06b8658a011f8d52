package scenario

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultWaitTimeout bounds each event wait in a scenario.
const DefaultWaitTimeout = 30 * time.Second

const lobbyTopic = "presence:lobby"

var (
	ErrUnknownScenario      = errors.New("scenario: unknown scenario")
	ErrConversationRequired = errors.New("scenario: conversation id required")
	ErrUserIDRequired       = errors.New("scenario: userB.userId required")
)

// Params are the per-run inputs a scenario draws its topic from.
type Params struct {
	ConvID      string
	Tokens      Tokens
	WaitTimeout time.Duration
}

// Scenario describes one verification: join Topic, wait Waits times for Event, then
// evaluate Checks against the last payload.
type Scenario struct {
	Name  string
	Event string
	// Waits is the number of consecutive matching events to consume.
	Waits             int
	NeedsConversation bool
	Topic             func(Params) (string, error)
	Checks            []Check
}

func conversationTopic(p Params) (string, error) {
	if p.ConvID == "" {
		return "", ErrConversationRequired
	}
	return "chat:" + p.ConvID, nil
}

func lobby(Params) (string, error) {
	return lobbyTopic, nil
}

func userTopic(p Params) (string, error) {
	if p.Tokens.UserB.UserID == "" {
		return "", ErrUserIDRequired
	}
	return "user:" + p.Tokens.UserB.UserID, nil
}

func chat(name, event string, checks ...Check) Scenario {
	return Scenario{
		Name:              name,
		Event:             event,
		Waits:             1,
		NeedsConversation: true,
		Topic:             conversationTopic,
		Checks:            checks,
	}
}

var catalogue = []Scenario{
	chat("text_chat", "message:new"),
	chat("typing", "typing:start"),
	chat("read_receipt", "message:read"),
	chat("reaction", "message:reaction:added"),
	{Name: "presence", Event: "presence_diff", Waits: 1, Topic: lobby},
	{Name: "call", Event: "incoming_call", Waits: 1, Topic: userTopic},
	chat("group_message", "message:new"),
	chat("image_attachment", "message:new", HasAttachment),
	chat("disappearing_messages", "message:new", HasTTL),
	chat("file_sharing", "message:new", HasFile),
	func() Scenario {
		sc := chat("message_reply", "message:new", HasReplyTo)
		sc.Waits = 2
		return sc
	}(),
}

// Catalogue returns every known scenario in declaration order.
func Catalogue() []Scenario {
	out := make([]Scenario, len(catalogue))
	copy(out, catalogue)
	return out
}

func Lookup(name string) (Scenario, error) {
	for _, sc := range catalogue {
		if sc.Name == name {
			return sc, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
}

// Names returns the scenario names sorted alphabetically.
func Names() []string {
	names := make([]string, 0, len(catalogue))
	for _, sc := range catalogue {
		names = append(names, sc.Name)
	}
	sort.Strings(names)
	return names
}
