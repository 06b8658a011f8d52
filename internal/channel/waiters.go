package channel

import (
	"encoding/json"
	"time"
)

// AnyEvent matches every event on a topic.
const AnyEvent = ""

// Event is one observed frame as seen by waiters, collectors and the event log.
type Event struct {
	JoinRef    string
	Ref        string
	Topic      string
	Event      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

func eventMatches(want, got string) bool {
	return want == AnyEvent || want == got
}

type waiterKind uint8

const (
	waiterOnce waiterKind = iota
	waiterPersistent
)

type waiter struct {
	id      uint64
	topic   string
	event   string
	kind    waiterKind
	deliver func(Event)
}

func (w *waiter) matches(ev Event) bool {
	return w.topic == ev.Topic && eventMatches(w.event, ev.Event)
}

// waiterList keeps registrations in insertion order; notification follows that order.
type waiterList struct {
	nextID uint64
	items  []*waiter
}

func (l *waiterList) add(topic, event string, kind waiterKind, deliver func(Event)) uint64 {
	l.nextID++
	l.items = append(l.items, &waiter{
		id:      l.nextID,
		topic:   topic,
		event:   event,
		kind:    kind,
		deliver: deliver,
	})
	return l.nextID
}

// remove reports whether id was still registered.
func (l *waiterList) remove(id uint64) bool {
	for i, w := range l.items {
		if w.id == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

// notify delivers ev to every matching waiter and drops satisfied one-shot waiters.
// It reports whether a one-shot waiter consumed ev.
func (l *waiterList) notify(ev Event) bool {
	consumed := false
	remaining := l.items[:0]
	for _, w := range l.items {
		if !w.matches(ev) {
			remaining = append(remaining, w)
			continue
		}
		w.deliver(ev)
		if w.kind == waiterPersistent {
			remaining = append(remaining, w)
			continue
		}
		consumed = true
	}
	for i := len(remaining); i < len(l.items); i++ {
		l.items[i] = nil
	}
	l.items = remaining
	return consumed
}

func (l *waiterList) clear() {
	l.items = nil
}

func (l *waiterList) len() int {
	return len(l.items)
}

type logEntry struct {
	event    Event
	consumed bool
}

// eventLog is the append-only record of every non-keepalive frame. consumed marks
// entries already handed to a one-shot wait so repeated waits advance.
type eventLog struct {
	entries []logEntry
}

func (l *eventLog) append(ev Event) int {
	l.entries = append(l.entries, logEntry{event: ev})
	return len(l.entries) - 1
}

func (l *eventLog) markConsumed(i int) {
	if i >= 0 && i < len(l.entries) {
		l.entries[i].consumed = true
	}
}

// takeFirst returns the oldest unconsumed entry matching topic/event and consumes it.
func (l *eventLog) takeFirst(topic, event string) (Event, bool) {
	for i := range l.entries {
		e := &l.entries[i]
		if e.consumed || e.event.Topic != topic || !eventMatches(event, e.event.Event) {
			continue
		}
		e.consumed = true
		return e.event, true
	}
	return Event{}, false
}

func (l *eventLog) onTopic(topic string) []Event {
	var out []Event
	for _, e := range l.entries {
		if e.event.Topic == topic {
			out = append(out, e.event)
		}
	}
	return out
}

func (l *eventLog) snapshot() []Event {
	out := make([]Event, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.event
	}
	return out
}
