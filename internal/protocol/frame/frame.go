package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/danmuck/chanctl/internal/protocol"
)

// Arity is the number of elements in one wire frame.
const Arity = 5

var (
	ErrMalformed       = errors.New("frame: malformed")
	ErrWrongArity      = errors.New("frame: wrong arity")
	ErrInvalidRef      = errors.New("frame: invalid ref")
	ErrMessageTooLarge = errors.New("frame: message too large")
)

var emptyPayload = json.RawMessage(`{}`)

// Frame is one complete wire message: [join_ref, ref, topic, event, payload].
// An empty JoinRef or Ref encodes as JSON null.
type Frame struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxMessageBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 8 * 1024 * 1024,
	}
}

// New builds a frame, marshaling payload unless it is already raw JSON.
func New(joinRef, ref, topic, event string, payload any) (Frame, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{JoinRef: joinRef, Ref: ref, Topic: topic, Event: event, Payload: raw}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// MarshalPayload converts payload to raw JSON; nil becomes {}.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return emptyPayload, nil
	case json.RawMessage:
		if len(v) == 0 {
			return emptyPayload, nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid json", ErrMalformed)
		}
		return v, nil
	case []byte:
		return MarshalPayload(json.RawMessage(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("frame: marshal payload: %w", err)
		}
		return raw, nil
	}
}

func (f Frame) Validate() error {
	if f.Topic == "" {
		return fmt.Errorf("%w: %w", ErrMalformed, protocol.ErrEmptyTopic)
	}
	if f.Event == "" {
		return fmt.Errorf("%w: %w", ErrMalformed, protocol.ErrEmptyEvent)
	}
	return nil
}

// IsKeepaliveReply reports whether f is the server's heartbeat ack.
func (f Frame) IsKeepaliveReply() bool {
	return protocol.IsKeepaliveReply(f.Topic, f.Event)
}

// Encode serializes f as a 5-element JSON array.
func Encode(f Frame, limits Limits) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	payload := f.Payload
	if len(payload) == 0 {
		payload = emptyPayload
	}
	out, err := json.Marshal([Arity]any{nullable(f.JoinRef), nullable(f.Ref), f.Topic, f.Event, payload})
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	if limits.MaxMessageBytes > 0 && int64(len(out)) > limits.MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

// Decode parses one wire message. Every failure wraps ErrMalformed.
func Decode(data []byte, limits Limits) (Frame, error) {
	if limits.MaxMessageBytes > 0 && int64(len(data)) > limits.MaxMessageBytes {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformed, ErrMessageTooLarge)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) != Arity {
		return Frame{}, fmt.Errorf("%w: %w: got %d elements", ErrMalformed, ErrWrongArity, len(parts))
	}

	joinRef, err := decodeRef(parts[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: join_ref: %w", ErrMalformed, err)
	}
	ref, err := decodeRef(parts[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: ref: %w", ErrMalformed, err)
	}
	var topic, event string
	if err := json.Unmarshal(parts[2], &topic); err != nil {
		return Frame{}, fmt.Errorf("%w: topic: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(parts[3], &event); err != nil {
		return Frame{}, fmt.Errorf("%w: event: %v", ErrMalformed, err)
	}

	f := Frame{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   event,
		Payload: append(json.RawMessage(nil), parts[4]...),
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// decodeRef accepts null, a decimal-digit string, or a non-negative integer (some
// servers echo numbers).
func decodeRef(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if !isDigits(s) {
			return "", fmt.Errorf("%w: %q", ErrInvalidRef, s)
		}
		return s, nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatUint(n, 10), nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidRef, raw)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func nullable(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}
