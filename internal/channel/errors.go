package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/chanctl/internal/protocol/frame"
)

var (
	ErrConnection       = errors.New("channel: connection error")
	ErrTimeout          = errors.New("channel: timeout")
	ErrReplyRejected    = errors.New("channel: reply rejected")
	ErrChannel          = errors.New("channel: channel error")
	ErrDisconnected     = errors.New("channel: client disconnected")
	ErrConnectionClosed = errors.New("channel: connection closed")
	ErrNotConnected     = errors.New("channel: not connected")
	ErrAlreadyConnected = errors.New("channel: connect already attempted")
	ErrURLRequired      = errors.New("channel: url required")
)

// ConnectionError reports a transport that failed to open or closed underneath
// pending operations.
type ConnectionError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	msg := "channel: connection error"
	if e.URL != "" {
		msg += fmt.Sprintf(" (%s)", e.URL)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// TimeoutError reports an open, reply or event that did not arrive within its deadline.
type TimeoutError struct {
	Op    string
	Topic string
	Event string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	switch {
	case e.Event != "":
		return fmt.Sprintf("channel: timed out waiting %v for event %q on topic %q", e.After, e.Event, e.Topic)
	case e.Topic != "":
		return fmt.Sprintf("channel: %s timed out after %v for topic %q", e.Op, e.After, e.Topic)
	default:
		return fmt.Sprintf("channel: %s timed out after %v", e.Op, e.After)
	}
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ReplyError is a phx_reply whose status was not "ok".
type ReplyError struct {
	Topic   string
	Ref     string
	Status  string
	Payload json.RawMessage
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("channel: reply error on topic %q: %s", e.Topic, e.Payload)
}

func (e *ReplyError) Is(target error) bool { return target == ErrReplyRejected }

// Reason returns the server-supplied failure reason, if any.
func (e *ReplyError) Reason() string {
	return frame.DecodeReply(e.Payload).ReasonText()
}

// ChannelError is a phx_error addressed to a pending request.
type ChannelError struct {
	Topic   string
	Ref     string
	Payload json.RawMessage
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel: channel error on topic %q: %s", e.Topic, e.Payload)
}

func (e *ChannelError) Is(target error) bool { return target == ErrChannel }
