package protocol

import "errors"

var (
	ErrEmptyTopic = errors.New("protocol: empty topic")
	ErrEmptyEvent = errors.New("protocol: empty event")
)
