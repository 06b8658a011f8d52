package channel

import (
	"encoding/json"
	"time"

	"github.com/danmuck/chanctl/internal/observability"
	"github.com/danmuck/chanctl/internal/protocol"
	"github.com/danmuck/chanctl/internal/protocol/frame"
	"github.com/rs/zerolog"
)

type requestResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest correlates an outbound ref with its caller. joinRef is set for
// joins and becomes the topic's membership on an ok reply.
type pendingRequest struct {
	topic   string
	joinRef string
	started time.Time
	done    chan requestResult
}

func (p *pendingRequest) finish(res requestResult) {
	p.done <- res
}

// state is owned by the control loop; nothing else may touch it.
type state struct {
	refs     refCounter
	joinRefs refCounter
	pending  map[string]*pendingRequest
	members  map[string]string
	waiters  waiterList
	events   eventLog

	limits frame.Limits
	send   func(frame.Frame) error
	now    func() time.Time
	logger zerolog.Logger

	// closing tells the loop to exit after the current command.
	closing bool
}

func newState(limits frame.Limits, send func(frame.Frame) error, now func() time.Time, logger zerolog.Logger) *state {
	return &state{
		pending: make(map[string]*pendingRequest),
		members: make(map[string]string),
		limits:  limits,
		send:    send,
		now:     now,
		logger:  logger,
	}
}

// dispatch runs one inbound message through the pipeline: parse, keepalive filter,
// log, reply/error correlation, waiter notification.
func (s *state) dispatch(data []byte) {
	f, err := frame.Decode(data, s.limits)
	if err != nil {
		observability.RecordFrameDropped(observability.DropMalformed)
		s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("channel.Client dropping malformed frame")
		return
	}
	if f.IsKeepaliveReply() {
		observability.RecordFrameDropped(observability.DropKeepalive)
		return
	}

	ev := Event{
		JoinRef:    f.JoinRef,
		Ref:        f.Ref,
		Topic:      f.Topic,
		Event:      f.Event,
		Payload:    f.Payload,
		ReceivedAt: s.now(),
	}
	idx := s.events.append(ev)

	switch f.Event {
	case protocol.EventReply:
		if p, ok := s.takePending(f.Ref); ok {
			observability.RecordFrameReceived("reply")
			s.resolveReply(p, f)
			return
		}
		// Reply-shaped frames without a caller never reach waiters.
		observability.RecordFrameDropped(observability.DropUnmatched)
		s.logger.Debug().Str("topic", f.Topic).Str("ref", f.Ref).Msg("channel.Client unmatched reply")
		return
	case protocol.EventError:
		if p, ok := s.takePending(f.Ref); ok {
			observability.RecordFrameReceived("error")
			s.logger.Warn().Str("topic", f.Topic).Str("ref", f.Ref).RawJSON("payload", rawOrNull(f.Payload)).
				Msg("channel.Client channel error for pending request")
			s.finishRequest(p, requestResult{err: &ChannelError{Topic: f.Topic, Ref: f.Ref, Payload: f.Payload}},
				observability.OutcomeChannelError)
			return
		}
	case protocol.EventClose:
		s.logger.Info().Str("topic", f.Topic).Msg("channel.Client channel closed by server")
	}

	kind := "push"
	if protocol.IsReserved(f.Event) {
		kind = "control"
	}
	observability.RecordFrameReceived(kind)
	if s.waiters.notify(ev) {
		s.events.markConsumed(idx)
	}
}

func (s *state) takePending(ref string) (*pendingRequest, bool) {
	if ref == "" {
		return nil, false
	}
	p, ok := s.pending[ref]
	if ok {
		delete(s.pending, ref)
	}
	return p, ok
}

func (s *state) resolveReply(p *pendingRequest, f frame.Frame) {
	reply := frame.DecodeReply(f.Payload)
	if reply.Status != protocol.StatusOK {
		s.finishRequest(p, requestResult{err: &ReplyError{
			Topic:   f.Topic,
			Ref:     f.Ref,
			Status:  reply.Status,
			Payload: f.Payload,
		}}, observability.OutcomeRejected)
		return
	}
	if p.joinRef != "" {
		s.members[p.topic] = p.joinRef
		s.logger.Info().Str("topic", p.topic).Str("join_ref", p.joinRef).Msg("channel.Client joined")
	}
	s.finishRequest(p, requestResult{payload: f.Payload}, observability.OutcomeOK)
}

func (s *state) finishRequest(p *pendingRequest, res requestResult, outcome string) {
	observability.RecordRequest(outcome, s.now().Sub(p.started))
	p.finish(res)
}

// register stores a pending request under ref and sends f. A failed send unregisters.
func (s *state) register(ref string, p *pendingRequest, f frame.Frame) error {
	s.pending[ref] = p
	if err := s.send(f); err != nil {
		delete(s.pending, ref)
		return err
	}
	return nil
}

// abandon removes ref after a timeout or cancellation. It reports false when the
// request was already resolved, in which case the result is waiting on done.
func (s *state) abandon(ref string) bool {
	p, ok := s.pending[ref]
	if !ok {
		return false
	}
	delete(s.pending, ref)
	observability.RecordRequest(observability.OutcomeTimeout, s.now().Sub(p.started))
	return true
}

func (s *state) heartbeat() {
	ref := s.refs.next()
	f := frame.Frame{Ref: ref, Topic: protocol.SystemTopic, Event: protocol.EventHeartbeat}
	if err := s.send(f); err != nil {
		s.logger.Debug().Err(err).Str("ref", ref).Msg("channel.Client heartbeat send failed")
		return
	}
	s.logger.Trace().Str("ref", ref).Msg("channel.Client heartbeat")
}

// failAll rejects every pending request with err and forgets all waiters.
func (s *state) failAll(err error, outcome string) {
	for ref, p := range s.pending {
		delete(s.pending, ref)
		s.finishRequest(p, requestResult{err: err}, outcome)
	}
	s.waiters.clear()
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
