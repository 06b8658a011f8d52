package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/chanctl/internal/observability"
	"github.com/danmuck/chanctl/internal/protocol"
	"github.com/danmuck/chanctl/internal/protocol/frame"
	"github.com/danmuck/chanctl/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures one Client.
type Config struct {
	// URL is the socket endpoint, e.g. ws://127.0.0.1:8090/socket/websocket.
	URL string
	// Token is the bearer credential sent as the token query parameter.
	Token   string
	Session session.Config
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// Clock drives keepalive and wait deadlines; defaults to the wall clock.
	Clock clock.Clock
}

type command struct {
	fn   func(*state)
	done chan struct{}
}

// Client is a single-use channel protocol client: one Connect, one Disconnect.
type Client struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	status atomic.Int32

	mu         sync.Mutex
	cancelDial context.CancelFunc

	// Owned by the control loop once Connect succeeds.
	conn *websocket.Conn
	st   *state

	cmds    chan command
	inbound chan []byte
	readErr chan error
	stopped chan struct{}
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logger.With().Str("component", "channel").Logger(),
		cmds:    make(chan command),
		inbound: make(chan []byte),
		readErr: make(chan error, 1),
		stopped: make(chan struct{}),
	}, nil
}

func (c *Client) State() State {
	return State(c.status.Load())
}

// Connect opens the transport and starts the control loop and keepalive. It fails with
// a *ConnectionError when the transport errors and a *TimeoutError when the handshake
// does not finish within Session.ConnectTimeout.
func (c *Client) Connect(ctx context.Context) error {
	if !c.status.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	endpoint, err := session.Endpoint(c.cfg.URL, c.cfg.Token)
	if err != nil {
		c.status.Store(int32(StateClosed))
		return &ConnectionError{URL: c.cfg.URL, Err: err}
	}
	redacted := session.Redact(endpoint)
	if err := c.cfg.Session.ValidateClientTransport(endpoint); err != nil {
		c.status.Store(int32(StateClosed))
		return &ConnectionError{URL: redacted, Err: err}
	}
	dialer, err := c.dialer(endpoint)
	if err != nil {
		c.status.Store(int32(StateClosed))
		return &ConnectionError{URL: redacted, Err: err}
	}

	timeout := c.cfg.Session.ConnectTimeout
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c.mu.Lock()
	c.cancelDial = cancel
	c.mu.Unlock()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		aborted := c.State() == StateClosed
		c.status.Store(int32(StateClosed))
		switch {
		case aborted:
			return ErrDisconnected
		case ctx.Err() != nil:
			return ctx.Err()
		case isTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded):
			return &TimeoutError{Op: "connect", After: timeout}
		}
		cerr := &ConnectionError{URL: redacted, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		c.logger.Warn().Err(err).Str("url", redacted).Msg("channel.Client connect failed")
		return cerr
	}

	conn.SetReadLimit(c.cfg.Session.Limits.MaxMessageBytes)
	c.conn = conn
	c.st = newState(c.cfg.Session.Limits, c.writeFrame, c.clock.Now, c.logger)
	ticker := c.clock.Ticker(c.cfg.Session.HeartbeatInterval)

	if !c.status.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Disconnect ran while the handshake was in flight.
		ticker.Stop()
		_ = conn.Close()
		return ErrDisconnected
	}

	go c.readLoop(conn)
	go c.run(ticker)
	c.logger.Info().Str("url", redacted).Msg("channel.Client connected")
	return nil
}

func (c *Client) dialer(endpoint string) (*websocket.Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := c.cfg.Session.ClientTLSConfig(u.Hostname())
	if err != nil {
		return nil, err
	}
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.Session.ConnectTimeout,
		TLSClientConfig:  tlsCfg,
	}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Disconnect stops the keepalive, fails pending requests with ErrDisconnected, drops
// all waiters and closes the transport with a normal-closure code. Calling it without
// a live connection is a no-op.
func (c *Client) Disconnect() error {
	switch c.State() {
	case StateDisconnected:
		return nil
	case StateConnecting:
		if c.status.CompareAndSwap(int32(StateConnecting), int32(StateClosed)) {
			c.mu.Lock()
			if c.cancelDial != nil {
				c.cancelDial()
			}
			c.mu.Unlock()
			return nil
		}
	}

	err := c.call(func(s *state) {
		s.failAll(ErrDisconnected, observability.OutcomeDisconnected)
		s.closing = true
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	<-c.stopped
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.readErr <- err
			return
		}
		select {
		case c.inbound <- data:
		case <-c.stopped:
			return
		}
	}
}

// run is the control loop. Every protocol state transition happens here.
func (c *Client) run(ticker *clock.Ticker) {
	defer close(c.stopped)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-c.cmds:
			cmd.fn(c.st)
			close(cmd.done)
			if c.st.closing {
				c.closeTransport()
				return
			}
		case data := <-c.inbound:
			c.st.dispatch(data)
		case err := <-c.readErr:
			c.transportClosed(err)
			return
		case <-ticker.C:
			if c.State() == StateOpen {
				c.st.heartbeat()
			}
		}
	}
}

func (c *Client) closeTransport() {
	c.status.Store(int32(StateClosed))
	deadline := time.Now().Add(c.cfg.Session.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug().Err(err).Msg("channel.Client close frame not sent")
	}
	_ = c.conn.Close()
	c.logger.Info().Msg("channel.Client disconnected")
}

func (c *Client) transportClosed(cause error) {
	c.status.Store(int32(StateClosed))
	_ = c.conn.Close()
	c.logger.Warn().Err(cause).Int("pending", len(c.st.pending)).Msg("channel.Client transport closed")
	c.st.failAll(&ConnectionError{Err: errors.Join(ErrConnectionClosed, cause)}, observability.OutcomeDisconnected)
}

// writeFrame runs on the control loop only, which serializes all writes.
func (c *Client) writeFrame(f frame.Frame) error {
	data, err := frame.Encode(f, c.cfg.Session.Limits)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	observability.RecordFrameSent(sentKind(f))
	return nil
}

func sentKind(f frame.Frame) string {
	switch {
	case f.Topic == protocol.SystemTopic && f.Event == protocol.EventHeartbeat:
		return "heartbeat"
	case f.Event == protocol.EventJoin:
		return "join"
	case protocol.IsReserved(f.Event):
		return "control"
	default:
		return "push"
	}
}

// call runs fn on the control loop and waits for it to finish.
func (c *Client) call(fn func(*state)) error {
	if c.State() != StateOpen {
		return ErrNotConnected
	}
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-c.stopped:
		return ErrNotConnected
	}
	<-cmd.done
	return nil
}

// JoinChannel joins topic and returns the reply payload. Membership is recorded only
// on an ok reply; a rejected join returns a *ReplyError, an unanswered one a
// *TimeoutError after Session.JoinTimeout.
func (c *Client) JoinChannel(ctx context.Context, topic string, payload any) (json.RawMessage, error) {
	f, err := frame.New("", "", topic, protocol.EventJoin, payload)
	if err != nil {
		return nil, err
	}

	done := make(chan requestResult, 1)
	var ref string
	var sendErr error
	err = c.call(func(s *state) {
		f.JoinRef = s.joinRefs.next()
		f.Ref = s.refs.next()
		ref = f.Ref
		sendErr = s.register(ref, &pendingRequest{
			topic:   topic,
			joinRef: f.JoinRef,
			started: s.now(),
			done:    done,
		}, f)
	})
	if err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, sendErr
	}

	timeout := c.cfg.Session.JoinTimeout
	timer := c.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.payload, res.err
	case <-timer.C:
		return c.abandonRequest(ref, done, &TimeoutError{Op: "join", Topic: topic, After: timeout})
	case <-ctx.Done():
		return c.abandonRequest(ref, done, ctx.Err())
	}
}

// abandonRequest drops ref on the loop. A reply that won the race is already
// buffered on done.
func (c *Client) abandonRequest(ref string, done chan requestResult, cause error) (json.RawMessage, error) {
	_ = c.call(func(s *state) { s.abandon(ref) })
	select {
	case res := <-done:
		return res.payload, res.err
	default:
		return nil, cause
	}
}

// Push sends event on topic with the topic's join ref (or null when not joined) and
// returns the ref used. No reply is awaited.
func (c *Client) Push(topic, event string, payload any) (string, error) {
	f, err := frame.New("", "", topic, event, payload)
	if err != nil {
		return "", err
	}
	var sendErr error
	err = c.call(func(s *state) {
		f.JoinRef = s.members[topic]
		f.Ref = s.refs.next()
		sendErr = s.send(f)
	})
	if err != nil {
		return "", err
	}
	if sendErr != nil {
		return "", sendErr
	}
	return f.Ref, nil
}

// WaitForEvent returns the oldest logged, not yet consumed event matching topic and
// event, or waits up to timeout for one to arrive. AnyEvent matches every event.
// A timeout <= 0 uses Session.EventTimeout.
func (c *Client) WaitForEvent(ctx context.Context, topic, event string, timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		timeout = c.cfg.Session.EventTimeout
	}
	result := make(chan Event, 1)
	var id uint64
	found := false
	err := c.call(func(s *state) {
		if ev, ok := s.events.takeFirst(topic, event); ok {
			result <- ev
			found = true
			return
		}
		id = s.waiters.add(topic, event, waiterOnce, func(ev Event) { result <- ev })
	})
	if err != nil {
		return Event{}, err
	}
	if found {
		return <-result, nil
	}

	timer := c.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case ev := <-result:
		return ev, nil
	case <-timer.C:
		return c.abandonWaiter(id, result, &TimeoutError{Op: "wait", Topic: topic, Event: event, After: timeout})
	case <-ctx.Done():
		return c.abandonWaiter(id, result, ctx.Err())
	}
}

func (c *Client) abandonWaiter(id uint64, result chan Event, cause error) (Event, error) {
	_ = c.call(func(s *state) { s.waiters.remove(id) })
	select {
	case ev := <-result:
		return ev, nil
	default:
		return Event{}, cause
	}
}

// CollectEvents returns every event on topic already logged plus those arriving within
// window, in arrival order. A window <= 0 uses Session.CollectWindow. On context
// cancellation the events gathered so far are returned with the context error.
func (c *Client) CollectEvents(ctx context.Context, topic string, window time.Duration) ([]Event, error) {
	if window <= 0 {
		window = c.cfg.Session.CollectWindow
	}
	var collected []Event
	var id uint64
	err := c.call(func(s *state) {
		collected = s.events.onTopic(topic)
		id = s.waiters.add(topic, AnyEvent, waiterPersistent, func(ev Event) {
			collected = append(collected, ev)
		})
	})
	if err != nil {
		return nil, err
	}

	timer := c.clock.Timer(window)
	defer timer.Stop()
	var cause error
	select {
	case <-timer.C:
	case <-ctx.Done():
		cause = ctx.Err()
	}
	// Either the removal or the loop exit orders every append before this read.
	_ = c.call(func(s *state) { s.waiters.remove(id) })
	return collected, cause
}

// JoinRef returns the join ref recorded for topic.
func (c *Client) JoinRef(topic string) (string, bool) {
	var ref string
	var ok bool
	if err := c.call(func(s *state) { ref, ok = s.members[topic] }); err != nil {
		return "", false
	}
	return ref, ok
}

// Events returns a copy of the event log.
func (c *Client) Events() []Event {
	var out []Event
	_ = c.call(func(s *state) { out = s.events.snapshot() })
	return out
}

// PendingCount returns the number of requests awaiting a reply.
func (c *Client) PendingCount() int {
	n := 0
	_ = c.call(func(s *state) { n = len(s.pending) })
	return n
}
