// Package phxtest runs an in-process Phoenix v2 socket endpoint for client tests.
package phxtest

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/chanctl/internal/auth"
	"github.com/danmuck/chanctl/internal/observability"
	"github.com/danmuck/chanctl/internal/protocol"
	"github.com/danmuck/chanctl/internal/protocol/frame"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SocketPath is the route the endpoint serves, matching Phoenix's default.
const SocketPath = "/socket/websocket"

// JoinReplyFunc decides the reply payload for a phx_join. Returning ok=false leaves the
// join unanswered.
type JoinReplyFunc func(join frame.Frame) (payload any, ok bool)

type Option func(*Server)

// WithJoinReply overrides the default "status ok" join reply.
func WithJoinReply(fn JoinReplyFunc) Option {
	return func(s *Server) { s.joinReply = fn }
}

// WithRejectUpgrade answers every upgrade attempt with status.
func WithRejectUpgrade(status int) Option {
	return func(s *Server) { s.rejectStatus = status }
}

// WithAuth rejects upgrades whose token query parameter v does not accept.
func WithAuth(v auth.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithTLS serves wss using cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// Server is a single-client Phoenix socket endpoint.
type Server struct {
	// URL is the ws:// address of the socket route, without query parameters.
	URL string

	httpSrv      *httptest.Server
	joinReply    JoinReplyFunc
	rejectStatus int
	tlsConfig    *tls.Config
	validator    auth.Validator
	inbound      chan frame.Frame
	connected    chan struct{}
	closed       chan struct{}
	connectOnce  sync.Once

	mu        sync.Mutex
	conn      *websocket.Conn
	query     url.Values
	closeCode int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// OK is the default join reply.
func OK(frame.Frame) (any, bool) {
	return map[string]any{"status": protocol.StatusOK, "response": map[string]any{}}, true
}

func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		joinReply: OK,
		inbound:   make(chan frame.Frame, 256),
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
		closeCode: -1,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(observability.RequestLogger(log.Logger.With().Str("component", "phxtest").Logger()))
	engine.GET(SocketPath, s.handle)

	s.httpSrv = httptest.NewUnstartedServer(engine)
	if s.tlsConfig != nil {
		s.httpSrv.TLS = s.tlsConfig
		s.httpSrv.StartTLS()
	} else {
		s.httpSrv.Start()
	}
	// http -> ws, https -> wss
	s.URL = "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + SocketPath
	t.Cleanup(s.Close)
	return s
}

func (s *Server) handle(c *gin.Context) {
	if s.rejectStatus != 0 {
		c.AbortWithStatus(s.rejectStatus)
		return
	}
	if s.validator != nil {
		if err := auth.FromQuery(s.validator, c.Request.URL.Query()); err != nil {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.query = c.Request.URL.Query()
	s.mu.Unlock()
	s.connectOnce.Do(func() { close(s.connected) })

	defer close(s.closed)
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.mu.Lock()
				s.closeCode = ce.Code
				s.mu.Unlock()
			}
			return
		}
		f, err := frame.Decode(data, frame.DefaultLimits())
		if err != nil {
			continue
		}
		s.inbound <- f
		switch {
		case f.Topic == protocol.SystemTopic && f.Event == protocol.EventHeartbeat:
			_ = s.Send(frame.Frame{Ref: f.Ref, Topic: protocol.SystemTopic, Event: protocol.EventReply,
				Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
		case f.Event == protocol.EventJoin:
			payload, ok := s.joinReply(f)
			if !ok {
				continue
			}
			reply, err := frame.New(f.JoinRef, f.Ref, f.Topic, protocol.EventReply, payload)
			if err == nil {
				_ = s.Send(reply)
			}
		}
	}
}

// Send writes f to the connected client.
func (s *Server) Send(f frame.Frame) error {
	data, err := frame.Encode(f, frame.DefaultLimits())
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw writes data verbatim, used for malformed-message tests.
func (s *Server) SendRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Push sends an unsolicited event, failing t on error.
func (s *Server) Push(t testing.TB, joinRef, topic, event string, payload any) {
	t.Helper()
	f, err := frame.New(joinRef, "", topic, event, payload)
	if err != nil {
		t.Fatalf("phxtest: build push: %v", err)
	}
	if err := s.Send(f); err != nil {
		t.Fatalf("phxtest: send push: %v", err)
	}
}

// WaitConnected blocks until the client has upgraded.
func (s *Server) WaitConnected(t testing.TB, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.connected:
	case <-time.After(timeout):
		t.Fatalf("phxtest: client did not connect within %v", timeout)
	}
}

// Next returns the next frame received from the client.
func (s *Server) Next(t testing.TB, timeout time.Duration) frame.Frame {
	t.Helper()
	select {
	case f := <-s.inbound:
		return f
	case <-time.After(timeout):
		t.Fatalf("phxtest: no frame from client within %v", timeout)
		return frame.Frame{}
	}
}

// NextEvent skips frames until one with event arrives.
func (s *Server) NextEvent(t testing.TB, event string, timeout time.Duration) frame.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("phxtest: no %q frame within %v", event, timeout)
		}
		if f := s.Next(t, remaining); f.Event == event {
			return f
		}
	}
}

// Query returns the query parameters of the upgrade request.
func (s *Server) Query() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// WaitClosed blocks until the client connection ends and returns its close code,
// or -1 when the peer vanished without a close frame.
func (s *Server) WaitClosed(t testing.TB, timeout time.Duration) int {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(timeout):
		t.Fatalf("phxtest: client connection still open after %v", timeout)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// DropClient closes the client connection from the server side.
func (s *Server) DropClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
}

func (s *Server) Close() {
	s.DropClient()
	s.httpSrv.Close()
}
