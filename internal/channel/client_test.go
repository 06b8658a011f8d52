package channel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/chanctl/internal/auth"
	"github.com/danmuck/chanctl/internal/protocol"
	"github.com/danmuck/chanctl/internal/protocol/frame"
	"github.com/danmuck/chanctl/internal/protocol/session"
	"github.com/danmuck/chanctl/internal/testutil/phxtest"
	"github.com/danmuck/chanctl/internal/testutil/testlog"
	"github.com/danmuck/chanctl/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitLimit = 2 * time.Second

func connectClient(t *testing.T, srv *phxtest.Server, tune ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{URL: srv.URL, Token: "tok-a", Session: session.DefaultConfig()}
	for _, fn := range tune {
		fn(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect() })
	srv.WaitConnected(t, waitLimit)
	return c
}

func noJoinReply(frame.Frame) (any, bool) { return nil, false }

func TestConnectSendsTokenAndVersion(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)

	q := srv.Query()
	assert.Equal(t, "tok-a", q.Get(protocol.ParamToken))
	assert.Equal(t, protocol.Version, q.Get(protocol.ParamVersion))
	assert.Equal(t, StateOpen, c.State())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectRejectedUpgradeIsConnectionError(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t, phxtest.WithRejectUpgrade(http.StatusForbidden))
	c, err := NewClient(Config{URL: srv.URL, Token: "bad"})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, http.StatusForbidden, connErr.StatusCode)
	assert.NotContains(t, connErr.Error(), "token=bad")
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectWithAcceptedToken(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t, phxtest.WithAuth(auth.Tokens{"tok-a"}))
	c := connectClient(t, srv)
	assert.Equal(t, StateOpen, c.State())

	other := phxtest.New(t, phxtest.WithAuth(auth.Tokens{"tok-a"}))
	rejected, err := NewClient(Config{URL: other.URL, Token: "tok-z"})
	require.NoError(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, rejected.Connect(context.Background()), &connErr)
	assert.Equal(t, http.StatusForbidden, connErr.StatusCode)
}

func TestConnectRefusedIsConnectionError(t *testing.T) {
	testlog.Start(t)

	c, err := NewClient(Config{URL: "ws://127.0.0.1:1/socket/websocket"})
	require.NoError(t, err)
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

// silentListener accepts TCP connections and never answers the upgrade request.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return "ws://" + ln.Addr().String() + "/socket/websocket"
}

func TestConnectTimeoutWhenUpgradeNeverAnswers(t *testing.T) {
	testlog.Start(t)

	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	c, err := NewClient(Config{URL: silentListener(t), Token: "tok-a", Session: cfg})
	require.NoError(t, err)

	start := time.Now()
	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrConnection)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "connect", timeoutErr.Op)
	assert.Less(t, time.Since(start), waitLimit)
	assert.Equal(t, StateClosed, c.State())
}

func TestNewClientRequiresURL(t *testing.T) {
	testlog.Start(t)

	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrURLRequired)
}

func TestOperationsBeforeConnect(t *testing.T) {
	testlog.Start(t)

	c, err := NewClient(Config{URL: "ws://127.0.0.1:1/socket/websocket"})
	require.NoError(t, err)

	_, err = c.Push("room:x", "ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.JoinChannel(context.Background(), "room:x", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.WaitForEvent(context.Background(), "room:x", "ping", time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestJoinAndPushCarryJoinRef(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)
	ctx := context.Background()

	_, err := c.JoinChannel(ctx, "conversation:c1", map[string]any{"last_seen": 0})
	require.NoError(t, err)
	join := srv.NextEvent(t, protocol.EventJoin, waitLimit)
	assert.Equal(t, "1", join.JoinRef)
	assert.Equal(t, "1", join.Ref)
	assert.Equal(t, "conversation:c1", join.Topic)

	joinRef, ok := c.JoinRef("conversation:c1")
	require.True(t, ok)
	assert.Equal(t, "1", joinRef)

	ref, err := c.Push("conversation:c1", "message:send", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "2", ref)
	sent := srv.NextEvent(t, "message:send", waitLimit)
	assert.Equal(t, "1", sent.JoinRef)
	assert.Equal(t, "2", sent.Ref)
	assert.JSONEq(t, `{"text":"hi"}`, string(sent.Payload))

	_, err = c.Push("conversation:other", "typing:start", nil)
	require.NoError(t, err)
	loose := srv.NextEvent(t, "typing:start", waitLimit)
	assert.Empty(t, loose.JoinRef)
	assert.JSONEq(t, `{}`, string(loose.Payload))
}

func TestRejoinOverwritesJoinRef(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)
	ctx := context.Background()

	_, err := c.JoinChannel(ctx, "room:x", nil)
	require.NoError(t, err)
	_, err = c.JoinChannel(ctx, "room:x", nil)
	require.NoError(t, err)

	joinRef, ok := c.JoinRef("room:x")
	require.True(t, ok)
	assert.Equal(t, "2", joinRef)
}

func TestRejectedJoinReturnsReplyError(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t, phxtest.WithJoinReply(func(frame.Frame) (any, bool) {
		return map[string]any{"status": "error", "response": map[string]any{"reason": "unauthorized"}}, true
	}))
	c := connectClient(t, srv)

	_, err := c.JoinChannel(context.Background(), "conversation:secret", nil)
	require.ErrorIs(t, err, ErrReplyRejected)
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, "unauthorized", replyErr.Reason())
	assert.Equal(t, "error", replyErr.Status)

	_, ok := c.JoinRef("conversation:secret")
	assert.False(t, ok)
	assert.Zero(t, c.PendingCount())
}

func TestJoinTimeoutLeavesNoState(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t, phxtest.WithJoinReply(noJoinReply))
	c := connectClient(t, srv, func(cfg *Config) { cfg.Session.JoinTimeout = 100 * time.Millisecond })

	_, err := c.JoinChannel(context.Background(), "room:x", nil)
	require.ErrorIs(t, err, ErrTimeout)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "join", timeoutErr.Op)

	_, ok := c.JoinRef("room:x")
	assert.False(t, ok)
	assert.Zero(t, c.PendingCount())
}

func TestJoinCancelledByContext(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t, phxtest.WithJoinReply(noJoinReply))
	c := connectClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.JoinChannel(ctx, "room:x", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.PendingCount())
}

func TestWaitForEventResolvesOnLaterPush(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)
	ctx := context.Background()

	_, err := c.JoinChannel(ctx, "chat:abc", nil)
	require.NoError(t, err)
	joinRef, _ := c.JoinRef("chat:abc")

	got := make(chan Event, 1)
	errs := make(chan error, 1)
	go func() {
		ev, err := c.WaitForEvent(ctx, "chat:abc", "message:new", waitLimit)
		if err != nil {
			errs <- err
			return
		}
		got <- ev
	}()

	// Give the waiter time to register, then push.
	time.Sleep(50 * time.Millisecond)
	srv.Push(t, joinRef, "chat:abc", "message:new", map[string]any{"text": "hi"})

	select {
	case ev := <-got:
		var body struct {
			Text string `json:"text"`
		}
		require.NoError(t, ev.Decode(&body))
		assert.Equal(t, "hi", body.Text)
		assert.Equal(t, joinRef, ev.JoinRef)
		assert.Empty(t, ev.Ref)
	case err := <-errs:
		t.Fatalf("wait failed: %v", err)
	case <-time.After(waitLimit):
		t.Fatalf("wait did not resolve")
	}
}

func TestWaitForEventFindsLoggedEvent(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)

	srv.Push(t, "", "user:u1", "presence:update", map[string]any{"online": true})
	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, waitLimit, 10*time.Millisecond)

	ev, err := c.WaitForEvent(context.Background(), "user:u1", "presence:update", 10*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"online":true}`, string(ev.Payload))
}

func TestConsecutiveWaitsTakeSuccessiveEvents(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)
	ctx := context.Background()

	srv.Push(t, "", "room:x", "message:new", map[string]any{"id": "m1"})
	srv.Push(t, "", "room:x", "message:new", map[string]any{"id": "m2"})
	require.Eventually(t, func() bool { return len(c.Events()) == 2 }, waitLimit, 10*time.Millisecond)

	first, err := c.WaitForEvent(ctx, "room:x", "message:new", 10*time.Millisecond)
	require.NoError(t, err)
	second, err := c.WaitForEvent(ctx, "room:x", "message:new", 10*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m1"}`, string(first.Payload))
	assert.JSONEq(t, `{"id":"m2"}`, string(second.Payload))

	_, err = c.WaitForEvent(ctx, "room:x", "message:new", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTimedOutWaitIsNotAffectedByLateArrival(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)
	ctx := context.Background()

	_, err := c.WaitForEvent(ctx, "room:x", "typing:start", 30*time.Millisecond)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "typing:start", timeoutErr.Event)

	srv.Push(t, "", "room:x", "typing:start", nil)
	ev, err := c.WaitForEvent(ctx, "room:x", "typing:start", waitLimit)
	require.NoError(t, err)
	assert.Equal(t, "typing:start", ev.Event)
}

func TestWaitForEventAnyEvent(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)

	srv.Push(t, "", "room:y", "ignored", nil)
	srv.Push(t, "", "room:x", "reaction:added", map[string]any{"emoji": "+1"})

	ev, err := c.WaitForEvent(context.Background(), "room:x", AnyEvent, waitLimit)
	require.NoError(t, err)
	assert.Equal(t, "reaction:added", ev.Event)
}

func TestCollectEventsAlongsideWait(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)
	ctx := context.Background()

	_, err := c.JoinChannel(ctx, "room:x", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var collected []Event
	var collectErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		collected, collectErr = c.CollectEvents(ctx, "room:x", 400*time.Millisecond)
	}()
	var waited Event
	var waitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		waited, waitErr = c.WaitForEvent(ctx, "room:x", "message:new", waitLimit)
	}()

	time.Sleep(50 * time.Millisecond)
	srv.Push(t, "1", "room:x", "typing:start", nil)
	srv.Push(t, "", "room:other", "message:new", nil)
	srv.Push(t, "1", "room:x", "message:new", map[string]any{"text": "hello"})
	wg.Wait()

	require.NoError(t, waitErr)
	assert.Equal(t, "message:new", waited.Event)

	require.NoError(t, collectErr)
	var names []string
	for _, ev := range collected {
		assert.Equal(t, "room:x", ev.Topic)
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{protocol.EventReply, "typing:start", "message:new"}, names)
}

func TestCollectEventsCancelledReturnsPartial(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)

	srv.Push(t, "", "room:x", "a", nil)
	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, waitLimit, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	events, err := c.CollectEvents(ctx, "room:x", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Event)
}

func TestDisconnectFailsAllPending(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t, phxtest.WithJoinReply(noJoinReply))
	c := connectClient(t, srv)

	const n = 3
	errs := make(chan error, n)
	for _, topic := range []string{"room:a", "room:b", "room:c"} {
		go func(topic string) {
			_, err := c.JoinChannel(context.Background(), topic, nil)
			errs <- err
		}(topic)
	}
	require.Eventually(t, func() bool { return c.PendingCount() == n }, waitLimit, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrDisconnected)
		case <-time.After(waitLimit):
			t.Fatalf("pending join %d not rejected", i)
		}
	}
	assert.Zero(t, c.PendingCount())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1000, srv.WaitClosed(t, waitLimit))

	require.NoError(t, c.Disconnect())
	_, err := c.Push("room:a", "ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServerCloseFailsPendingWithConnectionError(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t, phxtest.WithJoinReply(noJoinReply))
	c := connectClient(t, srv)

	errs := make(chan error, 1)
	go func() {
		_, err := c.JoinChannel(context.Background(), "room:a", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, waitLimit, 10*time.Millisecond)

	srv.DropClient()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnection)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(waitLimit):
		t.Fatalf("pending join not failed on remote close")
	}
	require.Eventually(t, func() bool { return c.State() == StateClosed }, waitLimit, 10*time.Millisecond)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestMalformedFrameIsNotFatal(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)

	require.NoError(t, srv.SendRaw([]byte(`{"not":"a frame"}`)))
	require.NoError(t, srv.SendRaw([]byte(`[null,null,"room:x"]`)))
	srv.Push(t, "", "room:x", "still:alive", nil)

	ev, err := c.WaitForEvent(context.Background(), "room:x", "still:alive", waitLimit)
	require.NoError(t, err)
	assert.Equal(t, "still:alive", ev.Event)
	assert.Len(t, c.Events(), 1)
	assert.Equal(t, StateOpen, c.State())
}

func TestKeepaliveOnInterval(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	srv := phxtest.New(t)
	c := connectClient(t, srv, func(cfg *Config) { cfg.Clock = mock })

	mock.Add(30 * time.Second)
	hb := srv.NextEvent(t, protocol.EventHeartbeat, waitLimit)
	assert.Equal(t, protocol.SystemTopic, hb.Topic)
	assert.Empty(t, hb.JoinRef)
	assert.Equal(t, "1", hb.Ref)
	assert.JSONEq(t, `{}`, string(hb.Payload))

	// The server answers each heartbeat before reading the next frame, so the first
	// ack is on the wire ahead of the sentinel push below.
	mock.Add(30 * time.Second)
	hb = srv.NextEvent(t, protocol.EventHeartbeat, waitLimit)
	assert.Equal(t, "2", hb.Ref)

	srv.Push(t, "", "room:x", "sentinel", nil)
	ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
	defer cancel()
	_, err := c.WaitForEvent(ctx, "room:x", "sentinel", time.Hour)
	require.NoError(t, err)
	for _, ev := range c.Events() {
		assert.NotEqual(t, protocol.SystemTopic, ev.Topic, "keepalive reply reached the event log")
	}
}

func TestClientsKeepIndependentCounters(t *testing.T) {
	testlog.Start(t)

	srvA := phxtest.New(t)
	srvB := phxtest.New(t)
	a := connectClient(t, srvA)
	b := connectClient(t, srvB)
	ctx := context.Background()

	_, err := a.JoinChannel(ctx, "room:x", nil)
	require.NoError(t, err)
	_, err = a.JoinChannel(ctx, "room:y", nil)
	require.NoError(t, err)
	_, err = b.JoinChannel(ctx, "room:x", nil)
	require.NoError(t, err)

	refA, _ := a.JoinRef("room:y")
	refB, _ := b.JoinRef("room:x")
	assert.Equal(t, "2", refA)
	assert.Equal(t, "1", refB)
}

func TestPushRejectsEmptyNames(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	c := connectClient(t, srv)

	_, err := c.Push("", "ping", nil)
	assert.True(t, errors.Is(err, frame.ErrMalformed))
	_, err = c.Push("room:x", "", nil)
	assert.True(t, errors.Is(err, frame.ErrMalformed))
}

func TestConnectOverTLSInProductionMode(t *testing.T) {
	testlog.Start(t)

	ca := tlstest.NewAuthority(t, "chanctl-test-ca")
	srv := phxtest.New(t, phxtest.WithTLS(ca.ServerTLS(t)))
	require.Contains(t, srv.URL, "wss://")

	c := connectClient(t, srv, func(cfg *Config) {
		cfg.Session.SecurityMode = session.SecurityModeProduction
		cfg.Session.TLS.CAFile = ca.CAFile()
	})
	_, err := c.JoinChannel(context.Background(), "room:secure", nil)
	require.NoError(t, err)
}

func TestConnectOverTLSWithoutTrustFails(t *testing.T) {
	testlog.Start(t)

	ca := tlstest.NewAuthority(t, "chanctl-test-ca")
	srv := phxtest.New(t, phxtest.WithTLS(ca.ServerTLS(t)))
	// A CA that did not sign the server leaf.
	other := tlstest.NewAuthority(t, "unrelated-ca")

	cfg := session.DefaultConfig()
	cfg.TLS.CAFile = other.CAFile()
	c, err := NewClient(Config{URL: srv.URL, Session: cfg})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrConnection)
}

func TestProductionModeRejectsPlainWS(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	cfg := session.DefaultConfig()
	cfg.SecurityMode = session.SecurityModeProduction
	c, err := NewClient(Config{URL: srv.URL, Session: cfg})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, session.ErrTLSRequired)
}
