package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/wsrelay/pkg/echo"
	wsrshare "github.com/sammck-go/wsrelay/share"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testWait = 5 * time.Second

func testLogger() wsrshare.Logger {
	return wsrshare.NewLogger("test", wsrshare.LogLevelError)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type testRelay struct {
	server  *Server
	url     string
	httpURL string
	cancel  context.CancelFunc
}

// startRelay runs a Server on a loopback port for the life of the test. A nil
// dialer dials cfg.UpstreamURL.
func startRelay(t *testing.T, cfg Config, dialer UpstreamDialer) *testRelay {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = testWait
	}
	var (
		s   *Server
		err error
	)
	if dialer == nil {
		s, err = NewServer(cfg, testLogger())
	} else {
		s, err = NewServerWithDialer(cfg, testLogger(), dialer)
	}
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		s.WaitShutdown()
	})
	addr := s.Addr().String()
	return &testRelay{
		server:  s,
		url:     "ws://" + addr + "/",
		httpURL: "http://" + addr,
		cancel:  cancel,
	}
}

// startEcho runs an echo upstream for the life of the test
func startEcho(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(echo.NewServer(testLogger()))
	t.Cleanup(ts.Close)
	return wsURL(ts.URL)
}

var testUpgrader = websocket.Upgrader{}

// scriptedUpstream hands every accepted WebSocket to the test
type scriptedUpstream struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func startScripted(t *testing.T) *scriptedUpstream {
	t.Helper()
	u := &scriptedUpstream{conns: make(chan *websocket.Conn, 64)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.conns <- c
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *scriptedUpstream) wsURL() string {
	return wsURL(u.Server.URL)
}

func (u *scriptedUpstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(testWait):
		t.Fatal("upstream was never dialed")
		return nil
	}
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, s string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(s)))
}

func recv(t *testing.T, c *websocket.Conn) (int, []byte) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(testWait))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	return mt, data
}

func recvText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	mt, data := recv(t, c)
	require.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

// recvClose reads until the connection fails and returns the close frame received
func recvClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(testWait))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected a close frame, got %v", err)
		return ce
	}
}

func onlySession(t *testing.T, r *testRelay) *Session {
	t.Helper()
	require.Eventually(t, func() bool { return r.server.Registry().Len() == 1 }, testWait, 10*time.Millisecond)
	return r.server.Registry().Sessions()[0]
}

// gatedDialer holds every dial until its gate is closed
type gatedDialer struct {
	inner UpstreamDialer
	gate  chan struct{}
	calls int32
}

func newGatedDialer(t *testing.T, url string) *gatedDialer {
	inner, err := NewWebSocketDialer(url, testWait, nil)
	require.NoError(t, err)
	return &gatedDialer{inner: inner, gate: make(chan struct{})}
}

func (d *gatedDialer) DialUpstream(ctx context.Context) (*websocket.Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrDialFailure, ctx.Err())
	}
	return d.inner.DialUpstream(ctx)
}

func (d *gatedDialer) String() string {
	return "gated " + d.inner.String()
}

// failFirstDialer fails its first dial and passes the rest through
type failFirstDialer struct {
	inner UpstreamDialer
	calls int32
}

func (d *failFirstDialer) DialUpstream(ctx context.Context) (*websocket.Conn, error) {
	if atomic.AddInt32(&d.calls, 1) == 1 {
		return nil, fmt.Errorf("%w: connection refused", ErrDialFailure)
	}
	return d.inner.DialUpstream(ctx)
}

func (d *failFirstDialer) String() string {
	return d.inner.String()
}

func TestPingPong(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "ping")

	upConn := up.accept(t)
	upConn.SetReadDeadline(time.Now().Add(testWait))
	_, data, err := upConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	require.NoError(t, upConn.WriteMessage(websocket.TextMessage, []byte("pong")))
	assert.Equal(t, "pong", recvText(t, client))

	s := onlySession(t, r)
	require.Eventually(t, func() bool { return s.State() == StateRelaying }, testWait, 10*time.Millisecond)
	assert.Equal(t, 1, r.server.Registry().NumOutbound())
}

func TestOrderPreservedBothWays(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "first")
	upConn := up.accept(t)

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			if err := client.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("up-%d", i))); err != nil {
				return
			}
		}
	}()
	go func() {
		for i := 0; i < n; i++ {
			if err := upConn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("down-%d", i))); err != nil {
				return
			}
		}
	}()

	upConn.SetReadDeadline(time.Now().Add(testWait))
	_, data, err := upConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
	for i := 0; i < n; i++ {
		_, data, err := upConn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("up-%d", i), string(data))
	}
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("down-%d", i), recvText(t, client))
	}
}

func TestMessageTypesPreserved(t *testing.T) {
	r := startRelay(t, Config{UpstreamURL: startEcho(t)}, nil)
	client := dialClient(t, r.url)

	payload := []byte{0x00, 0x01, 0xfe, 0xff, '\n'}
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, payload))
	mt, data := recv(t, client)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, payload, data)

	send(t, client, "héllo")
	assert.Equal(t, "héllo", recvText(t, client))

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{}))
	mt, data = recv(t, client)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Empty(t, data)
}

func TestConcurrentClientsNoCrossDelivery(t *testing.T) {
	r := startRelay(t, Config{UpstreamURL: startEcho(t)}, nil)

	const numClients = 50
	var g errgroup.Group
	for i := 0; i < numClients; i++ {
		i := i
		g.Go(func() error {
			c, _, err := websocket.DefaultDialer.Dial(r.url, nil)
			if err != nil {
				return err
			}
			defer c.Close()
			for j := 0; j < 10; j++ {
				token := fmt.Sprintf("client-%d-token-%d", i, j)
				if err := c.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
					return err
				}
				c.SetReadDeadline(time.Now().Add(testWait))
				_, data, err := c.ReadMessage()
				if err != nil {
					return err
				}
				if string(data) != token {
					return fmt.Errorf("client %d sent %q, received %q", i, token, data)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Eventually(t, func() bool { return r.server.Registry().Len() == 0 }, testWait, 10*time.Millisecond)
	assert.Equal(t, int32(numClients), r.server.Registry().Stats().NumTotal())
}

func TestClientCloseClosesUpstream(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "hello")
	upConn := up.accept(t)
	s := onlySession(t, r)

	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4001, "bye"), time.Now().Add(time.Second)))

	ce := recvClose(t, upConn)
	assert.Equal(t, 4001, ce.Code)
	assert.Equal(t, "bye", ce.Text)

	s.WaitShutdown()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, r.server.Registry().Len())
	assert.Equal(t, 0, r.server.Registry().NumOutbound())
}

func TestUpstreamCloseClosesClient(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "hello")
	upConn := up.accept(t)

	require.NoError(t, upConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4002, "done"), time.Now().Add(time.Second)))

	ce := recvClose(t, client)
	assert.Equal(t, 4002, ce.Code)
	assert.Equal(t, "done", ce.Text)
	require.Eventually(t, func() bool { return r.server.Registry().Len() == 0 }, testWait, 10*time.Millisecond)
}

func TestUpstreamDropClosesClientNormally(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "hello")
	upConn := up.accept(t)
	onlySession(t, r)

	// no close frame; the relay sees an abnormal closure, which cannot be sent on
	upConn.Close()
	require.Eventually(t, func() bool { return r.server.Registry().Len() == 0 }, testWait, 10*time.Millisecond)

	ce := recvClose(t, client)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestUpstreamResetClosesClientNormally(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "hello")
	upConn := up.accept(t)
	onlySession(t, r)

	// unread data plus SO_LINGER 0 makes the close a reset rather than a FIN
	tcp, ok := upConn.UnderlyingConn().(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.SetLinger(0))
	tcp.Close()

	ce := recvClose(t, client)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestUpstreamCleanDropClosesClientNormally(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "hello")
	upConn := up.accept(t)
	upConn.SetReadDeadline(time.Now().Add(testWait))
	_, _, err := upConn.ReadMessage()
	require.NoError(t, err)

	upConn.UnderlyingConn().Close()

	ce := recvClose(t, client)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestMalformedClientFrameIsProtocolError(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "hello")
	upConn := up.accept(t)
	upConn.SetReadDeadline(time.Now().Add(testWait))
	_, data, err := upConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	s := onlySession(t, r)

	// FIN, reserved opcode 3, masked, empty payload
	_, err = client.UnderlyingConn().Write([]byte{0x83, 0x80, 0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)

	ce := recvClose(t, upConn)
	assert.Equal(t, websocket.CloseProtocolError, ce.Code)
	ce = recvClose(t, client)
	assert.Equal(t, websocket.CloseProtocolError, ce.Code)

	assert.ErrorIs(t, s.WaitShutdown(), ErrProtocol)
}

func TestNegativeMaxPendingRejected(t *testing.T) {
	inner, err := NewWebSocketDialer(startEcho(t), testWait, nil)
	require.NoError(t, err)
	_, err = NewServerWithDialer(Config{MaxPendingMessages: -1}, testLogger(), inner)
	assert.Error(t, err)
	_, err = NewServerWithDialer(Config{ReadLimit: -1}, testLogger(), inner)
	assert.Error(t, err)
}

func TestDialFailureClosesClient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadURL := "ws://" + l.Addr().String() + "/"
	l.Close()

	r := startRelay(t, Config{UpstreamURL: deadURL, ConnectTimeout: time.Second}, nil)
	client := dialClient(t, r.url)
	send(t, client, "anyone there?")

	ce := recvClose(t, client)
	assert.Equal(t, closeUpstreamUnavailable, ce.Code)
	assert.Equal(t, "upstream unavailable", ce.Text)
	require.Eventually(t, func() bool { return r.server.Registry().Len() == 0 }, testWait, 10*time.Millisecond)
}

func TestDialTimeoutClosesClient(t *testing.T) {
	// accepts TCP but never answers the handshake
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	r := startRelay(t, Config{UpstreamURL: "ws://" + l.Addr().String() + "/", ConnectTimeout: 200 * time.Millisecond}, nil)
	client := dialClient(t, r.url)
	send(t, client, "hello")

	start := time.Now()
	ce := recvClose(t, client)
	assert.Equal(t, closeUpstreamUnavailable, ce.Code)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestDialFailureIsolatedToSession(t *testing.T) {
	inner, err := NewWebSocketDialer(startEcho(t), testWait, nil)
	require.NoError(t, err)
	dialer := &failFirstDialer{inner: inner}
	r := startRelay(t, Config{}, dialer)

	failing := dialClient(t, r.url)
	send(t, failing, "doomed")
	ce := recvClose(t, failing)
	assert.Equal(t, closeUpstreamUnavailable, ce.Code)

	ok := dialClient(t, r.url)
	send(t, ok, "still works")
	assert.Equal(t, "still works", recvText(t, ok))
	assert.Equal(t, int32(2), atomic.LoadInt32(&dialer.calls))
}

func TestTeardownIdempotent(t *testing.T) {
	r := startRelay(t, Config{UpstreamURL: startEcho(t)}, nil)
	client := dialClient(t, r.url)
	send(t, client, "x")
	require.Equal(t, "x", recvText(t, client))
	s := onlySession(t, r)
	in := s.Inbound()
	out, ok := s.Outbound()
	require.True(t, ok)

	first := errors.New("first")
	s.teardown(first)
	require.Equal(t, first, s.WaitShutdown())

	s.teardown(errors.New("second"))
	r.server.forwarder.InboundFailed(in.Key(), io.EOF)
	r.server.forwarder.OutboundFailed(out.Key(), io.EOF)
	assert.Equal(t, first, s.WaitShutdown())
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, r.server.Registry().remove(s, &out))
	assert.Equal(t, 0, r.server.Registry().Len())
}

func TestPreConnectMessagesFlushedInOrder(t *testing.T) {
	dialer := newGatedDialer(t, startEcho(t))
	r := startRelay(t, Config{}, dialer)

	client := dialClient(t, r.url)
	for i := 0; i < 10; i++ {
		send(t, client, fmt.Sprintf("early-%d", i))
	}
	s := onlySession(t, r)
	assert.Equal(t, StateAwaitingUpstream, s.State())

	close(dialer.gate)
	for i := 0; i < 10; i++ {
		require.Equal(t, fmt.Sprintf("early-%d", i), recvText(t, client))
	}
	send(t, client, "late")
	assert.Equal(t, "late", recvText(t, client))
	require.Eventually(t, func() bool { return s.State() == StateRelaying }, testWait, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.calls))
	assert.Equal(t, 0, s.NumDropped())
}

func TestPreConnectQueueOverflowDrops(t *testing.T) {
	dialer := newGatedDialer(t, startEcho(t))
	r := startRelay(t, Config{MaxPendingMessages: 3}, dialer)

	client := dialClient(t, r.url)
	for i := 0; i < 5; i++ {
		send(t, client, fmt.Sprintf("m%d", i))
	}
	s := onlySession(t, r)
	require.Eventually(t, func() bool { return s.NumDropped() == 2 }, testWait, 10*time.Millisecond)

	close(dialer.gate)
	for i := 0; i < 3; i++ {
		require.Equal(t, fmt.Sprintf("m%d", i), recvText(t, client))
	}
	send(t, client, "after")
	assert.Equal(t, "after", recvText(t, client))
}

func TestQueueFullError(t *testing.T) {
	dialer := newGatedDialer(t, startEcho(t))
	r := startRelay(t, Config{MaxPendingMessages: 1}, dialer)
	client := dialClient(t, r.url)
	send(t, client, "queued")
	s := onlySession(t, r)
	require.Eventually(t, func() bool {
		s.Lock.Lock()
		defer s.Lock.Unlock()
		return len(s.pending) == 1
	}, testWait, 10*time.Millisecond)

	err := r.server.forwarder.FromInbound(s.Inbound().Key(), Message{Type: websocket.TextMessage, Data: []byte("extra")})
	assert.ErrorIs(t, err, ErrPendingQueueFull)
	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, s.ID(), serr.SessionID)
	close(dialer.gate)
}

func TestSessionTornDownWhileDialing(t *testing.T) {
	dialer := newGatedDialer(t, startEcho(t))
	r := startRelay(t, Config{}, dialer)

	client := dialClient(t, r.url)
	send(t, client, "never delivered")
	s := onlySession(t, r)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dialer.calls) == 1 }, testWait, 10*time.Millisecond)

	client.Close()
	s.WaitShutdown()
	assert.Equal(t, StateClosed, s.State())
	_, ok := s.Outbound()
	assert.False(t, ok)
	assert.Equal(t, 0, r.server.Registry().NumOutbound())
}

func TestReadLimitClosesClient(t *testing.T) {
	r := startRelay(t, Config{UpstreamURL: startEcho(t), ReadLimit: 16}, nil)
	client := dialClient(t, r.url)
	send(t, client, "small")
	require.Equal(t, "small", recvText(t, client))

	send(t, client, strings.Repeat("x", 100))
	ce := recvClose(t, client)
	assert.Contains(t, []int{websocket.CloseMessageTooBig, websocket.CloseProtocolError}, ce.Code)
	require.Eventually(t, func() bool { return r.server.Registry().Len() == 0 }, testWait, 10*time.Millisecond)
}

func TestDialOnAccept(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL(), DialOnAccept: true}, nil)

	client := dialClient(t, r.url)
	upConn := up.accept(t)
	require.NoError(t, upConn.WriteMessage(websocket.TextMessage, []byte("welcome")))
	assert.Equal(t, "welcome", recvText(t, client))
}

func TestShutdownDrainsSessions(t *testing.T) {
	r := startRelay(t, Config{UpstreamURL: startEcho(t)}, nil)
	clients := make([]*websocket.Conn, 3)
	for i := range clients {
		clients[i] = dialClient(t, r.url)
		send(t, clients[i], "hi")
		require.Equal(t, "hi", recvText(t, clients[i]))
	}

	r.cancel()
	for _, c := range clients {
		ce := recvClose(t, c)
		assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	}
	assert.NoError(t, r.server.WaitShutdown())
	assert.True(t, r.server.httpServer.IsDoneShutdown())
	assert.Equal(t, 0, r.server.Registry().Len())

	_, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	assert.Error(t, err)
}

func TestHTTPEndpoints(t *testing.T) {
	r := startRelay(t, Config{UpstreamURL: "ws://127.0.0.1:1/"}, nil)

	get := func(path string) (int, string) {
		resp, err := http.Get(r.httpURL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK\n", body)

	code, body = get("/version")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, wsrshare.BuildVersion, body)

	code, _ = get("/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSendFailureTearsDown(t *testing.T) {
	up := startScripted(t)
	r := startRelay(t, Config{UpstreamURL: up.wsURL()}, nil)

	client := dialClient(t, r.url)
	send(t, client, "hello")
	up.accept(t)
	s := onlySession(t, r)
	require.Eventually(t, func() bool { return s.State() == StateRelaying }, testWait, 10*time.Millisecond)
	out, ok := s.Outbound()
	require.True(t, ok)

	out.ws.Close()
	err := s.send(out.Conn, Message{Type: websocket.TextMessage, Data: []byte("lost")})
	assert.ErrorIs(t, err, ErrSendFailure)

	s.WaitShutdown()
	assert.Equal(t, StateClosed, s.State())
	recvClose(t, client)
}
