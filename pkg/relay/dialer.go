package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// UpstreamDialer opens the outbound side of a Session. Implementations must honor
// ctx cancellation and deadline.
type UpstreamDialer interface {
	DialUpstream(ctx context.Context) (*websocket.Conn, error)

	// String describes the upstream target, for logs
	String() string
}

// WebSocketDialer dials one fixed upstream WebSocket URL
type WebSocketDialer struct {
	url            string
	connectTimeout time.Duration
	header         http.Header
	dialer         *websocket.Dialer
}

// DefaultConnectTimeout bounds an upstream dial when no timeout is configured
const DefaultConnectTimeout = 10 * time.Second

// NewWebSocketDialer validates upstreamURL and creates a dialer for it. header, if
// non-nil, is sent with every handshake.
func NewWebSocketDialer(upstreamURL string, connectTimeout time.Duration, header http.Header) (*WebSocketDialer, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL \"%s\": %s", upstreamURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid upstream URL \"%s\": scheme must be ws or wss", upstreamURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL \"%s\": missing host", upstreamURL)
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &WebSocketDialer{
		url:            u.String(),
		connectTimeout: connectTimeout,
		header:         header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: connectTimeout,
		},
	}, nil
}

func (d *WebSocketDialer) String() string {
	return d.url
}

// DialUpstream connects and completes the WebSocket handshake within the connect
// timeout. Every failure wraps ErrDialFailure.
func (d *WebSocketDialer) DialUpstream(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()
	ws, resp, err := d.dialer.DialContext(ctx, d.url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %s (HTTP %s)", ErrDialFailure, d.url, err, resp.Status)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrDialFailure, d.url, err)
	}
	return ws, nil
}
