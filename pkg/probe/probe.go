// Package probe is a small WebSocket client for smoke-testing a relay: it connects
// (retrying with backoff while the relay comes up), sends a list of messages, and
// collects one reply per message.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	wsrshare "github.com/sammck-go/wsrelay/share"
)

// Config controls a probe run
type Config struct {
	// URL of the relay (ws:// or wss://)
	URL string
	// Messages are sent in order; one reply is awaited after each
	Messages []string
	// Binary sends binary instead of text messages
	Binary bool
	// MaxAttempts is the number of connection attempts before giving up. Zero or
	// negative means a single attempt.
	MaxAttempts int
	// MaxRetryInterval caps the backoff between connection attempts
	MaxRetryInterval time.Duration
	// ReplyTimeout bounds the wait for each reply
	ReplyTimeout time.Duration
}

// Reply is one message received from the relay
type Reply struct {
	Binary bool
	Data   []byte
}

func (r Reply) String() string {
	if r.Binary {
		return fmt.Sprintf("binary %x", r.Data)
	}
	return string(r.Data)
}

// Connect dials cfg.URL, retrying with exponential backoff up to cfg.MaxAttempts times
func Connect(ctx context.Context, logger wsrshare.Logger, cfg Config) (*websocket.Conn, error) {
	maxInterval := cfg.MaxRetryInterval
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: maxInterval, Factor: 2, Jitter: true}
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	for {
		conn, _, err := d.DialContext(ctx, cfg.URL, nil)
		if err == nil {
			return conn, nil
		}
		attempt := int(b.Attempt()) + 1
		if attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("connect to %s failed after %d attempts: %w", cfg.URL, attempt, err)
		}
		wait := b.Duration()
		logger.ILogf("Connection error: %s (Attempt: %d/%d), retrying in %s...", err, attempt, cfg.MaxAttempts, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Run connects, then sends each message and waits for a reply to it. It returns
// the replies received so far along with any error.
func Run(ctx context.Context, logger wsrshare.Logger, cfg Config) ([]Reply, error) {
	conn, err := Connect(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	replyTimeout := cfg.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = 10 * time.Second
	}
	mt := websocket.TextMessage
	if cfg.Binary {
		mt = websocket.BinaryMessage
	}
	replies := make([]Reply, 0, len(cfg.Messages))
	for _, msg := range cfg.Messages {
		if err := conn.WriteMessage(mt, []byte(msg)); err != nil {
			return replies, fmt.Errorf("send failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(replyTimeout))
		rt, data, err := conn.ReadMessage()
		if err != nil {
			return replies, fmt.Errorf("no reply to message %d: %w", len(replies)+1, err)
		}
		reply := Reply{Binary: rt == websocket.BinaryMessage, Data: data}
		logger.DLogf("reply: %s", reply)
		replies = append(replies, reply)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return replies, nil
}
