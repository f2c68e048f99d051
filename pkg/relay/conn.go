package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	wsrshare "github.com/sammck-go/wsrelay/share"
)

// Role says which side of a Session a connection faces
type Role int

const (
	// RoleInbound connections face a client of the relay
	RoleInbound Role = iota + 1
	// RoleOutbound connections face the upstream peer
	RoleOutbound
)

func (r Role) String() string {
	switch r {
	case RoleInbound:
		return "in"
	case RoleOutbound:
		return "out"
	}
	return "unknown"
}

// ConnID uniquely identifies a Conn for the life of the process
type ConnID uint64

var lastConnID uint64

func allocConnID() ConnID {
	return ConnID(atomic.AddUint64(&lastConnID, 1))
}

// closeUpstreamUnavailable is sent to a client whose upstream could not be dialed.
// 1014 (Bad Gateway) would fit better, but gorilla/websocket peers reject it as a
// protocol error.
const closeUpstreamUnavailable = websocket.CloseTryAgainLater

// closeWriteWait bounds the time spent sending a close frame during shutdown
const closeWriteWait = time.Second

// Message is one complete WebSocket data message. Type is websocket.TextMessage or
// websocket.BinaryMessage; Data is never interpreted by the relay.
type Message struct {
	Type int
	Data []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d bytes)", messageTypeName(m.Type), len(m.Data))
}

func messageTypeName(t int) string {
	switch t {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	}
	return fmt.Sprintf("opcode%d", t)
}

// ConnOptions are transport limits applied to every Conn
type ConnOptions struct {
	// WriteTimeout bounds each message write. Zero means no deadline.
	WriteTimeout time.Duration
	// ReadLimit is the largest message accepted, in bytes. Zero means no limit.
	ReadLimit int64
}

// Conn is the relay's handle on one live WebSocket. Reads must come from a single
// goroutine; writes are serialized internally. Shutting a Conn down sends a close
// frame (best effort) and closes the socket exactly once.
type Conn struct {
	wsrshare.ShutdownHelper
	id      ConnID
	role    Role
	strname string
	ws      *websocket.Conn
	opts    ConnOptions

	writeLock sync.Mutex

	// guarded by ShutdownHelper.Lock
	closeCode int
	closeText string

	numMessagesRead    int64
	numBytesRead       int64
	numMessagesWritten int64
	numBytesWritten    int64
}

func newConn(logger wsrshare.Logger, role Role, ws *websocket.Conn, opts ConnOptions, peer string) *Conn {
	c := &Conn{
		id:   allocConnID(),
		role: role,
		ws:   ws,
		opts: opts,
	}
	c.strname = fmt.Sprintf("[%d]%s(%s)", c.id, role, peer)
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	c.InitShutdownHelper(logger.Fork("%s", c.strname), c)
	c.PanicOnError(c.Activate())
	return c
}

func (c *Conn) String() string {
	return c.strname
}

// ID returns the connection's process-unique ID
func (c *Conn) ID() ConnID {
	return c.id
}

// Role returns which side of a Session the connection faces
func (c *Conn) Role() Role {
	return c.role
}

// ReadMessage blocks until the next complete data message arrives. Control frames
// are handled by the transport. A close frame from the peer is returned as a
// *websocket.CloseError.
func (c *Conn) ReadMessage() (Message, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	atomic.AddInt64(&c.numMessagesRead, 1)
	atomic.AddInt64(&c.numBytesRead, int64(len(data)))
	return Message{Type: mt, Data: data}, nil
}

// WriteMessage sends one message, bounded by the write timeout
func (c *Conn) WriteMessage(m Message) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if c.opts.WriteTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := c.ws.WriteMessage(m.Type, m.Data); err != nil {
		return err
	}
	atomic.AddInt64(&c.numMessagesWritten, 1)
	atomic.AddInt64(&c.numBytesWritten, int64(len(m.Data)))
	return nil
}

// CloseWith starts shutting the connection down, sending the given close status to
// the peer. Only the first close request decides the status.
func (c *Conn) CloseWith(code int, text string, completionErr error) {
	c.Lock.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeText = text
	}
	c.Lock.Unlock()
	c.StartShutdown(completionErr)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (c *Conn) HandleOnceShutdown(completionErr error) error {
	c.Lock.Lock()
	code, text := c.closeCode, c.closeText
	c.Lock.Unlock()
	if code == 0 {
		code, text = closeStatusFor(completionErr)
	}
	// WriteControl and Close may be called concurrently with a blocked reader or writer.
	err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(closeWriteWait),
	)
	if err != nil {
		c.TLogf("close frame not sent, ignoring: %s", err)
	}
	if err := c.ws.Close(); err != nil {
		c.TLogf("close failed, ignoring: %s", err)
	}
	c.DLogf("closed (code=%d) after %d messages in, %d messages out",
		code, c.NumMessagesRead(), c.NumMessagesWritten())
	return completionErr
}

// NumMessagesRead returns the number of data messages read so far
func (c *Conn) NumMessagesRead() int64 {
	return atomic.LoadInt64(&c.numMessagesRead)
}

// NumBytesRead returns the number of payload bytes read so far
func (c *Conn) NumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// NumMessagesWritten returns the number of data messages written so far
func (c *Conn) NumMessagesWritten() int64 {
	return atomic.LoadInt64(&c.numMessagesWritten)
}

// NumBytesWritten returns the number of payload bytes written so far
func (c *Conn) NumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}

// InboundKey is the registry key of a client-facing connection
type InboundKey ConnID

// OutboundKey is the registry key of an upstream-facing connection
type OutboundKey ConnID

// InboundConn is a Conn in RoleInbound
type InboundConn struct {
	*Conn
}

// Key returns the connection's registry key
func (c InboundConn) Key() InboundKey {
	return InboundKey(c.id)
}

// NewInboundConn wraps an upgraded client WebSocket
func NewInboundConn(logger wsrshare.Logger, ws *websocket.Conn, opts ConnOptions, remoteAddr string) InboundConn {
	return InboundConn{newConn(logger, RoleInbound, ws, opts, remoteAddr)}
}

// OutboundConn is a Conn in RoleOutbound
type OutboundConn struct {
	*Conn
}

// Key returns the connection's registry key
func (c OutboundConn) Key() OutboundKey {
	return OutboundKey(c.id)
}

// NewOutboundConn wraps a dialed upstream WebSocket
func NewOutboundConn(logger wsrshare.Logger, ws *websocket.Conn, opts ConnOptions, upstream string) OutboundConn {
	return OutboundConn{newConn(logger, RoleOutbound, ws, opts, upstream)}
}

// sendableCloseCode reports whether code may be sent in a close frame to any peer.
// 1010 is for clients only and 1014 is refused by gorilla/websocket on receive.
func sendableCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1009:
		return true
	case code >= 1011 && code <= 1013:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// closeStatusFor picks the close status sent to a peer when its connection is
// shut down because of err. A close frame received on the other side of the
// Session is passed through unchanged when its status is sendable.
func closeStatusFor(err error) (int, string) {
	var ce *websocket.CloseError
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.As(err, &ce):
		if sendableCloseCode(ce.Code) {
			return ce.Code, ce.Text
		}
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, ErrDialFailure):
		return closeUpstreamUnavailable, "upstream unavailable"
	case errors.Is(err, ErrServerClosing), errors.Is(err, context.Canceled):
		return websocket.CloseGoingAway, ""
	case errors.Is(err, ErrProtocol):
		return websocket.CloseProtocolError, ""
	}
	return websocket.CloseInternalServerErr, ""
}
