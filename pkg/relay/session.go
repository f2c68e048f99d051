package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	wsrshare "github.com/sammck-go/wsrelay/share"
)

// SessionID uniquely identifies a Session for the life of the process
type SessionID uint64

var lastSessionID uint64

func allocSessionID() SessionID {
	return SessionID(atomic.AddUint64(&lastSessionID, 1))
}

// SessionState is the lifecycle state of a Session. States only move forward.
type SessionState int32

const (
	// StateAwaitingUpstream means the outbound connection is not open yet
	StateAwaitingUpstream SessionState = iota
	// StateRelaying means both sides are open and every message is forwarded directly
	StateRelaying
	// StateClosing means teardown has started; messages are no longer forwarded
	StateClosing
	// StateClosed means both connections are closed and the Session is unregistered
	StateClosed
)

var sessionStateNames = [...]string{"awaiting-upstream", "relaying", "closing", "closed"}

func (s SessionState) String() string {
	if s < StateAwaitingUpstream || s > StateClosed {
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
	return sessionStateNames[s]
}

// DefaultMaxPendingMessages bounds the pre-connect queue when none is configured
const DefaultMaxPendingMessages = 256

// sessionEnv is everything a Session borrows from its Server
type sessionEnv struct {
	logger     wsrshare.Logger
	registry   *Registry
	forwarder  *Forwarder
	dialer     UpstreamDialer
	connOpts   ConnOptions
	maxPending int
}

// Session pairs one inbound connection with at most one outbound connection.
//
// Messages that arrive from the client before the upstream is connected are
// queued in arrival order (up to maxPending; later ones are dropped with a
// warning) and flushed before any later message once the upstream is bound.
type Session struct {
	wsrshare.ShutdownHelper
	id      SessionID
	strname string
	env     *sessionEnv
	inbound InboundConn

	dialCtx    context.Context
	dialCancel context.CancelFunc

	// guarded by ShutdownHelper.Lock
	state      SessionState
	outbound   *OutboundConn
	dialing    bool
	pending    []Message
	numDropped int
}

// newSession creates a Session for an accepted inbound connection and registers it.
// On error the caller still owns inbound.
func newSession(env *sessionEnv, inbound InboundConn) (*Session, error) {
	s := &Session{
		id:      allocSessionID(),
		env:     env,
		inbound: inbound,
		state:   StateAwaitingUpstream,
	}
	s.strname = fmt.Sprintf("session#%d", s.id)
	s.dialCtx, s.dialCancel = context.WithCancel(context.Background())
	s.InitShutdownHelper(env.logger.Fork("%s", s.strname), s)
	if err := env.registry.add(s); err != nil {
		s.dialCancel()
		return nil, err
	}
	s.PanicOnError(s.Activate())
	s.DLogf("created for %s", inbound)
	return s, nil
}

func (s *Session) String() string {
	return s.strname
}

// ID returns the Session's unique ID
func (s *Session) ID() SessionID {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.state
}

// Inbound returns the client-facing connection
func (s *Session) Inbound() InboundConn {
	return s.inbound
}

// Outbound returns the upstream-facing connection, if it has been bound
func (s *Session) Outbound() (OutboundConn, bool) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.outbound == nil {
		return OutboundConn{}, false
	}
	return *s.outbound, true
}

// NumDropped returns how many pre-connect messages were dropped because the queue was full
func (s *Session) NumDropped() int {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.numDropped
}

// Dial starts the one and only upstream dial of this Session, if it has not
// started yet. It never blocks.
func (s *Session) Dial() {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	s.startDialLocked()
}

func (s *Session) startDialLocked() {
	if s.dialing || s.state != StateAwaitingUpstream {
		return
	}
	s.dialing = true
	// HandleOnceShutdown takes the lock before the helper waits on the group, so
	// this Add cannot race with the Wait.
	s.ShutdownWG().Add(1)
	go s.dial()
}

// relayInbound handles one message received from the client
func (s *Session) relayInbound(m Message) error {
	s.Lock.Lock()
	switch s.state {
	case StateAwaitingUpstream:
		if len(s.pending) >= s.env.maxPending {
			s.numDropped++
			s.Lock.Unlock()
			s.WLogf("dropping %s received before upstream connected (%d queued)", m, s.env.maxPending)
			return newSessionError(ErrPendingQueueFull, s.id, nil)
		}
		s.pending = append(s.pending, m)
		s.startDialLocked()
		s.Lock.Unlock()
		s.TLogf("queued %s until upstream connects", m)
		return nil
	case StateRelaying:
		out := *s.outbound
		s.Lock.Unlock()
		return s.send(out.Conn, m)
	}
	s.Lock.Unlock()
	s.TLogf("%s from client after teardown started, ignoring", m)
	return nil
}

// relayOutbound handles one message received from the upstream
func (s *Session) relayOutbound(m Message) error {
	s.Lock.Lock()
	closing := s.state >= StateClosing
	s.Lock.Unlock()
	if closing {
		s.TLogf("%s from upstream after teardown started, ignoring", m)
		return nil
	}
	return s.send(s.inbound.Conn, m)
}

func (s *Session) send(dst *Conn, m Message) error {
	s.TLogf("%s -> %s", m, dst)
	if err := dst.WriteMessage(m); err != nil {
		serr := newSessionError(ErrSendFailure, s.id, fmt.Errorf("write to %s: %w", dst, err))
		s.DLogf("%s", serr)
		s.teardown(serr)
		return serr
	}
	return nil
}

func (s *Session) dial() {
	defer s.ShutdownWG().Done()
	dialer := s.env.dialer
	s.DLogf("dialing upstream %s", dialer)
	ws, err := dialer.DialUpstream(s.dialCtx)
	if err != nil {
		if s.dialCtx.Err() != nil {
			s.DLogf("dial abandoned: %s", err)
			return
		}
		serr := newSessionError(ErrDialFailure, s.id, err)
		s.WLogf("%s", serr)
		s.teardown(serr)
		return
	}
	out := NewOutboundConn(s.Logger, ws, s.env.connOpts, dialer.String())

	s.Lock.Lock()
	if s.state != StateAwaitingUpstream || !s.env.registry.bindOutbound(s, out) {
		s.Lock.Unlock()
		s.DLogf("upstream connected after teardown started, closing %s", out)
		out.CloseWith(websocket.CloseGoingAway, "", nil)
		out.WaitShutdown()
		return
	}
	s.outbound = &out
	s.ShutdownWG().Add(1)
	go s.pumpOutbound(out)
	s.Lock.Unlock()

	s.DLogf("upstream connected: %s", out)
	s.flushPending(out)
}

// flushPending sends queued messages in order, then switches to StateRelaying.
// The inbound reader keeps appending while the state is StateAwaitingUpstream,
// so the switch happens only when a locked check finds the queue empty.
func (s *Session) flushPending(out OutboundConn) {
	for {
		s.Lock.Lock()
		if s.state != StateAwaitingUpstream {
			s.Lock.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.state = StateRelaying
			s.Lock.Unlock()
			s.DLogf("relaying")
			return
		}
		s.Lock.Unlock()
		s.TLogf("flushing %d queued messages", len(batch))
		for _, m := range batch {
			if err := s.send(out.Conn, m); err != nil {
				return
			}
		}
	}
}

func (s *Session) pumpOutbound(out OutboundConn) {
	defer s.ShutdownWG().Done()
	s.env.forwarder.PumpOutbound(out)
}

// teardown moves the Session to StateClosing and starts closing both sides.
// Calling it again, from either side, has no effect.
func (s *Session) teardown(cause error) {
	s.Lock.Lock()
	if s.state < StateClosing {
		s.state = StateClosing
	}
	s.Lock.Unlock()
	s.StartShutdown(cause)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.Lock.Lock()
	if s.state < StateClosing {
		s.state = StateClosing
	}
	out := s.outbound
	numDiscarded := len(s.pending)
	s.pending = nil
	s.Lock.Unlock()

	s.dialCancel()
	s.inbound.StartShutdown(completionErr)
	if out != nil {
		out.StartShutdown(completionErr)
		out.WaitShutdown()
	}
	s.inbound.WaitShutdown()
	s.env.registry.remove(s, out)

	s.Lock.Lock()
	s.state = StateClosed
	s.Lock.Unlock()

	if numDiscarded > 0 {
		s.DLogf("discarded %d queued messages", numDiscarded)
	}
	s.ILogf("closed (%s): client sent %s in %d messages, upstream sent %s in %d messages",
		describeCause(completionErr),
		sizestr.ToString(s.inbound.NumBytesRead()), s.inbound.NumMessagesRead(),
		sizestr.ToString(s.inbound.NumBytesWritten()), s.inbound.NumMessagesWritten())
	return completionErr
}

func describeCause(err error) string {
	var ce *websocket.CloseError
	switch {
	case err == nil:
		return "normal"
	case errors.As(err, &ce):
		return fmt.Sprintf("close %d", ce.Code)
	}
	return err.Error()
}
