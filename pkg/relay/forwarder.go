package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	wsrshare "github.com/sammck-go/wsrelay/share"
)

// Forwarder moves messages and close events from a connection to the Session that
// owns it. Every event is resolved through the Registry by the typed key of the
// connection it arrived on; events for connections no Session claims are logged
// and dropped.
type Forwarder struct {
	logger   wsrshare.Logger
	registry *Registry
}

// NewForwarder creates a Forwarder resolving through registry
func NewForwarder(logger wsrshare.Logger, registry *Registry) *Forwarder {
	return &Forwarder{
		logger:   logger.Fork("forwarder"),
		registry: registry,
	}
}

// FromInbound relays a message received from a client
func (f *Forwarder) FromInbound(key InboundKey, m Message) error {
	s, ok := f.registry.LookupInbound(key)
	if !ok {
		f.logger.WLogf("%s from unknown inbound connection %d, ignoring", m, key)
		return fmt.Errorf("%w: inbound %d", ErrUnknownCorrelation, key)
	}
	return s.relayInbound(m)
}

// FromOutbound relays a message received from the upstream
func (f *Forwarder) FromOutbound(key OutboundKey, m Message) error {
	s, ok := f.registry.LookupOutbound(key)
	if !ok {
		f.logger.WLogf("%s from unknown outbound connection %d, ignoring", m, key)
		return fmt.Errorf("%w: outbound %d", ErrUnknownCorrelation, key)
	}
	return s.relayOutbound(m)
}

// InboundFailed tears down the Session of a client connection that closed or failed
func (f *Forwarder) InboundFailed(key InboundKey, err error) {
	s, ok := f.registry.LookupInbound(key)
	if !ok {
		// normal after the Session closed the connection itself
		f.logger.DLogf("inbound connection %d ended outside any session: %s", key, err)
		return
	}
	s.DLogf("client side ended: %s", err)
	s.teardown(err)
}

// OutboundFailed tears down the Session of an upstream connection that closed or failed
func (f *Forwarder) OutboundFailed(key OutboundKey, err error) {
	s, ok := f.registry.LookupOutbound(key)
	if !ok {
		f.logger.DLogf("outbound connection %d ended outside any session: %s", key, err)
		return
	}
	s.DLogf("upstream side ended: %s", err)
	s.teardown(err)
}

// PumpInbound reads a client connection until it fails, forwarding every message.
// The read failure is reported with InboundFailed before returning.
func (f *Forwarder) PumpInbound(in InboundConn) {
	for {
		m, err := in.ReadMessage()
		if err != nil {
			f.InboundFailed(in.Key(), classifyReadError(err))
			return
		}
		// per-message failures are handled by the Session; keep reading until the
		// connection itself fails
		_ = f.FromInbound(in.Key(), m)
	}
}

// PumpOutbound reads an upstream connection until it fails, forwarding every message.
// The read failure is reported with OutboundFailed before returning.
func (f *Forwarder) PumpOutbound(out OutboundConn) {
	for {
		m, err := out.ReadMessage()
		if err != nil {
			f.OutboundFailed(out.Key(), classifyReadError(err))
			return
		}
		_ = f.FromOutbound(out.Key(), m)
	}
}

// classifyReadError turns a read failure into the cause a Session is torn down
// with. Close frames pass through so their status reaches the other side. A
// connection dropped without a close frame (EOF, reset, any socket error) is
// reported like gorilla reports an unexpected EOF: as an abnormal closure (1006).
// Frames the transport rejects (oversized, reserved opcode, bad close payload)
// are tagged ErrProtocol.
func classifyReadError(err error) error {
	var (
		ce *websocket.CloseError
		ne net.Error
	)
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: %s", ErrProtocol, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.As(err, &ne):
		return &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: err.Error()}
	case strings.HasPrefix(err.Error(), gorillaErrorPrefix):
		// gorilla has already sent 1002 to the offending peer
		return fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	return err
}

// gorillaErrorPrefix starts every error gorilla/websocket raises for a frame it
// refuses to parse
const gorillaErrorPrefix = "websocket: "
