package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		text string
	}{
		{"nil", nil, websocket.CloseNormalClosure, ""},
		{"peer close", &websocket.CloseError{Code: 4001, Text: "bye"}, 4001, "bye"},
		{"peer going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, websocket.CloseGoingAway, ""},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, websocket.CloseNormalClosure, ""},
		{"no status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, websocket.CloseNormalClosure, ""},
		{"peer bad gateway", &websocket.CloseError{Code: 1014, Text: "gw"}, websocket.CloseNormalClosure, ""},
		{"peer mandatory extension", &websocket.CloseError{Code: websocket.CloseMandatoryExtension}, websocket.CloseNormalClosure, ""},
		{"peer try again", &websocket.CloseError{Code: websocket.CloseTryAgainLater, Text: "later"}, websocket.CloseTryAgainLater, "later"},
		{"dial", newSessionError(ErrDialFailure, 1, errors.New("refused")), websocket.CloseTryAgainLater, "upstream unavailable"},
		{"draining", fmt.Errorf("%w", ErrServerClosing), websocket.CloseGoingAway, ""},
		{"cancelled", context.Canceled, websocket.CloseGoingAway, ""},
		{"protocol", fmt.Errorf("%w: read limit exceeded", ErrProtocol), websocket.CloseProtocolError, ""},
		{"other", errors.New("boom"), websocket.CloseInternalServerErr, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, text := closeStatusFor(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestSessionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(newSessionError(ErrDialFailure, 7, cause))
	assert.ErrorIs(t, err, ErrDialFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "session#7: upstream dial failed: connection refused", err.Error())

	wrapped := newSessionError(ErrDialFailure, 7, fmt.Errorf("%w: ws://x/: refused", ErrDialFailure))
	assert.Equal(t, "session#7: upstream dial failed: ws://x/: refused", wrapped.Error())

	bare := newSessionError(ErrPendingQueueFull, 3, nil)
	assert.ErrorIs(t, bare, ErrPendingQueueFull)
	assert.Equal(t, "session#3: pre-connect queue full", bare.Error())
}

func TestClassifyReadError(t *testing.T) {
	ce := &websocket.CloseError{Code: 4000}
	assert.Same(t, ce, classifyReadError(ce).(*websocket.CloseError))
	assert.ErrorIs(t, classifyReadError(websocket.ErrReadLimit), ErrProtocol)
	assert.ErrorIs(t, classifyReadError(errors.New("websocket: unknown opcode 3")), ErrProtocol)
	assert.ErrorIs(t, classifyReadError(errors.New("websocket: bad close code 1014")), ErrProtocol)

	dropped := []error{
		io.EOF,
		io.ErrUnexpectedEOF,
		&net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)},
		fmt.Errorf("read: %w", net.ErrClosed),
	}
	for _, err := range dropped {
		var got *websocket.CloseError
		require.ErrorAs(t, classifyReadError(err), &got, "%v", err)
		assert.Equal(t, websocket.CloseAbnormalClosure, got.Code)
		code, _ := closeStatusFor(classifyReadError(err))
		assert.Equal(t, websocket.CloseNormalClosure, code)
	}

	other := errors.New("reset")
	assert.Equal(t, other, classifyReadError(other))
}

func TestSendableCloseCode(t *testing.T) {
	for _, code := range []int{1000, 1001, 1002, 1003, 1007, 1008, 1009, 1011, 1012, 1013, 3000, 4999} {
		assert.True(t, sendableCloseCode(code), "%d", code)
	}
	for _, code := range []int{999, 1004, 1005, 1006, 1010, 1014, 1015, 2999, 5000} {
		assert.False(t, sendableCloseCode(code), "%d", code)
	}
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "awaiting-upstream", StateAwaitingUpstream.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "SessionState(9)", SessionState(9).String())
}
