package wsrshare

import (
	"context"
	"errors"
	"net"
	"net/http"
)

//HTTPServer extends net/http Server and
//adds graceful shutdowns
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

//NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server:   &http.Server{},
		listener: nil,
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	if h.listener == nil {
		return completionErr
	}
	// Closing the server closes the listener; hijacked (upgraded) connections are
	// not affected and are owned by whoever hijacked them.
	err := h.Server.Close()
	if err != nil {
		h.DLogf("HTTPserver: close failed, ignoring: %s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Start binds the given address and begins serving in the background, invoking the
// provided handler for each request. It returns as soon as the listener is bound.
// The server can be shut down either by cancelling the context or by calling Shutdown().
func (h *HTTPServer) Start(ctx context.Context, addr string, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l

			go func() {
				err := h.Serve(l)
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()

			return nil
		},
		true,
	)
}

// ListenAndServe Runs the HTTP server
// on the given bind address, invoking the provided handler for each
// request. It returns after the server has shutdown. The server can be
// shutdown either by cancelling the context or by calling Shutdown().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.Start(ctx, addr, handler)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// ListenAddr returns the bound listener address, or nil if the server was never started
func (h *HTTPServer) ListenAddr() net.Addr {
	if !h.IsActivated() {
		return nil
	}
	return h.listener.Addr()
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
