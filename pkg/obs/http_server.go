package obs

import (
	"context"
	"net"
	"net/http"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// HTTPServer extends net/http Server with graceful asynchronous shutdown.
type HTTPServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer.
func NewHTTPServer(logger logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.Helper = asyncobj.NewHelper(logger.ForkLogStr("HTTPServer"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.Lock.Lock()
	l := h.listener
	h.Lock.Unlock()
	var err error
	if l != nil {
		err = l.Close()
		if err != nil {
			h.DLogf("Close of listener failed, ignoring: %s", err)
		}
	}
	// closing the listener alone leaves established keep-alive connections
	// being served; Close tears those down too
	if cerr := h.Server.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Start binds the listen address and begins serving in the background,
// returning once the listener is up. The server is stopped by cancelling
// the context or by calling StartShutdown().
func (h *HTTPServer) Start(ctx context.Context, addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return h.DLogErrorf("Listen failed for %s: %s", addr, err)
	}
	h.Lock.Lock()
	h.listener = l
	h.Handler = handler
	h.Lock.Unlock()
	h.SetIsActivated()

	go func() {
		select {
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		case <-h.ShutdownDoneChan():
		}
	}()

	go func() {
		serveErr := h.Serve(l)
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}
		h.StartShutdown(serveErr)
	}()

	return nil
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	if err := h.Start(ctx, addr, handler); err != nil {
		return err
	}
	return h.WaitShutdown()
}

// ListenAddr returns the bound listen address, useful when addr requested an
// ephemeral port. Only valid after ListenAndServe has started serving.
func (h *HTTPServer) ListenAddr() net.Addr {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}
