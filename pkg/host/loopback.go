// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/browser"

	"github.com/oidcflow/oidcflow/pkg/logger"
	"github.com/oidcflow/oidcflow/pkg/networking"
)

const loopbackShutdownTimeout = 5 * time.Second

// LoopbackEnvironment is the host for CLI use: top-level navigation opens
// the system browser, and a "popup" is a localhost callback server waiting
// for the authorization redirect. Hidden contexts are unsupported, so
// silent refresh is unavailable on this host.
type LoopbackEnvironment struct {
	// Port fixes the callback server port; 0 picks a free one.
	Port int

	// SkipBrowser suppresses opening the system browser. The login URL is
	// logged instead, for remote shells.
	SkipBrowser bool
}

// OpenURI implements Environment.
func (e *LoopbackEnvironment) OpenURI(uri string) error {
	if e.SkipBrowser {
		logger.Infof("please open this URL in your browser: %s", uri)
		return nil
	}
	if err := browser.OpenURL(uri); err != nil {
		logger.Warnf("failed to open browser: %v", err)
		logger.Infof("please open this URL in your browser: %s", uri)
	}
	return nil
}

// CreateAuxiliaryContext implements Environment. Only Popup is supported.
func (e *LoopbackEnvironment) CreateAuxiliaryContext(kind ContextKind) (AuxiliaryContext, error) {
	if kind != Popup {
		return nil, fmt.Errorf("%w: loopback host cannot embed a hidden context", ErrUnsupportedContext)
	}

	port, err := networking.FindOrUsePort(e.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to find callback port: %w", err)
	}

	ctx := &loopbackContext{
		env:      e,
		port:     port,
		messages: make(chan Message, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", ctx.handleCallback)

	ctx.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("starting callback server on port %d", port)
		if err := ctx.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("callback server failed: %v", err)
		}
	}()

	return ctx, nil
}

// StorageEvents implements Environment. The loopback host has no storage
// channel.
func (*LoopbackEnvironment) StorageEvents() <-chan Message {
	return nil
}

type loopbackContext struct {
	env    *LoopbackEnvironment
	server *http.Server
	port   int

	mu       sync.Mutex
	closed   bool
	messages chan Message
}

// CallbackURL returns the redirect URI served by this context.
func (c *loopbackContext) CallbackURL() string {
	return fmt.Sprintf("http://localhost:%d/callback", c.port)
}

// Navigate implements AuxiliaryContext by opening the system browser.
func (c *loopbackContext) Navigate(uri string) error {
	return c.env.OpenURI(uri)
}

// PostMessage implements AuxiliaryContext. There is no process on the other
// side to receive it.
func (*loopbackContext) PostMessage(Message) error {
	return fmt.Errorf("%w: loopback context cannot receive messages", ErrUnsupportedContext)
}

// Messages implements AuxiliaryContext.
func (c *loopbackContext) Messages() <-chan Message {
	return c.messages
}

// Closed implements AuxiliaryContext.
func (c *loopbackContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements AuxiliaryContext.
func (c *loopbackContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.messages)
	c.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), loopbackShutdownTimeout)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down callback server: %w", err)
	}
	return nil
}

// handleCallback forwards the authorization response to the waiting flow.
func (c *loopbackContext) handleCallback(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		select {
		case c.messages <- Message{Origin: c.CallbackURL(), Data: "?" + r.URL.RawQuery}:
		default:
			logger.Warnf("dropping duplicate callback request")
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Authentication complete</title><meta charset="utf-8"></head>
<body>
  <p>You can close this window and return to the terminal.</p>
</body>
</html>`))
}
