// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/flow"
	"github.com/oidcflow/oidcflow/pkg/host"
)

// Popup outcome errors.
var (
	ErrPopupClosed  = errors.New("login popup closed before delivering a callback")
	ErrPopupBlocked = errors.New("host refused to open the login popup")
)

// callbackAddressed is implemented by auxiliary contexts that own their own
// callback address, such as the loopback host's popup. The authorization
// request then redirects there instead of the configured redirect URI.
type callbackAddressed interface {
	CallbackURL() string
}

// InitLoginFlowInPopup runs an interactive login in a popup auxiliary
// context and blocks until the callback arrives, the popup is closed by the
// user, or ctx is cancelled. Whichever settles first decides the outcome;
// the popup is torn down exactly once on every path.
func (e *Engine) InitLoginFlowInPopup(ctx context.Context, opts flow.LoginOptions) error {
	cfg := e.Config()

	aux, err := e.env.CreateAuxiliaryContext(host.Popup)
	if err != nil {
		e.bus.PublishError(events.TypePopupBlocked, err, "")
		return fmt.Errorf("%w: %w", ErrPopupBlocked, err)
	}
	defer func() { _ = aux.Close() }()

	if addressed, ok := aux.(callbackAddressed); ok && opts.RedirectURIOverride == "" {
		opts.RedirectURIOverride = addressed.CallbackURL()
	}

	loginURL, err := e.CreateLoginURL(opts)
	if err != nil {
		return err
	}
	if err := aux.Navigate(loginURL); err != nil {
		return fmt.Errorf("failed to navigate popup: %w", err)
	}

	pollInterval := cfg.PopupPollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	storage := e.env.StorageEvents()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-poll.C:
			if aux.Closed() {
				e.bus.PublishInfo(events.TypePopupClosed, "")
				return ErrPopupClosed
			}

		case msg, ok := <-aux.Messages():
			if !ok {
				e.bus.PublishInfo(events.TypePopupClosed, "")
				return ErrPopupClosed
			}
			return e.processCallback(ctx, msg.Data, callbackOptions{})

		case msg, ok := <-storage:
			// Some hosts deliver the callback through storage when the popup
			// cannot message its opener directly.
			if !ok {
				storage = nil
				continue
			}
			return e.processCallback(ctx, msg.Data, callbackOptions{})
		}
	}
}
