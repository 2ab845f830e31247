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

// ErrSilentRefreshTimeout is returned when the hidden authorization attempt
// does not answer within the configured window.
var ErrSilentRefreshTimeout = errors.New("silent refresh timed out")

// SilentRefreshOptions are the per-call inputs to SilentRefresh.
type SilentRefreshOptions struct {
	// Timeout overrides the configured silent refresh timeout.
	Timeout time.Duration

	// ExtraParams are appended to the authorization request.
	ExtraParams map[string]string
}

// SilentRefresh obtains fresh tokens by navigating a hidden auxiliary
// context to the authorization endpoint with prompt=none. The first settled
// outcome wins: a delivered callback is processed, a timeout rejects the
// attempt. Concurrent calls collapse into one attempt sharing its result.
func (e *Engine) SilentRefresh(ctx context.Context, opts SilentRefreshOptions) error {
	_, err, _ := e.refreshFlight.Do("silent_refresh", func() (any, error) {
		return nil, e.silentRefresh(ctx, opts)
	})
	return err
}

func (e *Engine) silentRefresh(ctx context.Context, opts SilentRefreshOptions) error {
	cfg := e.Config()

	// Record the current subject so an account switch during the refresh is
	// detected by the id_token validation.
	e.recordRefreshSubject()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.SilentRefreshTimeout
	}

	redirectURI := cfg.SilentRefreshRedirectURI
	if redirectURI == "" {
		redirectURI = cfg.RedirectURI
	}

	loginURL, err := e.CreateLoginURL(flow.LoginOptions{
		NoPrompt:            true,
		RedirectURIOverride: redirectURI,
		ExtraParams:         opts.ExtraParams,
	})
	if err != nil {
		e.bus.PublishError(events.TypeSilentRefreshError, err, "login URL")
		return err
	}

	aux, err := e.env.CreateAuxiliaryContext(host.Hidden)
	if err != nil {
		e.bus.PublishError(events.TypeSilentRefreshError, err, "auxiliary context")
		return fmt.Errorf("failed to create silent refresh context: %w", err)
	}
	defer func() { _ = aux.Close() }()

	if err := aux.Navigate(loginURL); err != nil {
		e.bus.PublishError(events.TypeSilentRefreshError, err, "navigation")
		return fmt.Errorf("failed to navigate silent refresh context: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		e.bus.PublishError(events.TypeSilentRefreshError, ctx.Err(), "")
		return ctx.Err()

	case <-timer.C:
		e.bus.PublishError(events.TypeSilentRefreshTimeout, ErrSilentRefreshTimeout, "")
		return ErrSilentRefreshTimeout

	case msg, ok := <-aux.Messages():
		if !ok {
			err := errors.New("silent refresh context closed before answering")
			e.bus.PublishError(events.TypeSilentRefreshError, err, "")
			return err
		}
		if err := e.processCallback(ctx, msg.Data, callbackOptions{silent: true}); err != nil {
			e.bus.PublishError(events.TypeSilentRefreshError, err, "")
			return err
		}
		e.bus.PublishSuccess(events.TypeSilentlyRefreshed, "")
		return nil
	}
}

// recordRefreshSubject captures the current id_token subject, if any.
func (e *Engine) recordRefreshSubject() {
	subject := ""
	if claims, err := e.store.IdentityClaims(); err == nil && claims != nil {
		subject, _ = claims["sub"].(string)
	}

	e.mu.Lock()
	e.refreshSubject = subject
	e.mu.Unlock()
}
