// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements OIDC Session Management: a monitor that
// periodically asks the authorization server's check-session context
// whether the server-side session still matches the one the tokens were
// issued under.
package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/host"
	"github.com/oidcflow/oidcflow/pkg/logger"
)

// recoveryTimeout bounds the token recovery attempted after a session
// change before the session is declared terminated.
const recoveryTimeout = 2 * time.Second

// State of the monitor.
type State int

// Monitor states.
const (
	Idle State = iota
	Checking
	Unchanged
	Changed
	SessionError
)

// Monitor polls the check-session context and reacts to its answers.
type Monitor struct {
	// Env supplies the hidden auxiliary context.
	Env host.Environment

	// Bus receives session lifecycle events.
	Bus *events.Bus

	// Recover attempts to obtain fresh tokens after a session change. Nil
	// means there is no recovery path.
	Recover func(ctx context.Context) error

	// Terminate forces a local logout once the session is gone.
	Terminate func()

	mu    sync.Mutex
	state State
	stop  chan struct{}
	aux   host.AuxiliaryContext
}

// State returns the current monitor state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start begins monitoring with the given configuration and session_state.
// Without a check_session_iframe URL and a session_state the monitor stays
// idle; that is a capability warning, not an error.
func (m *Monitor) Start(cfg config.Config, sessionState string) error {
	if !cfg.SessionChecksEnabled {
		return nil
	}
	if cfg.CheckSessionIFrame == "" || sessionState == "" {
		logger.Warnf("session checks enabled but check_session_iframe or session_state missing, monitor stays idle")
		return nil
	}

	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		m.Stop()
		m.mu.Lock()
	}

	aux, err := m.Env.CreateAuxiliaryContext(host.Hidden)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to create check-session context: %w", err)
	}
	if err := aux.Navigate(cfg.CheckSessionIFrame); err != nil {
		_ = aux.Close()
		m.mu.Unlock()
		return fmt.Errorf("failed to load check-session context: %w", err)
	}

	stop := make(chan struct{})
	m.stop = stop
	m.aux = aux
	m.state = Checking
	m.mu.Unlock()

	go m.loop(cfg, aux, sessionState, stop)
	return nil
}

// Stop halts monitoring and closes the auxiliary context. Safe to call when
// the monitor never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	aux := m.aux
	m.stop = nil
	m.aux = nil
	m.state = Idle
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if aux != nil {
		_ = aux.Close()
	}
}

func (m *Monitor) loop(cfg config.Config, aux host.AuxiliaryContext, sessionState string, stop chan struct{}) {
	ticker := time.NewTicker(cfg.SessionCheckInterval)
	defer ticker.Stop()

	probe := host.Message{Data: cfg.ClientID + " " + sessionState}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := aux.PostMessage(probe); err != nil {
				logger.Warnf("failed to post session check: %v", err)
			}
		case msg, ok := <-aux.Messages():
			if !ok {
				return
			}
			if !sameOrigin(cfg.Issuer, msg.Origin) {
				logger.Debugf("ignoring session message from foreign origin %s", msg.Origin)
				continue
			}
			if done := m.handleAnswer(msg.Data); done {
				return
			}
		}
	}
}

// handleAnswer processes one check-session response. It returns true when
// the monitor should stop.
func (m *Monitor) handleAnswer(answer string) bool {
	switch answer {
	case "unchanged":
		m.setState(Unchanged)
		m.Bus.PublishInfo(events.TypeSessionUnchanged, "")
		return false

	case "changed":
		m.setState(Changed)
		m.Bus.PublishInfo(events.TypeSessionChanged, "")
		m.handleChanged()
		return false

	default:
		m.setState(SessionError)
		m.Bus.PublishError(events.TypeSessionError, fmt.Errorf("check-session answered %q", answer), "")
		go m.Stop()
		return true
	}
}

// handleChanged attempts recovery; a failed or absent recovery path means
// the server-side session is gone for good.
func (m *Monitor) handleChanged() {
	if m.Recover != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
		defer cancel()
		err := m.Recover(ctx)
		if err == nil {
			return
		}
		logger.Warnf("session recovery failed: %v", err)
	}

	m.Bus.PublishInfo(events.TypeSessionTerminated, "")
	if m.Terminate != nil {
		m.Terminate()
	}
	go m.Stop()
}

// sameOrigin reports whether rawOrigin matches the scheme and host of the
// issuer.
func sameOrigin(issuer, rawOrigin string) bool {
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return false
	}
	originURL, err := url.Parse(rawOrigin)
	if err != nil {
		return false
	}
	return issuerURL.Scheme == originURL.Scheme && issuerURL.Host == originURL.Host
}
