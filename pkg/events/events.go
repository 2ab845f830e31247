// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package events defines the typed lifecycle events published while tokens
// are obtained, validated, refreshed, and invalidated, and the ordered
// multicast bus they travel on.
package events

// Type identifies a lifecycle event. The set is closed: components publish
// only types from this enumeration so subscribers can switch exhaustively.
type Type string

// Lifecycle event types.
const (
	TypeDiscoveryDocumentLoaded          Type = "discovery_document_loaded"
	TypeDiscoveryDocumentLoadError       Type = "discovery_document_load_error"
	TypeDiscoveryDocumentValidationError Type = "discovery_document_validation_error"
	TypeJWKSLoadError                    Type = "jwks_load_error"
	TypeInvalidNonceInState              Type = "invalid_nonce_in_state"
	TypeTokenReceived                    Type = "token_received"
	TypeTokenRefreshed                   Type = "token_refreshed"
	TypeTokenError                       Type = "token_error"
	TypeTokenRefreshError                Type = "token_refresh_error"
	TypeCodeError                        Type = "code_error"
	TypeTokenExpires                     Type = "token_expires"
	TypeLogout                           Type = "logout"
	TypeSessionChanged                   Type = "session_changed"
	TypeSessionUnchanged                 Type = "session_unchanged"
	TypeSessionError                     Type = "session_error"
	TypeSessionTerminated                Type = "session_terminated"
	TypeSilentlyRefreshed                Type = "silently_refreshed"
	TypeSilentRefreshError               Type = "silent_refresh_error"
	TypeSilentRefreshTimeout             Type = "silent_refresh_timeout"
	TypePopupClosed                      Type = "popup_closed"
	TypePopupBlocked                     Type = "popup_blocked"
	TypeUserProfileLoaded                Type = "user_profile_loaded"
	TypeUserProfileLoadError             Type = "user_profile_load_error"
	TypeTokenRevokeError                 Type = "token_revoke_error"
	TypeWeakCrypto                       Type = "weak_crypto"
)

// Event is the closed sum of the three lifecycle event variants. Events are
// immutable once published; subscribers observe them in publication order.
type Event interface {
	// EventType returns the discriminant for the event.
	EventType() Type

	sealed()
}

// Info is an informational milestone, e.g. a loaded discovery document.
type Info struct {
	Type   Type
	Detail string
}

// EventType implements Event.
func (e Info) EventType() Type { return e.Type }

func (Info) sealed() {}

// Success reports a completed operation, e.g. a received token.
type Success struct {
	Type   Type
	Detail string
}

// EventType implements Event.
func (e Success) EventType() Type { return e.Type }

func (Success) sealed() {}

// Error reports a failed operation. Reason carries the underlying error;
// Context optionally names the operation or input that failed.
type Error struct {
	Type    Type
	Reason  error
	Context string
}

// EventType implements Event.
func (e Error) EventType() Type { return e.Type }

func (Error) sealed() {}
