// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package store owns persisted token state: a pluggable string key-value
// backend, the fixed key schema, and a manager deriving validity and
// expiration timers from the stored fields.
package store

// Persisted keys. All values are strings; timestamps are decimal
// milliseconds since the Unix epoch, claim objects are JSON text.
const (
	KeyAccessToken         = "access_token"
	KeyAccessTokenStoredAt = "access_token_stored_at"
	KeyExpiresAt           = "expires_at"
	KeyIDToken             = "id_token"
	KeyIDTokenClaimsObj    = "id_token_claims_obj"
	KeyIDTokenExpiresAt    = "id_token_expires_at"
	KeyIDTokenStoredAt     = "id_token_stored_at"
	KeyNonce               = "nonce"
	KeyPKCEVerifier        = "PKCE_verifier"
	KeyGrantedScopes       = "granted_scopes"
	KeyRefreshToken        = "refresh_token"
	KeySessionState        = "session_state"
)

// AllKeys lists every key the engine persists, in the order they are
// cleared on logout.
var AllKeys = []string{
	KeyAccessToken,
	KeyAccessTokenStoredAt,
	KeyExpiresAt,
	KeyIDToken,
	KeyIDTokenClaimsObj,
	KeyIDTokenExpiresAt,
	KeyIDTokenStoredAt,
	KeyNonce,
	KeyPKCEVerifier,
	KeyGrantedScopes,
	KeyRefreshToken,
	KeySessionState,
}

// Backend is the persistent key-value collaborator. An absent key reads as
// the empty string with a nil error; errors are reserved for backend
// failures (I/O, keyring denial).
type Backend interface {
	// Get returns the value for key, or "" when the key is absent.
	Get(key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
}
