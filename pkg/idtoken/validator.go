// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package idtoken decodes and validates ID tokens. Claim checks run in a
// fixed order and fail fast; cryptography is delegated to the validation
// capability. A Result from Process is the only way claims become trusted
// state.
package idtoken

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/store"
	"github.com/oidcflow/oidcflow/pkg/validation"
)

// Validation errors, one per check.
var (
	ErrMalformedToken  = errors.New("id_token is not a three-segment compact JWT")
	ErrWrongAudience   = errors.New("id_token audience does not include this client")
	ErrMissingSub      = errors.New("id_token carries no sub claim")
	ErrSubjectMismatch = errors.New("id_token subject changed across refresh")
	ErrMissingIat      = errors.New("id_token carries no iat claim")
	ErrWrongIssuer     = errors.New("id_token issuer does not match configuration")
	ErrNonceMismatch   = errors.New("id_token nonce does not match the stored nonce")
	ErrMissingAtHash   = errors.New("id_token carries no at_hash claim but an access token was requested")
	ErrMissingExp      = errors.New("id_token carries no exp claim")
	ErrNotYetValid     = errors.New("id_token issued too far in the future")
	ErrExpired         = errors.New("id_token validity window has passed")
	ErrMissingNonce    = errors.New("no nonce stored for this login attempt")
)

// Result is a successfully validated id_token. Claims and header are
// available both decoded and as their original JSON text.
type Result struct {
	IDToken    string
	Claims     map[string]any
	ClaimsJSON string
	Header     map[string]any
	HeaderJSON string
	ExpiresAt  time.Time
}

// Options are the per-call inputs to Process.
type Options struct {
	// AccessToken is the access token issued alongside, for at_hash.
	AccessToken string

	// SkipNonceCheck disables the nonce comparison, for flows where the
	// server does not echo the nonce.
	SkipNonceCheck bool

	// RefreshSubject is the subject recorded by a prior silent refresh.
	// When session checks are enabled, a differing new subject is rejected
	// as an account switch.
	RefreshSubject string
}

// Validator runs the ordered claim checks.
type Validator struct {
	// Handler supplies signature and at_hash cryptography. A nil handler
	// degrades to validation.NullHandler semantics.
	Handler validation.Handler

	// Store supplies the nonce persisted when the login URL was built.
	Store *store.Manager

	// Now overrides the time source, for tests.
	Now func() time.Time
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Validator) handler() validation.Handler {
	if v.Handler != nil {
		return v.Handler
	}
	return validation.NullHandler{}
}

// Process decodes idToken and validates it against cfg. Checks run in
// order: audience, subject, refresh-subject match, iat, issuer, nonce,
// at_hash presence, time window, at_hash value, signature. The first
// violation rejects the token.
func (v *Validator) Process(ctx context.Context, cfg config.Config, idToken string, opts Options) (*Result, error) {
	header, headerJSON, claims, claimsJSON, err := decode(idToken)
	if err != nil {
		return nil, err
	}

	// 1. Audience.
	if !audienceContains(claims["aud"], cfg.ClientID) {
		return nil, fmt.Errorf("%w: aud=%v", ErrWrongAudience, claims["aud"])
	}

	// 2. Subject present.
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrMissingSub
	}

	// 3. Subject stable across refresh.
	if cfg.SessionChecksEnabled && opts.RefreshSubject != "" && sub != opts.RefreshSubject {
		return nil, fmt.Errorf("%w: had %q, got %q", ErrSubjectMismatch, opts.RefreshSubject, sub)
	}

	// 4. Issued-at present.
	iat, ok := numericClaim(claims, "iat")
	if !ok {
		return nil, ErrMissingIat
	}

	// 5. Issuer.
	if !cfg.SkipIssuerCheck {
		if iss, _ := claims["iss"].(string); iss != cfg.Issuer {
			return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongIssuer, iss, cfg.Issuer)
		}
	}

	// 6. Nonce.
	if !opts.SkipNonceCheck {
		storedNonce := v.Store.Nonce()
		if storedNonce == "" {
			return nil, ErrMissingNonce
		}
		if nonce, _ := claims["nonce"].(string); nonce != storedNonce {
			return nil, ErrNonceMismatch
		}
	}

	// 7. at_hash applicability. The claim only binds implicit flows that
	// carry an access token next to the id_token.
	responseType, err := cfg.DerivedResponseType()
	if err != nil {
		return nil, err
	}
	atHashDisabled := cfg.DisableAtHashCheck || responseType == "code" || responseType == "id_token"
	if !atHashDisabled && cfg.WantsAccessToken() {
		if _, present := claims["at_hash"]; !present {
			return nil, ErrMissingAtHash
		}
	}

	// 8. Time window, inclusive on both edges.
	exp, ok := numericClaim(claims, "exp")
	if !ok {
		return nil, ErrMissingExp
	}
	now := v.now()
	issuedAt := time.Unix(0, int64(iat*float64(time.Second)))
	expiresAt := time.Unix(0, int64(exp*float64(time.Second)))
	if now.Before(issuedAt.Add(-cfg.ClockSkew)) {
		return nil, fmt.Errorf("%w: iat=%s now=%s", ErrNotYetValid, issuedAt, now)
	}
	if now.After(expiresAt.Add(cfg.ClockSkew)) {
		return nil, fmt.Errorf("%w: exp=%s now=%s", ErrExpired, expiresAt, now)
	}

	params := validation.Params{
		RawToken:    idToken,
		Header:      header,
		Claims:      claims,
		AccessToken: opts.AccessToken,
	}

	// 9. at_hash value.
	if !atHashDisabled {
		if err := v.handler().ValidateAtHash(params); err != nil {
			return nil, err
		}
	}

	// 10. Signature.
	if err := v.handler().ValidateSignature(ctx, params); err != nil {
		return nil, err
	}

	return &Result{
		IDToken:    idToken,
		Claims:     claims,
		ClaimsJSON: claimsJSON,
		Header:     header,
		HeaderJSON: headerJSON,
		ExpiresAt:  expiresAt,
	}, nil
}

// decode splits the compact JWT and parses its header and payload.
func decode(idToken string) (header map[string]any, headerJSON string, claims map[string]any, claimsJSON string, err error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, "", nil, "", ErrMalformedToken
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, "", nil, "", fmt.Errorf("failed to decode id_token header: %w", err)
	}
	claimBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, "", nil, "", fmt.Errorf("failed to decode id_token payload: %w", err)
	}

	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, "", nil, "", fmt.Errorf("failed to parse id_token header: %w", err)
	}
	if err := json.Unmarshal(claimBytes, &claims); err != nil {
		return nil, "", nil, "", fmt.Errorf("failed to parse id_token payload: %w", err)
	}
	return header, string(headerBytes), claims, string(claimBytes), nil
}

// decodeSegment base64url-decodes one JWT segment, repairing absent
// padding.
func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(segment, "="))
}

// audienceContains reports whether the aud claim names clientID. aud may be
// a single string or an array.
func audienceContains(aud any, clientID string) bool {
	switch typed := aud.(type) {
	case string:
		return typed == clientID
	case []any:
		for _, entry := range typed {
			if s, ok := entry.(string); ok && s == clientID {
				return true
			}
		}
	}
	return false
}

func numericClaim(claims map[string]any, name string) (float64, bool) {
	value, ok := claims[name].(float64)
	return value, ok
}
