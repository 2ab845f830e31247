// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// jwksRegistrationTimeout bounds the initial JWKS registration.
const jwksRegistrationTimeout = 5 * time.Second

// JWKSHandler verifies id_token signatures against a cached, auto-refreshed
// JSON Web Key Set and implements the at_hash comparison. It is the default
// Handler wired by the engine when a jwks_uri is known.
type JWKSHandler struct {
	jwksURL string
	cache   *jwk.Cache

	// JWKS registration is done lazily on first use to avoid blocking
	// construction on the network.
	registrationMu  sync.Mutex
	registered      bool
	registrationErr error
}

// NewJWKSHandler creates a handler fetching keys from jwksURL through
// httpClient.
func NewJWKSHandler(ctx context.Context, jwksURL string, httpClient *http.Client) (*JWKSHandler, error) {
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &JWKSHandler{
		jwksURL: jwksURL,
		cache:   cache,
	}, nil
}

func (h *JWKSHandler) ensureRegistered(ctx context.Context) error {
	h.registrationMu.Lock()
	defer h.registrationMu.Unlock()

	if h.registered {
		return h.registrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
	defer cancel()

	if err := h.cache.Register(registrationCtx, h.jwksURL); err != nil {
		h.registrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		h.registrationErr = nil
	}
	h.registered = true
	return h.registrationErr
}

// Preload registers the JWKS and fetches it once, so the first token
// validation does not pay the network round trip. Optional; registration
// also happens lazily.
func (h *JWKSHandler) Preload(ctx context.Context) error {
	if err := h.ensureRegistered(ctx); err != nil {
		return err
	}
	if _, err := h.cache.Lookup(ctx, h.jwksURL); err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	return nil
}

// CalcHash implements Handler.
func (*JWKSHandler) CalcHash(value, algorithm string) ([]byte, error) {
	return calcHash(value, algorithm)
}

// ValidateAtHash implements Handler: digest the access token with the
// algorithm matching the token's alg header, keep the left half,
// base64url-encode, and compare against the claim modulo padding.
func (h *JWKSHandler) ValidateAtHash(p Params) error {
	claimed, _ := p.Claims["at_hash"].(string)
	if claimed == "" {
		return ErrAtHashMissing
	}

	digest, err := h.CalcHash(p.AccessToken, hashAlgorithmFor(p.Header))
	if err != nil {
		return err
	}
	computed := base64.RawURLEncoding.EncodeToString(digest[:len(digest)/2])

	if !atHashMatches(claimed, computed) {
		return fmt.Errorf("%w: claimed %q, computed %q", ErrAtHashMismatch, claimed, computed)
	}
	return nil
}

// ValidateSignature implements Handler. Claims are deliberately not
// validated here; the id_token validator owns claim semantics.
func (h *JWKSHandler) ValidateSignature(ctx context.Context, p Params) error {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation(), jwt.WithPaddingAllowed())

	_, err := parser.Parse(p.RawToken, func(token *jwt.Token) (any, error) {
		return h.lookupKey(ctx, token)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	return nil
}

func (h *JWKSHandler) lookupKey(ctx context.Context, token *jwt.Token) (any, error) {
	if err := h.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := h.cache.Lookup(ctx, h.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}
