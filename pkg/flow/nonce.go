// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package flow covers the per-login-attempt plumbing: nonce and PKCE
// generation, authorization URL construction, and callback parsing.
package flow

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	mathrand "math/rand"

	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/logger"
)

const (
	// NonceLength is the length of a nonce. Nonces double as the state
	// prefix, so they share the verifier budget.
	NonceLength = 45

	// VerifierLength is the length of a PKCE code verifier.
	VerifierLength = 45

	// unreserved is the RFC 3986 unreserved character set.
	unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

// ErrNoHasher is returned when a PKCE challenge is requested without a
// hashing capability configured.
var ErrNoHasher = errors.New("no hashing capability configured for PKCE")

// Hasher is the delegated digest capability. Algorithm names follow the JWA
// convention ("SHA-256").
type Hasher interface {
	CalcHash(value, algorithm string) ([]byte, error)
}

// Generator produces random URL-safe strings and PKCE pairs. It prefers the
// cryptographically secure source and degrades to math/rand with a visible
// weak_crypto event when that source fails.
type Generator struct {
	// Bus receives the weak_crypto capability warning. Optional.
	Bus *events.Bus

	// Rand overrides the random source, for tests. Nil means crypto/rand.
	Rand io.Reader
}

// CreateNonce produces a 40-character nonce from the unreserved set.
func (g *Generator) CreateNonce() string {
	return g.randomString(NonceLength)
}

// CreateChallengeVerifierPair generates a PKCE verifier and its S256
// challenge. Only the S256 method is supported.
func (g *Generator) CreateChallengeVerifierPair(hasher Hasher) (challenge, verifier string, err error) {
	if hasher == nil {
		return "", "", ErrNoHasher
	}

	verifier = g.randomString(VerifierLength)
	digest, err := hasher.CalcHash(verifier, "SHA-256")
	if err != nil {
		return "", "", err
	}
	return base64.RawURLEncoding.EncodeToString(digest), verifier, nil
}

func (g *Generator) randomString(length int) string {
	source := g.Rand
	if source == nil {
		source = rand.Reader
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(source, buf); err != nil {
		logger.Warnf("secure random source unavailable, falling back to weak generator: %v", err)
		if g.Bus != nil {
			g.Bus.PublishError(events.TypeWeakCrypto, err, "nonce generation")
		}
		for i := range buf {
			buf[i] = byte(mathrand.Intn(256))
		}
	}

	out := make([]byte, length)
	for i, b := range buf {
		out[i] = unreserved[int(b)%len(unreserved)]
	}
	return string(out)
}
