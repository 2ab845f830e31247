// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package validation is the pluggable cryptographic capability behind
// id_token validation: digest computation, at_hash comparison, and
// signature verification. The engine itself never implements cryptography;
// it delegates here.
package validation

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"strings"

	"github.com/oidcflow/oidcflow/pkg/logger"
)

// Capability errors.
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	ErrAtHashMissing        = errors.New("id_token carries no at_hash claim")
	ErrAtHashMismatch       = errors.New("at_hash does not match access token")
	ErrSignatureInvalid     = errors.New("id_token signature verification failed")
)

// Params bundles a decoded id_token for a validation step.
type Params struct {
	// RawToken is the compact serialized JWT.
	RawToken string

	// Header is the decoded JOSE header.
	Header map[string]any

	// Claims is the decoded payload.
	Claims map[string]any

	// AccessToken accompanies the id_token, for the at_hash check.
	AccessToken string
}

// Handler is the injected crypto capability.
type Handler interface {
	// CalcHash digests value with the named algorithm ("SHA-256",
	// "SHA-384", "SHA-512").
	CalcHash(value, algorithm string) ([]byte, error)

	// ValidateAtHash checks the at_hash claim against the access token.
	ValidateAtHash(p Params) error

	// ValidateSignature verifies the token signature, loading keys as
	// needed.
	ValidateSignature(ctx context.Context, p Params) error
}

// calcHash is the shared digest implementation.
func calcHash(value, algorithm string) ([]byte, error) {
	switch algorithm {
	case "SHA-256":
		digest := sha256.Sum256([]byte(value))
		return digest[:], nil
	case "SHA-384":
		digest := sha512.Sum384([]byte(value))
		return digest[:], nil
	case "SHA-512":
		digest := sha512.Sum512([]byte(value))
		return digest[:], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// hashAlgorithmFor maps a JWS signing algorithm to its digest, e.g. RS256
// to SHA-256. An absent alg header falls back to SHA-256.
func hashAlgorithmFor(header map[string]any) string {
	alg, _ := header["alg"].(string)
	if len(alg) < 3 {
		return "SHA-256"
	}
	return "SHA-" + alg[len(alg)-3:]
}

// NullHandler is the capability used when no real handler is configured.
// Digests still work, but signature and at_hash checks degrade to "assumed
// valid" with a logged warning. Configuring it outside tests is a hazard.
type NullHandler struct{}

// CalcHash implements Handler.
func (NullHandler) CalcHash(value, algorithm string) ([]byte, error) {
	return calcHash(value, algorithm)
}

// ValidateAtHash implements Handler. It performs no check.
func (NullHandler) ValidateAtHash(Params) error {
	logger.Warnf("no validation handler configured, skipping at_hash check")
	return nil
}

// ValidateSignature implements Handler. It performs no check.
func (NullHandler) ValidateSignature(context.Context, Params) error {
	logger.Warnf("no validation handler configured, skipping signature check")
	return nil
}

// atHashMatches compares a computed left-half digest against the claimed
// at_hash, ignoring base64 padding.
func atHashMatches(claimed, computed string) bool {
	return strings.TrimRight(claimed, "=") == strings.TrimRight(computed, "=")
}
