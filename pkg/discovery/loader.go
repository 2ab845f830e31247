// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/logger"
	"github.com/oidcflow/oidcflow/pkg/networking"
)

// Validation errors.
var (
	ErrIssuerMismatch  = errors.New("discovery document issuer does not match configured issuer")
	ErrInvalidEndpoint = errors.New("discovery document endpoint failed validation")
)

// Endpoints whose validation failures are tolerated: the failing value is
// dropped with a warning and the configured value kept. All other endpoint
// failures reject the whole document.
var lenientEndpoints = map[string]bool{
	"token_endpoint":      true,
	"userinfo_endpoint":   true,
	"revocation_endpoint": true,
}

// Loader fetches, validates, and merges discovery documents.
type Loader struct {
	// Client issues the document fetch. Required.
	Client networking.HTTPClient

	// Bus receives lifecycle events. Optional.
	Bus *events.Bus
}

// Load fetches the discovery document, validates it against cfg, and merges
// its endpoints into cfg. When documentURL is empty it is derived from the
// configured issuer. cfg is mutated only on success; a rejected document
// leaves it untouched.
func (l *Loader) Load(ctx context.Context, cfg *config.Config, documentURL string) (*Document, error) {
	if documentURL == "" {
		if err := cfg.ValidateForDiscovery(); err != nil {
			return nil, err
		}
		documentURL = WellKnownURL(cfg.Issuer)
	}

	if err := cfg.HTTPSPolicy.CheckURL(documentURL); err != nil {
		return nil, fmt.Errorf("refusing to load discovery document: %w", err)
	}

	doc, err := networking.FetchJSON[Document](ctx, l.Client, documentURL)
	if err != nil {
		err = fmt.Errorf("failed to load discovery document from %s: %w", documentURL, err)
		l.publishError(events.TypeDiscoveryDocumentLoadError, err, documentURL)
		return nil, err
	}

	merge, err := l.validate(cfg, doc)
	if err != nil {
		l.publishError(events.TypeDiscoveryDocumentValidationError, err, documentURL)
		return nil, err
	}
	merge(cfg)

	if l.Bus != nil {
		l.Bus.PublishInfo(events.TypeDiscoveryDocumentLoaded, documentURL)
	}
	return doc, nil
}

// validate checks the document against cfg and returns the merge to apply on
// acceptance. Nothing is merged while validation can still fail.
func (l *Loader) validate(cfg *config.Config, doc *Document) (func(*config.Config), error) {
	if !cfg.SkipIssuerCheck && doc.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrIssuerMismatch, doc.Issuer, cfg.Issuer)
	}

	type binding struct {
		name  string
		value string
		merge func(*config.Config, string)
	}
	bindings := []binding{
		{"authorization_endpoint", doc.AuthorizationEndpoint, func(c *config.Config, v string) { c.LoginURL = v }},
		{"token_endpoint", doc.TokenEndpoint, func(c *config.Config, v string) { c.TokenEndpoint = v }},
		{"userinfo_endpoint", doc.UserinfoEndpoint, func(c *config.Config, v string) { c.UserinfoEndpoint = v }},
		{"jwks_uri", doc.JWKSURI, func(c *config.Config, v string) { c.JWKSURI = v }},
		{"end_session_endpoint", doc.EndSessionEndpoint, func(c *config.Config, v string) { c.LogoutURL = v }},
		{"check_session_iframe", doc.CheckSessionIFrame, func(c *config.Config, v string) { c.CheckSessionIFrame = v }},
		{"revocation_endpoint", doc.RevocationEndpoint, func(c *config.Config, v string) { c.RevocationEndpoint = v }},
	}

	var accepted []binding
	for _, b := range bindings {
		if b.value == "" {
			continue
		}
		if err := l.checkEndpoint(cfg, b.name, b.value); err != nil {
			if lenientEndpoints[b.name] {
				logger.Warnf("ignoring invalid %s in discovery document: %v", b.name, err)
				continue
			}
			return nil, err
		}
		accepted = append(accepted, b)
	}

	return func(c *config.Config) {
		for _, b := range accepted {
			b.merge(c, b.value)
		}
	}, nil
}

func (l *Loader) checkEndpoint(cfg *config.Config, name, endpoint string) error {
	if err := cfg.HTTPSPolicy.CheckURL(endpoint); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEndpoint, name, err)
	}
	if cfg.StrictValidation() && !strings.HasPrefix(endpoint, cfg.Issuer) {
		return fmt.Errorf("%w: %s %q does not start with issuer %q",
			ErrInvalidEndpoint, name, endpoint, cfg.Issuer)
	}
	return nil
}

func (l *Loader) publishError(t events.Type, err error, context string) {
	if l.Bus != nil {
		l.Bus.PublishError(t, err, context)
	}
}
