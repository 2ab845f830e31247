// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery loads and validates OIDC discovery documents and merges
// their endpoints into the effective configuration.
package discovery

import (
	"strings"
)

// WellKnownPath is the RFC 8414 / OIDC discovery suffix.
const WellKnownPath = ".well-known/openid-configuration"

// Document is the subset of the OIDC discovery document the engine consumes.
type Document struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	CheckSessionIFrame    string   `json:"check_session_iframe"`
	RevocationEndpoint    string   `json:"revocation_endpoint"`
	GrantTypesSupported   []string `json:"grant_types_supported"`
}

// WellKnownURL derives the discovery document URL from an issuer.
func WellKnownURL(issuer string) string {
	if !strings.HasSuffix(issuer, "/") {
		issuer += "/"
	}
	return issuer + WellKnownPath
}
