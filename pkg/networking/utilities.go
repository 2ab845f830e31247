// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package networking provides HTTP transport utilities for oidcflow,
// including the TLS policy applied to every authorization-server URL
// before a request is made.
package networking

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// HttpsScheme is the URL scheme required for non-localhost endpoints.
const HttpsScheme = "https"

// HTTPClient is the interface used for outgoing HTTP requests. *http.Client
// satisfies it; tests substitute recording fakes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSPolicy controls how strictly HTTPS is required for
// authorization-server URLs.
type HTTPSPolicy string

const (
	// PolicyAll requires HTTPS for every URL, including localhost.
	PolicyAll HTTPSPolicy = "all"

	// PolicyRemoteOnly requires HTTPS for every URL except localhost.
	// This is the default and supports local development IdPs.
	PolicyRemoteOnly HTTPSPolicy = "remote_only"

	// PolicyNone disables the HTTPS requirement. Testing only.
	PolicyNone HTTPSPolicy = "none"
)

// IsLocalhost reports whether the host (optionally including a port)
// refers to the local machine.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if strings.EqualFold(host, "localhost") {
		return true
	}

	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CheckURL validates rawURL against the policy. It fails for malformed URLs
// and for plain-HTTP URLs that the policy does not exempt.
func (p HTTPSPolicy) CheckURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL %q: %w", rawURL, err)
	}

	if parsed.Scheme == HttpsScheme || p == PolicyNone {
		return nil
	}

	if p == PolicyRemoteOnly && parsed.Scheme == "http" && IsLocalhost(parsed.Host) {
		return nil
	}

	return fmt.Errorf("URL %q must use HTTPS", rawURL)
}

// ValidateEndpointURL validates an endpoint URL under the default
// remote-only policy.
func ValidateEndpointURL(endpoint string) error {
	return PolicyRemoteOnly.CheckURL(endpoint)
}
