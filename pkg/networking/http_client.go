// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"net/http"
	"time"
)

// HttpTimeout is the timeout for outgoing HTTP requests.
const HttpTimeout = 30 * time.Second

// ValidatingTransport validates request URLs against an HTTPS policy prior
// to forwarding. The policy is enforced here, on the client side, rather
// than trusted to any individual call site.
type ValidatingTransport struct {
	Transport http.RoundTripper
	Policy    HTTPSPolicy
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Policy.CheckURL(req.URL.String()); err != nil {
		return nil, err
	}
	return t.Transport.RoundTrip(req)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients.
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	policy                HTTPSPolicy
}

// NewHttpClientBuilder returns a new HttpClientBuilder with default timeouts
// and the remote-only HTTPS policy.
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
		policy:                PolicyRemoteOnly,
	}
}

// WithTimeout sets the overall client timeout.
func (b *HttpClientBuilder) WithTimeout(timeout time.Duration) *HttpClientBuilder {
	b.clientTimeout = timeout
	return b
}

// WithHTTPSPolicy sets the HTTPS policy applied to every request URL.
func (b *HttpClientBuilder) WithHTTPSPolicy(policy HTTPSPolicy) *HttpClientBuilder {
	b.policy = policy
	return b
}

// Build creates the configured HTTP client.
func (b *HttpClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	return &http.Client{
		Transport: &ValidatingTransport{
			Transport: transport,
			Policy:    b.policy,
		},
		Timeout: b.clientTimeout,
	}
}
