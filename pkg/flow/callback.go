// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
	"net/url"
	"strings"
)

// CallbackParams are the fields of an authorization response, arriving as a
// URL fragment for implicit and silent-refresh flows or as a query string
// for the code flow. Both encodings parse identically.
type CallbackParams struct {
	Code             string
	AccessToken      string
	IDToken          string
	TokenType        string
	ExpiresIn        string
	Scope            string
	State            string
	SessionState     string
	Error            string
	ErrorDescription string

	// All holds every parameter, including server-specific extras.
	All url.Values
}

// ParseCallback parses a callback fragment or query string. A leading "#"
// or "?" is tolerated, as is a full redirect URL.
func ParseCallback(raw string) (*CallbackParams, error) {
	raw = extractParamString(raw)

	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse callback parameters: %w", err)
	}

	return &CallbackParams{
		Code:             values.Get("code"),
		AccessToken:      values.Get("access_token"),
		IDToken:          values.Get("id_token"),
		TokenType:        values.Get("token_type"),
		ExpiresIn:        values.Get("expires_in"),
		Scope:            values.Get("scope"),
		State:            values.Get("state"),
		SessionState:     values.Get("session_state"),
		Error:            values.Get("error"),
		ErrorDescription: values.Get("error_description"),
		All:              values,
	}, nil
}

// extractParamString reduces a callback input to its bare parameter string.
// A fragment wins over a query when a full URL carries both, since implicit
// and silent-refresh responses arrive in the fragment.
func extractParamString(raw string) string {
	if i := strings.Index(raw, "#"); i >= 0 {
		return raw[i+1:]
	}
	if i := strings.Index(raw, "?"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

// ComposeState joins a nonce and the caller's opaque state into the
// outgoing state parameter.
func ComposeState(nonce, callerState, separator string) string {
	if separator == "" {
		separator = ";"
	}
	if callerState == "" {
		return nonce
	}
	return nonce + separator + url.QueryEscape(callerState)
}

// SplitState recovers the nonce and the decoded caller state from an
// incoming state parameter.
func SplitState(state, separator string) (nonce, callerState string) {
	if separator == "" {
		separator = ";"
	}
	nonce, rest, found := strings.Cut(state, separator)
	if !found {
		return state, ""
	}
	decoded, err := url.QueryUnescape(rest)
	if err != nil {
		return nonce, rest
	}
	return nonce, decoded
}
