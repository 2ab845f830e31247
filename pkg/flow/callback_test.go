// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		check func(t *testing.T, p *CallbackParams)
	}{
		{
			name:  "implicit fragment",
			input: "#access_token=AT&id_token=IDT&state=nonce%3Bapp&token_type=bearer&expires_in=3600&session_state=sess",
			check: func(t *testing.T, p *CallbackParams) {
				assert.Equal(t, "AT", p.AccessToken)
				assert.Equal(t, "IDT", p.IDToken)
				assert.Equal(t, "nonce;app", p.State)
				assert.Equal(t, "3600", p.ExpiresIn)
				assert.Equal(t, "sess", p.SessionState)
			},
		},
		{
			name:  "code flow query",
			input: "?code=authz-code&state=nonce",
			check: func(t *testing.T, p *CallbackParams) {
				assert.Equal(t, "authz-code", p.Code)
				assert.Equal(t, "nonce", p.State)
			},
		},
		{
			name:  "full redirect URL with query",
			input: "https://app.example/cb?code=xyz&state=n",
			check: func(t *testing.T, p *CallbackParams) {
				assert.Equal(t, "xyz", p.Code)
			},
		},
		{
			name:  "fragment wins over query",
			input: "https://app.example/cb?ignored=1#access_token=AT&state=n",
			check: func(t *testing.T, p *CallbackParams) {
				assert.Equal(t, "AT", p.AccessToken)
				assert.Empty(t, p.All.Get("ignored"))
			},
		},
		{
			name:  "server error parameters",
			input: "?error=access_denied&error_description=user+cancelled",
			check: func(t *testing.T, p *CallbackParams) {
				assert.Equal(t, "access_denied", p.Error)
				assert.Equal(t, "user cancelled", p.ErrorDescription)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params, err := ParseCallback(tt.input)
			require.NoError(t, err)
			tt.check(t, params)
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		callerState string
		separator   string
	}{
		{name: "plain", callerState: "after-login", separator: ";"},
		{name: "empty caller state", callerState: "", separator: ";"},
		{name: "caller state with separator char", callerState: "a;b=c&d", separator: ";"},
		{name: "custom separator", callerState: "path/to/page", separator: "|"},
		{name: "default separator for empty", callerState: "x", separator: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			composed := ComposeState("the-nonce", tt.callerState, tt.separator)
			nonce, callerState := SplitState(composed, tt.separator)
			assert.Equal(t, "the-nonce", nonce)
			assert.Equal(t, tt.callerState, callerState)
		})
	}
}

func TestSplitStateWithoutSeparator(t *testing.T) {
	t.Parallel()

	nonce, callerState := SplitState("bare-nonce", ";")
	assert.Equal(t, "bare-nonce", nonce)
	assert.Empty(t, callerState)
}
