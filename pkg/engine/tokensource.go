// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned by the token source when the store holds no usable
// access token and no refresh path exists.
var ErrNoToken = errors.New("no access token available")

// TokenSource returns an oauth2.TokenSource backed by the engine's store.
// An expired access token is refreshed through the refresh-token grant
// before being handed out, so the source plugs directly into HTTP clients
// built with oauth2.NewClient.
func (e *Engine) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &engineTokenSource{engine: e, ctx: ctx}
}

type engineTokenSource struct {
	engine *Engine
	ctx    context.Context
}

// Token implements oauth2.TokenSource.
func (s *engineTokenSource) Token() (*oauth2.Token, error) {
	e := s.engine

	if !e.store.HasValidAccessToken() {
		if e.store.RefreshToken() == "" {
			return nil, ErrNoToken
		}
		if err := e.RefreshToken(s.ctx); err != nil {
			return nil, err
		}
	}

	accessToken := e.store.AccessToken()
	if accessToken == "" {
		return nil, ErrNoToken
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: e.store.RefreshToken(),
	}
	if expiry, ok := e.store.AccessTokenExpiration(); ok {
		token.Expiry = expiry
	}
	return token, nil
}
