// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package grant executes token endpoint exchanges: password,
// authorization code, refresh token, and arbitrary custom grants.
package grant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/networking"
)

// Standard grant type identifiers.
const (
	TypePassword          = "password"
	TypeAuthorizationCode = "authorization_code"
	TypeRefreshToken      = "refresh_token"
)

// TokenResponse is the normalized token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExpiresInDuration returns the access token lifetime, zero when the server
// sent none.
func (r *TokenResponse) ExpiresInDuration() time.Duration {
	return time.Duration(r.ExpiresIn) * time.Second
}

// ServerError is an RFC 6749 error response from the token endpoint.
type ServerError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	StatusCode  int    `json:"-"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint rejected the request: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint rejected the request: %s", e.Code)
}

// Client talks to the token and revocation endpoints.
type Client struct {
	// HTTP issues the requests. Required.
	HTTP networking.HTTPClient
}

// Exchange runs a grant of the given type. grantParams are the
// grant-specific form fields; they override the defaults derived from cfg,
// which in turn override configured custom query parameters.
func (c *Client) Exchange(ctx context.Context, cfg config.Config, grantType string, grantParams map[string]string) (*TokenResponse, error) {
	if err := cfg.ValidateForTokenExchange(); err != nil {
		return nil, err
	}

	form := url.Values{}
	for key, value := range cfg.CustomQueryParams {
		form.Set(key, value)
	}

	form.Set("grant_type", grantType)
	form.Set("scope", cfg.Scope)

	opts := []networking.FetchOption{networking.WithErrorHandler(serverErrorHandler)}
	if cfg.UseHTTPBasicAuth {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.ClientID + ":" + cfg.ClientSecret))
		opts = append(opts, networking.WithHeader("Authorization", "Basic "+credentials))
	} else {
		form.Set("client_id", cfg.ClientID)
		if cfg.ClientSecret != "" {
			form.Set("client_secret", cfg.ClientSecret)
		}
	}

	for key, value := range grantParams {
		form.Set(key, value)
	}

	response, err := networking.FetchJSONWithForm[TokenResponse](ctx, c.HTTP, cfg.TokenEndpoint, form, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s grant failed: %w", grantType, err)
	}
	return response, nil
}

// Password runs the resource-owner password grant.
func (c *Client) Password(ctx context.Context, cfg config.Config, username, password string, extra map[string]string) (*TokenResponse, error) {
	params := map[string]string{
		"username": username,
		"password": password,
	}
	for key, value := range extra {
		params[key] = value
	}
	return c.Exchange(ctx, cfg, TypePassword, params)
}

// AuthorizationCode redeems an authorization code, presenting the PKCE
// verifier when one was generated for the request.
func (c *Client) AuthorizationCode(ctx context.Context, cfg config.Config, code, verifier string) (*TokenResponse, error) {
	params := map[string]string{
		"code":         code,
		"redirect_uri": cfg.RedirectURI,
	}
	if verifier != "" {
		params["code_verifier"] = verifier
	}
	return c.Exchange(ctx, cfg, TypeAuthorizationCode, params)
}

// Refresh runs the refresh token grant.
func (c *Client) Refresh(ctx context.Context, cfg config.Config, refreshToken string) (*TokenResponse, error) {
	return c.Exchange(ctx, cfg, TypeRefreshToken, map[string]string{
		"refresh_token": refreshToken,
	})
}

// Revoke posts an RFC 7009 revocation for the given token. Revocation
// responses carry no required body, so this issues the form POST directly
// instead of going through the JSON fetch helper.
func (c *Client) Revoke(ctx context.Context, cfg config.Config, token, tokenTypeHint string) error {
	if cfg.RevocationEndpoint == "" {
		return fmt.Errorf("no revocation endpoint configured")
	}

	form := url.Values{}
	form.Set("token", token)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	var basicAuth string
	if cfg.UseHTTPBasicAuth {
		basicAuth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.ClientID+":"+cfg.ClientSecret))
	} else {
		form.Set("client_id", cfg.ClientID)
		if cfg.ClientSecret != "" {
			form.Set("client_secret", cfg.ClientSecret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevocationEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", networking.ContentTypeFormURLEncoded)
	if basicAuth != "" {
		req.Header.Set("Authorization", basicAuth)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultErrorPreviewSize))
		if serverErr := serverErrorHandler(resp, body); serverErr != nil {
			return serverErr
		}
		return &networking.HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			URL:        cfg.RevocationEndpoint,
		}
	}
	return nil
}

// serverErrorHandler turns an OAuth error response body into a ServerError.
func serverErrorHandler(resp *http.Response, body []byte) error {
	var serverErr ServerError
	if err := json.Unmarshal(body, &serverErr); err != nil || serverErr.Code == "" {
		return nil // fall back to the generic HTTP error
	}
	serverErr.StatusCode = resp.StatusCode
	return &serverErr
}
