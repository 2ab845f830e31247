// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/networking"
)

// Userinfo errors.
var (
	ErrNoUserinfoEndpoint = errors.New("no userinfo endpoint configured")
	ErrNoAccessToken      = errors.New("no valid access token for the userinfo request")
	ErrUserinfoSubMixup   = errors.New("userinfo sub does not match the id_token subject")
)

// LoadUserProfile fetches the userinfo document with the stored access
// token, verifies its sub against the id_token, and merges the attributes
// into the stored identity claims. The id_token claims win on conflicts;
// userinfo only adds what the token did not carry.
func (e *Engine) LoadUserProfile(ctx context.Context) (map[string]any, error) {
	cfg := e.Config()

	if cfg.UserinfoEndpoint == "" {
		return nil, ErrNoUserinfoEndpoint
	}
	if !e.store.HasValidAccessToken() {
		return nil, ErrNoAccessToken
	}

	info, err := networking.FetchJSON[map[string]any](ctx, e.http, cfg.UserinfoEndpoint,
		networking.WithHeader("Authorization", "Bearer "+e.store.AccessToken()))
	if err != nil {
		e.bus.PublishError(events.TypeUserProfileLoadError, err, cfg.UserinfoEndpoint)
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}

	claims, err := e.store.IdentityClaims()
	if err != nil {
		return nil, err
	}

	if claims != nil {
		idSub, _ := claims["sub"].(string)
		infoSub, _ := (*info)["sub"].(string)
		if idSub != "" && infoSub != idSub {
			err := fmt.Errorf("%w: id_token %q, userinfo %q", ErrUserinfoSubMixup, idSub, infoSub)
			e.bus.PublishError(events.TypeUserProfileLoadError, err, cfg.UserinfoEndpoint)
			return nil, err
		}
	}

	merged := make(map[string]any, len(*info)+len(claims))
	for key, value := range *info {
		merged[key] = value
	}
	for key, value := range claims {
		merged[key] = value
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged claims: %w", err)
	}
	if err := e.store.StoreIdentityClaims(string(mergedJSON)); err != nil {
		return nil, err
	}

	e.bus.PublishSuccess(events.TypeUserProfileLoaded, "")
	return merged, nil
}
