// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Keyring persists values in the OS keyring, one keyring entry per key,
// namespaced by service. Suitable for CLI hosts that must survive process
// restarts without writing tokens to disk in the clear.
type Keyring struct {
	service string
}

// NewKeyring creates a keyring backend under the given service name.
func NewKeyring(service string) *Keyring {
	return &Keyring{service: service}
}

// Get implements Backend.
func (k *Keyring) Get(key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from keyring: %w", key, err)
	}
	return value, nil
}

// Set implements Backend.
func (k *Keyring) Set(key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("failed to write %s to keyring: %w", key, err)
	}
	return nil
}

// Remove implements Backend.
func (k *Keyring) Remove(key string) error {
	err := keyring.Delete(k.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to remove %s from keyring: %w", key, err)
	}
	return nil
}
