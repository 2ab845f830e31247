// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"net"
)

// IsAvailable checks if a TCP port is available on the loopback interface.
func IsAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// FindOrUsePort returns the given port if it is non-zero and available, or
// asks the OS for a free loopback port when port is 0.
func FindOrUsePort(port int) (int, error) {
	if port != 0 {
		if !IsAvailable(port) {
			return 0, fmt.Errorf("port %d is not available", port)
		}
		return port, nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find available port: %w", err)
	}
	defer func() { _ = listener.Close() }()

	return listener.Addr().(*net.TCPAddr).Port, nil
}
