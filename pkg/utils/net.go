// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// IsListeningSocket returns true if connections are accepted on the socket.
func IsListeningSocket(socket string) (bool, error) {
	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err == nil {
		conn.Close()
		return true, nil
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// PrepareSocket prepares for listening on a unix domain socket. It creates
// the directory of the socket and removes any stale socket left behind. It
// fails if another process is listening on the socket.
func PrepareSocket(socket string) error {
	listening, err := IsListeningSocket(socket)
	if err != nil {
		return fmt.Errorf("failed to check socket %q: %w", socket, err)
	}
	if listening {
		return fmt.Errorf("socket %q is already in use", socket)
	}

	if err := os.MkdirAll(filepath.Dir(socket), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for socket %q: %w", socket, err)
	}

	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %q: %w", socket, err)
	}

	return nil
}
