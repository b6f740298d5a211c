// Copyright 2025 The runshim Authors.
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

// Package stdio establishes standard-stream routing for task and exec
// processes: discard, caller-provided fifo, or an allocated
// pseudo-terminal with replay.
package stdio

import (
	"os"

	"github.com/containershim/runshim/internal/errdefs"
)

// Config selects the routing per process. Empty paths mean discard.
type Config struct {
	Stdin    string
	Stdout   string
	Stderr   string
	Terminal bool
}

// IO holds the resolved endpoints for one process's standard streams.
type IO struct {
	stdin   string
	stdout  string
	stderr  string
	console *Console
}

// Setup validates the requested routing and allocates the pty for
// terminal sessions. Fifo paths must already exist; their lifetime belongs
// to the caller.
func Setup(cfg Config, consoleBufSize int) (*IO, error) {
	if cfg.Terminal {
		console, err := NewConsole(consoleBufSize)
		if err != nil {
			return nil, err
		}
		path := console.TTYPath()
		return &IO{stdin: path, stdout: path, stderr: path, console: console}, nil
	}

	io := &IO{stdin: os.DevNull, stdout: os.DevNull, stderr: os.DevNull}
	for _, s := range []struct {
		path   string
		target *string
	}{
		{cfg.Stdin, &io.stdin},
		{cfg.Stdout, &io.stdout},
		{cfg.Stderr, &io.stderr},
	} {
		if s.path == "" {
			continue
		}
		if _, err := os.Stat(s.path); err != nil {
			return nil, errdefs.InvalidArgumentf("stdio path %s: %v", s.path, err)
		}
		*s.target = s.path
	}
	return io, nil
}

// Paths returns the endpoints handed to the runtime tool.
func (io *IO) Paths() (stdin, stdout, stderr string) {
	return io.stdin, io.stdout, io.stderr
}

// Console returns the allocated pseudo-terminal, or nil for non-terminal
// sessions.
func (io *IO) Console() *Console {
	return io.console
}

func (io *IO) Close() error {
	if io.console != nil {
		return io.console.Close()
	}
	return nil
}
