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

package config

import (
	"os"
	"time"
)

type Config struct {
	// Root is the shim's working directory; each task gets a
	// subdirectory holding its pid marker, log and address files.
	Root string
	// RuntimeBinary is the external OCI runtime tool driven by the
	// invoker.
	RuntimeBinary string
	// RuntimeRoot is passed to the runtime tool as its state directory.
	RuntimeRoot string
	// EventEndpoint is the orchestrator URL lifecycle events are posted
	// to. Empty means events are only logged and fanned out to local
	// subscribers.
	EventEndpoint string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// DeleteTimeout bounds how long forced cleanup waits for a process
	// to exit before escalating to SIGKILL.
	DeleteTimeout time.Duration

	// EventBufferSize is the publisher queue depth.
	EventBufferSize int
	// EventMaxRetries bounds publish retries before an event is dropped.
	EventMaxRetries int
	// ConsoleBufferSize bounds the pty replay buffer per process.
	ConsoleBufferSize int
}

func NewConfig() *Config {
	return &Config{
		Root:              "/run/runshim",
		RuntimeBinary:     "runc",
		RuntimeRoot:       "/run/runshim/runtime",
		EventEndpoint:     "",
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		DeleteTimeout:     10 * time.Second,
		EventBufferSize:   128,
		EventMaxRetries:   5,
		ConsoleBufferSize: 32 * 1024,
	}
}

func (c *Config) LoadFromEnv() {
	if v := os.Getenv("RUNSHIM_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("RUNSHIM_RUNTIME"); v != "" {
		c.RuntimeBinary = v
	}
	if v := os.Getenv("RUNSHIM_RUNTIME_ROOT"); v != "" {
		c.RuntimeRoot = v
	}
	if v := os.Getenv("RUNSHIM_EVENT_ENDPOINT"); v != "" {
		c.EventEndpoint = v
	}
	if v := os.Getenv("RUNSHIM_DELETE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DeleteTimeout = d
		}
	}
}
