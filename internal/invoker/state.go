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

package invoker

import (
	"encoding/json"
	"time"

	"github.com/containershim/runshim/internal/errdefs"
)

// Runtime tool status strings.
const (
	StateCreated = "created"
	StateRunning = "running"
	StatePaused  = "paused"
	StateStopped = "stopped"
)

// State is the runtime tool's view of one container, parsed from the
// `state` subcommand's JSON output.
type State struct {
	ID          string            `json:"id"`
	Pid         int               `json:"pid"`
	Status      string            `json:"status"`
	Bundle      string            `json:"bundle"`
	Rootfs      string            `json:"rootfs,omitempty"`
	Created     time.Time         `json:"created"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func parseState(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errdefs.Internalf("parsing runtime state output %q: %v", string(data), err)
	}
	return &st, nil
}

// DeleteResult carries the terminal status the tool reports on delete,
// when it reports one. Known is false when the tool printed nothing, in
// which case the caller keeps the supervisor-observed status.
type DeleteResult struct {
	ExitCode int       `json:"exitCode"`
	ExitedAt time.Time `json:"exitedAt"`
	Known    bool      `json:"-"`
}

func parseDeleteResult(data []byte) DeleteResult {
	var res DeleteResult
	if len(data) == 0 {
		return res
	}
	if err := json.Unmarshal(data, &res); err != nil {
		// older tools print nothing or free text on delete
		return DeleteResult{}
	}
	res.Known = !res.ExitedAt.IsZero()
	return res
}
