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
	"fmt"
	"strings"

	"github.com/containershim/runshim/internal/errdefs"
)

// ErrorMapper classifies a failed runtime-tool invocation. The message
// text is tool-version-dependent, so the mapping is a replaceable lookup
// table instead of logic baked into the invoker.
type ErrorMapper interface {
	Map(op string, exitCode int, output string) error
}

// Rule maps a stderr substring to an error kind.
type Rule struct {
	Substr string
	Kind   error
}

// TableMapper matches stderr substrings in order; the first hit decides
// the error kind.
type TableMapper struct {
	rules []Rule
}

func NewTableMapper(rules ...Rule) *TableMapper {
	m := &TableMapper{rules: make([]Rule, len(rules))}
	for i, r := range rules {
		m.rules[i] = Rule{Substr: strings.ToLower(r.Substr), Kind: r.Kind}
	}
	return m
}

// DefaultMapper covers the messages of current runc releases. Deployments
// running a different tool supply their own table.
func DefaultMapper() *TableMapper {
	return NewTableMapper(
		Rule{"already exists", errdefs.ErrAlreadyExists},
		Rule{"file exists", errdefs.ErrAlreadyExists},
		Rule{"process already finished", errdefs.ErrNotFound},
		Rule{"container not found", errdefs.ErrNotFound},
		Rule{"does not exist", errdefs.ErrNotFound},
		Rule{"no such process", errdefs.ErrNotFound},
		Rule{"no such file or directory", errdefs.ErrInvalidArgument},
		Rule{"json: cannot unmarshal", errdefs.ErrInvalidArgument},
		Rule{"malformed", errdefs.ErrInvalidArgument},
		Rule{"invalid", errdefs.ErrInvalidArgument},
		Rule{"cannot start a container that has run", errdefs.ErrFailedPrecondition},
		Rule{"cannot exec in a stopped", errdefs.ErrFailedPrecondition},
		Rule{"not paused", errdefs.ErrFailedPrecondition},
		Rule{"not running", errdefs.ErrFailedPrecondition},
		Rule{"still running", errdefs.ErrFailedPrecondition},
		Rule{"resource temporarily unavailable", errdefs.ErrUnavailable},
		Rule{"device or resource busy", errdefs.ErrUnavailable},
		Rule{"text file busy", errdefs.ErrUnavailable},
	)
}

func (m *TableMapper) Map(op string, exitCode int, output string) error {
	msg := firstLine(output)
	lower := strings.ToLower(output)
	for _, r := range m.rules {
		if strings.Contains(lower, r.Substr) {
			return fmt.Errorf("%s: %s: %w", op, msg, r.Kind)
		}
	}
	if msg == "" {
		return fmt.Errorf("%s: runtime exited with status %d: %w", op, exitCode, errdefs.ErrInternal)
	}
	return fmt.Errorf("%s: %s: %w", op, msg, errdefs.ErrInternal)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
