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

package api

import (
	"github.com/containershim/runshim/internal/errdefs"
)

// Client errors wrap an internal sentinel per failure class. These
// predicates are the public way to classify them; the sentinels
// themselves are not importable from outside the module.

// IsNotFound reports whether err concerns a task or process that does
// not exist.
func IsNotFound(err error) bool { return errdefs.IsNotFound(err) }

// IsAlreadyExists reports whether err concerns an id that is already
// taken.
func IsAlreadyExists(err error) bool { return errdefs.IsAlreadyExists(err) }

// IsInvalidArgument reports whether err was caused by malformed input.
func IsInvalidArgument(err error) bool { return errdefs.IsInvalidArgument(err) }

// IsFailedPrecondition reports whether err was caused by an operation
// applied in the wrong state.
func IsFailedPrecondition(err error) bool { return errdefs.IsFailedPrecondition(err) }

// IsUnavailable reports whether err means the shim cannot serve right
// now and the call may be retried.
func IsUnavailable(err error) bool { return errdefs.IsUnavailable(err) }

// IsInternal reports whether err is a shim-side failure.
func IsInternal(err error) bool { return errdefs.IsInternal(err) }

// IsCancelled reports whether err means the caller gave up first.
func IsCancelled(err error) bool { return errdefs.IsCancelled(err) }
