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

package reaper

// Platform is the narrow syscall surface the supervisor needs. Production
// code uses the per-OS implementation selected at build time; tests drive
// the supervisor with a deterministic fake, including the case where a
// child exits before its pid is registered.
type Platform interface {
	// Notify arranges for ch to receive a tick whenever one or more
	// children may have changed state. Ticks may be coalesced.
	Notify(ch chan<- struct{}) error
	// Stop releases the Notify registration.
	Stop()
	// Peek reports an exited child without consuming its terminal
	// status. pid <= 0 peeks any child; a positive pid peeks that child
	// only. ok is false when no exited child is observable.
	Peek(pid int) (e Exit, ok bool, err error)
	// Reap consumes pid's terminal status. Valid at most once per pid.
	Reap(pid int) (status int, err error)
	// Kill sends sig to pid.
	Kill(pid int, sig int) error
}
