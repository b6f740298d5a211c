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

// Package reaper detects child process termination and converts it into
// exactly one exit notification per watched pid.
//
// A child can exit before the code that spawned it gets around to watching
// the pid. The supervisor therefore never loses status: the listener peeks
// exited children without consuming their kernel bookkeeping and parks the
// result in a pending table. Whichever side arrives second, registration
// or exit, completes the handoff and performs the single final reap.
package reaper

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Exit describes one observed process termination.
type Exit struct {
	Pid       int
	Status    int
	Timestamp time.Time
}

// Supervisor owns the pid to subscription associations. It holds no task
// or process records, only exits and waiters keyed by pid.
type Supervisor struct {
	platform Platform

	mu sync.Mutex
	// pending holds exits observed before anyone subscribed. Their
	// kernel bookkeeping is intentionally not consumed yet.
	pending map[int]Exit
	// waiting holds subscriptions for pids that have not exited yet. A
	// pid may carry several, one per Subscribe call.
	waiting map[int][]chan Exit

	notify chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func New(platform Platform) *Supervisor {
	return &Supervisor{
		platform: platform,
		pending:  make(map[int]Exit),
		waiting:  make(map[int][]chan Exit),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins listening for child state changes.
func (s *Supervisor) Start() error {
	if err := s.platform.Notify(s.notify); err != nil {
		return err
	}
	go s.run()
	return nil
}

// Stop tears down the listener. Pending exits are discarded; subscriptions
// already satisfied are unaffected.
func (s *Supervisor) Stop() {
	s.platform.Stop()
	close(s.stopCh)
	<-s.doneCh
}

// Subscribe registers interest in pid's exit. The returned channel yields
// exactly one Exit and is then closed, regardless of whether the process
// exited before or after this call. Subscribing the same pid more than
// once is fine; every subscription receives the exit.
func (s *Supervisor) Subscribe(pid int) <-chan Exit {
	ch := make(chan Exit, 1)

	s.mu.Lock()
	if e, ok := s.pending[pid]; ok {
		delete(s.pending, pid)
		s.mu.Unlock()
		s.deliver([]chan Exit{ch}, e)
		// a reaped slot may have been shadowing another zombie
		s.kick()
		return ch
	}

	// The listener only sees one zombie at a time through the
	// non-consuming peek, so a second exited child can be hidden until
	// the first is claimed. A targeted peek catches that case.
	if e, ok, err := s.platform.Peek(pid); err == nil && ok {
		chs := append(s.waiting[pid], ch)
		delete(s.waiting, pid)
		s.mu.Unlock()
		s.deliver(chs, e)
		s.kick()
		return ch
	}

	s.waiting[pid] = append(s.waiting[pid], ch)
	s.mu.Unlock()
	return ch
}

// Kill sends sig to pid through the platform layer.
func (s *Supervisor) Kill(pid int, sig int) error {
	return s.platform.Kill(pid, sig)
}

// deliver performs the single final reap for e.Pid and completes every
// subscription channel for it.
func (s *Supervisor) deliver(chs []chan Exit, e Exit) {
	if status, err := s.platform.Reap(e.Pid); err != nil {
		// No information available for this pid anymore; keep the
		// peeked status. Never fatal.
		klog.V(1).InfoS("could not reap process, using peeked status", "pid", e.Pid, "err", err)
	} else {
		e.Status = status
	}
	for _, ch := range chs {
		ch <- e
		close(ch)
	}
}

func (s *Supervisor) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.notify:
			s.drain()
		case <-s.stopCh:
			return
		}
	}
}

// kick schedules another drain pass without blocking.
func (s *Supervisor) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain observes exited children until no new information is available.
func (s *Supervisor) drain() {
	for {
		e, ok, err := s.platform.Peek(0)
		if err != nil {
			klog.V(1).InfoS("peeking for exited children failed", "err", err)
			return
		}
		if !ok {
			return
		}

		s.mu.Lock()
		if chs, subscribed := s.waiting[e.Pid]; subscribed {
			delete(s.waiting, e.Pid)
			s.mu.Unlock()
			s.deliver(chs, e)
			// reaped, the next peek can surface another child
			continue
		}
		if _, seen := s.pending[e.Pid]; !seen {
			s.pending[e.Pid] = e
			klog.V(1).InfoS("exit observed before registration, parked", "pid", e.Pid, "status", e.Status)
		}
		// The head zombie stays unclaimed, so the non-consuming peek
		// cannot show anything past it until a subscriber reaps it.
		// Registered pids hidden behind it are found individually.
		s.checkWaitingLocked()
		s.mu.Unlock()
		return
	}
}

// checkWaitingLocked targeted-peeks every registered pid so an exit hidden
// behind an unclaimed zombie is still delivered. Caller holds s.mu.
func (s *Supervisor) checkWaitingLocked() {
	for pid, chs := range s.waiting {
		if e, ok, err := s.platform.Peek(pid); err == nil && ok {
			delete(s.waiting, pid)
			s.deliver(chs, e)
		}
	}
}
