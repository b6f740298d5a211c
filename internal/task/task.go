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

package task

import (
	"context"
	"sync"
	"time"

	"github.com/containershim/runshim/internal/errdefs"
	"github.com/containershim/runshim/internal/stdio"
	"github.com/containershim/runshim/pkg/api"
)

// Process is one OS-level process belonging to a task: the init process
// (empty exec id) or an exec.
type Process struct {
	// ExecID is empty for the init process.
	ExecID string
	Spec   *api.ProcessSpec
	IO     *stdio.IO

	mu       sync.Mutex
	pid      int
	status   api.Status
	exitCode int
	exitedAt time.Time
	waitCh   chan struct{}
}

func newProcess(execID string, io *stdio.IO) *Process {
	return &Process{
		ExecID: execID,
		IO:     io,
		status: api.StatusCreated,
		waitCh: make(chan struct{}),
	}
}

func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) Status() api.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) setStarted(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pid = pid
	p.status = api.StatusRunning
}

// setExited records the terminal status exactly once; later calls are
// ignored so a process never leaves Stopped and exitedAt never changes.
func (p *Process) setExited(code int, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exitedAt.IsZero() {
		return false
	}
	p.exitCode = code
	p.exitedAt = at
	p.status = api.StatusStopped
	close(p.waitCh)
	return true
}

// ExitStatus is only meaningful once Status is Stopped.
func (p *Process) ExitStatus() (int, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitedAt
}

// Wait suspends the caller until the process exits or ctx ends.
func (p *Process) Wait(ctx context.Context) (int, time.Time, error) {
	select {
	case <-p.waitCh:
		code, at := p.ExitStatus()
		return code, at, nil
	case <-ctx.Done():
		return 0, time.Time{}, errdefs.ErrCancelled
	}
}

// Task is one managed container instance. All mutation happens with mu
// held, the per-task serialization point; operations on distinct tasks
// never contend.
type Task struct {
	ID      string
	Bundle  string
	workdir string

	mu    sync.Mutex
	state api.Status
	init  *Process
	execs map[string]*Process
}

// snapshot returns the caller-visible state of the task or one of its
// processes. Caller holds t.mu.
func (t *Task) snapshotLocked(execID string) (api.StateResponse, error) {
	p := t.init
	status := t.state
	if execID != "" {
		var ok bool
		if p, ok = t.execs[execID]; !ok {
			return api.StateResponse{}, errdefs.NotFoundf("exec %s in task %s", execID, t.ID)
		}
		status = p.Status()
	}
	resp := api.StateResponse{
		ID:     t.ID,
		ExecID: execID,
		Bundle: t.Bundle,
		Status: status,
	}
	if p != nil {
		resp.Pid = p.Pid()
		resp.ExitCode, resp.ExitedAt = p.ExitStatus()
	}
	return resp, nil
}

// process resolves an exec id to its process. Caller holds t.mu.
func (t *Task) processLocked(execID string) (*Process, error) {
	if execID == "" {
		if t.init == nil {
			return nil, errdefs.NotFoundf("task %s has no init process", t.ID)
		}
		return t.init, nil
	}
	p, ok := t.execs[execID]
	if !ok {
		return nil, errdefs.NotFoundf("exec %s in task %s", execID, t.ID)
	}
	return p, nil
}
