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

// Package task owns the lifecycle of managed containers: the registry of
// live tasks, the Created, Running, Paused and Stopped transitions, and
// the bridge between runtime tool invocations and supervisor exit
// notifications. Operations on the same task are serialized on the task's
// lock; operations on different tasks proceed independently.
package task

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/containershim/runshim/internal/config"
	"github.com/containershim/runshim/internal/errdefs"
	"github.com/containershim/runshim/internal/invoker"
	"github.com/containershim/runshim/internal/reaper"
	"github.com/containershim/runshim/internal/stdio"
	"github.com/containershim/runshim/internal/utils"
	"github.com/containershim/runshim/pkg/api"
)

const sigKill = 9

// RuntimeInvoker is the slice of the runtime tool the manager drives.
type RuntimeInvoker interface {
	Create(ctx context.Context, id, bundle string, opts invoker.CreateOpts) (int, error)
	Start(ctx context.Context, id string) (int, error)
	Exec(ctx context.Context, id, execID string, spec *api.ProcessSpec, opts invoker.CreateOpts) (int, error)
	Kill(ctx context.Context, id string, sig int, all bool) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string, force bool) (invoker.DeleteResult, error)
	Checkpoint(ctx context.Context, id string, opts invoker.CheckpointOpts) error
}

// ExitSubscriber hands out exit notifications for spawned pids and carries
// signals to individual processes.
type ExitSubscriber interface {
	Subscribe(pid int) <-chan reaper.Exit
	Kill(pid int, sig int) error
}

// EventEmitter receives lifecycle events. Emit must not block; the
// publisher behind it owns queueing and retries.
type EventEmitter interface {
	Emit(ev api.Event)
}

// Manager is the registry of live tasks and the single writer of their
// lifecycle state.
type Manager struct {
	cfg        *config.Config
	invoker    RuntimeInvoker
	supervisor ExitSubscriber
	events     EventEmitter

	mu    sync.RWMutex
	tasks map[string]*Task

	exits  chan procExit
	stopCh chan struct{}
	doneCh chan struct{}
}

type procExit struct {
	task *Task
	proc *Process
	exit reaper.Exit
}

func NewManager(cfg *config.Config, inv RuntimeInvoker, sup ExitSubscriber, events EventEmitter) *Manager {
	m := &Manager{
		cfg:        cfg,
		invoker:    inv,
		supervisor: sup,
		events:     events,
		tasks:      make(map[string]*Task),
		exits:      make(chan procExit, 32),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// Close stops the exit dispatch loop. Tasks are left as they are; forced
// cleanup is the caller's decision via Destroy.
func (m *Manager) Close() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) get(id string) (*Task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errdefs.NotFoundf("task %s", id)
	}
	return t, nil
}

// lockLive acquires the task's lock and verifies the task was not deleted
// while the caller waited for it.
func lockLive(t *Task) error {
	t.mu.Lock()
	if t.state == api.StatusDeleted {
		t.mu.Unlock()
		return errdefs.NotFoundf("task %s", t.ID)
	}
	return nil
}

// Create registers the task, sets up its stdio routing and asks the
// runtime tool to prepare the container. The registry entry exists before
// the tool runs so a concurrent duplicate fails fast with AlreadyExists.
func (m *Manager) Create(ctx context.Context, req api.CreateTaskRequest) (int, error) {
	workdir, err := utils.SafeJoin(m.cfg.Root, req.ID)
	if err != nil {
		return 0, errdefs.InvalidArgumentf("task id %s: %v", req.ID, err)
	}

	t := &Task{
		ID:      req.ID,
		Bundle:  req.Bundle,
		workdir: workdir,
		state:   api.StatusCreated,
		execs:   make(map[string]*Process),
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	m.mu.Lock()
	if _, ok := m.tasks[req.ID]; ok {
		m.mu.Unlock()
		return 0, errdefs.AlreadyExistsf("task %s", req.ID)
	}
	m.tasks[req.ID] = t
	m.mu.Unlock()

	pid, err := m.createLocked(ctx, t, req)
	if err != nil {
		t.state = api.StatusDeleted
		m.mu.Lock()
		delete(m.tasks, req.ID)
		m.mu.Unlock()
		return 0, err
	}
	m.emit(api.Event{Topic: api.TopicTaskCreate, TaskID: t.ID, Pid: pid})
	return pid, nil
}

func (m *Manager) createLocked(ctx context.Context, t *Task, req api.CreateTaskRequest) (int, error) {
	if err := os.MkdirAll(t.workdir, 0o711); err != nil {
		return 0, errdefs.Internalf("creating task workdir: %v", err)
	}

	io, err := stdio.Setup(stdio.Config{
		Stdin:    req.Stdio.Stdin,
		Stdout:   req.Stdio.Stdout,
		Stderr:   req.Stdio.Stderr,
		Terminal: req.Stdio.Terminal,
	}, m.cfg.ConsoleBufferSize)
	if err != nil {
		return 0, err
	}

	// Caller disconnect must not abandon a half-created container.
	pid, err := m.invoker.Create(context.WithoutCancel(ctx), t.ID, t.Bundle, m.createOpts(t, "", io))
	if err != nil {
		io.Close()
		os.RemoveAll(t.workdir)
		return 0, err
	}

	init := newProcess("", io)
	init.mu.Lock()
	init.pid = pid
	init.mu.Unlock()
	t.init = init
	m.watch(t, init)
	return pid, nil
}

func (m *Manager) createOpts(t *Task, execID string, io *stdio.IO) invoker.CreateOpts {
	name := "init"
	if execID != "" {
		name = execID
	}
	opts := invoker.CreateOpts{PidFile: filepath.Join(t.workdir, name+".pid")}
	if c := io.Console(); c != nil {
		opts.ConsolePath = c.TTYPath()
	} else {
		opts.Stdin, opts.Stdout, opts.Stderr = io.Paths()
	}
	return opts
}

// Start releases a created init process, or launches a previously added
// exec process.
func (m *Manager) Start(ctx context.Context, id, execID string) (int, error) {
	t, err := m.get(id)
	if err != nil {
		return 0, err
	}
	if err := lockLive(t); err != nil {
		return 0, err
	}
	defer t.mu.Unlock()

	if execID == "" {
		if t.state != api.StatusCreated {
			return 0, errdefs.FailedPreconditionf("cannot start task %s in state %s", id, t.state)
		}
		pid, err := m.invoker.Start(context.WithoutCancel(ctx), id)
		if err != nil {
			return 0, err
		}
		if pid == 0 {
			pid = t.init.Pid()
		}
		t.state = api.StatusRunning
		t.init.setStarted(pid)
		m.emit(api.Event{Topic: api.TopicTaskStart, TaskID: id, Pid: pid})
		return pid, nil
	}

	p, ok := t.execs[execID]
	if !ok {
		return 0, errdefs.NotFoundf("exec %s in task %s", execID, id)
	}
	if p.Status() != api.StatusCreated {
		return 0, errdefs.FailedPreconditionf("cannot start exec %s/%s in state %s", id, execID, p.Status())
	}
	if t.state != api.StatusRunning && t.state != api.StatusPaused {
		return 0, errdefs.FailedPreconditionf("cannot start exec in task %s in state %s", id, t.state)
	}

	pid, err := m.invoker.Exec(context.WithoutCancel(ctx), id, execID, p.Spec, m.createOpts(t, execID, p.IO))
	if err != nil {
		return 0, err
	}
	p.setStarted(pid)
	m.watch(t, p)
	m.emit(api.Event{Topic: api.TopicExecStarted, TaskID: id, ExecID: execID, Pid: pid})
	return pid, nil
}

// Exec registers an additional process without launching it; Start with
// the exec id does that.
func (m *Manager) Exec(ctx context.Context, id string, req api.ExecRequest) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := lockLive(t); err != nil {
		return err
	}
	defer t.mu.Unlock()

	if t.state != api.StatusRunning && t.state != api.StatusPaused {
		return errdefs.FailedPreconditionf("cannot add exec to task %s in state %s", id, t.state)
	}
	if _, ok := t.execs[req.ExecID]; ok {
		return errdefs.AlreadyExistsf("exec %s in task %s", req.ExecID, id)
	}

	io, err := stdio.Setup(stdio.Config{
		Stdin:    req.Stdio.Stdin,
		Stdout:   req.Stdio.Stdout,
		Stderr:   req.Stdio.Stderr,
		Terminal: req.Stdio.Terminal,
	}, m.cfg.ConsoleBufferSize)
	if err != nil {
		return err
	}

	p := newProcess(req.ExecID, io)
	spec := req.Spec
	p.Spec = &spec
	t.execs[req.ExecID] = p
	m.emit(api.Event{Topic: api.TopicTaskExec, TaskID: id, ExecID: req.ExecID})
	return nil
}

// Kill delivers a signal. Container-level signals (empty exec id) go
// through the runtime tool so group delivery works; exec processes are
// signalled directly by pid.
func (m *Manager) Kill(ctx context.Context, id string, req api.KillRequest) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := lockLive(t); err != nil {
		return err
	}
	defer t.mu.Unlock()

	p, err := t.processLocked(req.ExecID)
	if err != nil {
		return err
	}
	if p.Status() == api.StatusStopped {
		return errdefs.NotFoundf("process %s/%s already finished", id, req.ExecID)
	}

	if req.ExecID == "" {
		if t.state != api.StatusRunning && t.state != api.StatusPaused {
			return errdefs.FailedPreconditionf("cannot kill task %s in state %s", id, t.state)
		}
		return m.invoker.Kill(context.WithoutCancel(ctx), id, req.Signal, req.All)
	}

	if p.Status() != api.StatusRunning {
		return errdefs.FailedPreconditionf("cannot kill exec %s/%s in state %s", id, req.ExecID, p.Status())
	}
	return m.supervisor.Kill(p.Pid(), req.Signal)
}

func (m *Manager) Pause(ctx context.Context, id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := lockLive(t); err != nil {
		return err
	}
	defer t.mu.Unlock()

	if t.state != api.StatusRunning {
		return errdefs.FailedPreconditionf("cannot pause task %s in state %s", id, t.state)
	}
	if err := m.invoker.Pause(context.WithoutCancel(ctx), id); err != nil {
		return err
	}
	t.state = api.StatusPaused
	m.emit(api.Event{Topic: api.TopicTaskPaused, TaskID: id})
	return nil
}

func (m *Manager) Resume(ctx context.Context, id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := lockLive(t); err != nil {
		return err
	}
	defer t.mu.Unlock()

	if t.state != api.StatusPaused {
		return errdefs.FailedPreconditionf("cannot resume task %s in state %s", id, t.state)
	}
	if err := m.invoker.Resume(context.WithoutCancel(ctx), id); err != nil {
		return err
	}
	t.state = api.StatusRunning
	m.emit(api.Event{Topic: api.TopicTaskResumed, TaskID: id})
	return nil
}

// Wait blocks until the process exits or ctx ends. It takes no task lock
// while blocked, so other operations on the task proceed.
func (m *Manager) Wait(ctx context.Context, id, execID string) (api.WaitResponse, error) {
	t, err := m.get(id)
	if err != nil {
		return api.WaitResponse{}, err
	}
	if err := lockLive(t); err != nil {
		return api.WaitResponse{}, err
	}
	p, err := t.processLocked(execID)
	t.mu.Unlock()
	if err != nil {
		return api.WaitResponse{}, err
	}

	code, at, err := p.Wait(ctx)
	if err != nil {
		return api.WaitResponse{}, err
	}
	return api.WaitResponse{ExitCode: code, ExitedAt: at}, nil
}

// State reports a point-in-time snapshot. Reads never disturb lifecycle
// state.
func (m *Manager) State(ctx context.Context, id, execID string) (api.StateResponse, error) {
	t, err := m.get(id)
	if err != nil {
		return api.StateResponse{}, err
	}
	if err := lockLive(t); err != nil {
		return api.StateResponse{}, err
	}
	defer t.mu.Unlock()
	return t.snapshotLocked(execID)
}

// List snapshots every live task.
func (m *Manager) List(ctx context.Context) []api.StateResponse {
	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.RUnlock()

	out := make([]api.StateResponse, 0, len(tasks))
	for _, t := range tasks {
		if lockLive(t) != nil {
			continue
		}
		if st, err := t.snapshotLocked(""); err == nil {
			out = append(out, st)
		}
		t.mu.Unlock()
	}
	return out
}

// ResizePty adjusts the terminal window of an interactive process.
func (m *Manager) ResizePty(ctx context.Context, id string, req api.ResizePtyRequest) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := lockLive(t); err != nil {
		return err
	}
	defer t.mu.Unlock()

	p, err := t.processLocked(req.ExecID)
	if err != nil {
		return err
	}
	console := p.IO.Console()
	if console == nil {
		return errdefs.InvalidArgumentf("process %s/%s has no terminal", id, req.ExecID)
	}
	return console.Resize(req.Cols, req.Rows)
}

// Attach connects a console consumer to an interactive process. Output
// produced before the first attach is replayed from the bounded buffer.
func (m *Manager) Attach(ctx context.Context, id, execID string, w io.Writer, r io.Reader) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := lockLive(t); err != nil {
		return err
	}
	p, err := t.processLocked(execID)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	console := p.IO.Console()
	if console == nil {
		return errdefs.InvalidArgumentf("process %s/%s has no terminal", id, execID)
	}
	return console.Attach(w, r)
}

// Checkpoint snapshots a running task to disk.
func (m *Manager) Checkpoint(ctx context.Context, id string, req api.CheckpointRequest) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := lockLive(t); err != nil {
		return err
	}
	defer t.mu.Unlock()

	if t.state != api.StatusRunning {
		return errdefs.FailedPreconditionf("cannot checkpoint task %s in state %s", id, t.state)
	}
	return m.invoker.Checkpoint(context.WithoutCancel(ctx), id, invoker.CheckpointOpts{
		ImagePath:    req.Path,
		LeaveRunning: req.LeaveRunning,
	})
}

// Delete removes a stopped process, or the whole task when exec id is
// empty. Deleting a task that still runs is refused; forced teardown is
// Destroy's job.
func (m *Manager) Delete(ctx context.Context, id, execID string) (api.DeleteResponse, error) {
	t, err := m.get(id)
	if err != nil {
		return api.DeleteResponse{}, err
	}
	if err := lockLive(t); err != nil {
		return api.DeleteResponse{}, err
	}
	defer t.mu.Unlock()

	if execID != "" {
		p, ok := t.execs[execID]
		if !ok {
			return api.DeleteResponse{}, errdefs.NotFoundf("exec %s in task %s", execID, id)
		}
		if p.Status() != api.StatusStopped && p.Status() != api.StatusCreated {
			return api.DeleteResponse{}, errdefs.FailedPreconditionf("cannot delete exec %s/%s in state %s", id, execID, p.Status())
		}
		delete(t.execs, execID)
		p.IO.Close()
		code, at := p.ExitStatus()
		return api.DeleteResponse{Pid: p.Pid(), ExitCode: code, ExitedAt: at}, nil
	}

	if t.state != api.StatusStopped && t.state != api.StatusCreated {
		return api.DeleteResponse{}, errdefs.FailedPreconditionf("cannot delete task %s in state %s", id, t.state)
	}
	for eid, p := range t.execs {
		if p.Status() == api.StatusRunning {
			return api.DeleteResponse{}, errdefs.FailedPreconditionf("task %s still has running exec %s", id, eid)
		}
	}
	return m.removeLocked(context.WithoutCancel(ctx), t, false)
}

// removeLocked tears the task's runtime state down and drops it from the
// registry. Caller holds t.mu.
func (m *Manager) removeLocked(ctx context.Context, t *Task, force bool) (api.DeleteResponse, error) {
	res, err := m.invoker.Delete(ctx, t.ID, force)
	if err != nil && !errdefs.IsNotFound(err) {
		return api.DeleteResponse{}, err
	}

	init := t.init
	resp := api.DeleteResponse{}
	if init != nil {
		// The supervisor's observation is authoritative; the tool's
		// report only fills in when the shim never saw the exit.
		if res.Known {
			init.setExited(res.ExitCode, res.ExitedAt)
		}
		resp.Pid = init.Pid()
		resp.ExitCode, resp.ExitedAt = init.ExitStatus()
		init.IO.Close()
	}
	for _, p := range t.execs {
		p.IO.Close()
	}

	t.state = api.StatusDeleted
	m.mu.Lock()
	delete(m.tasks, t.ID)
	m.mu.Unlock()

	if err := os.RemoveAll(t.workdir); err != nil {
		klog.ErrorS(err, "failed to remove task workdir", "task", t.ID, "dir", t.workdir)
	}
	m.emit(api.Event{Topic: api.TopicTaskDelete, TaskID: t.ID, Pid: resp.Pid, ExitCode: resp.ExitCode, ExitedAt: resp.ExitedAt})
	return resp, nil
}

// Destroy force-stops and removes a task: SIGKILL the process group, wait
// a bounded time for the init exit, then delete the runtime state with
// force. Used at shim shutdown so no process is left unsupervised.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := lockLive(t); err != nil {
		return err
	}

	var waitCh chan struct{}
	if t.state == api.StatusRunning || t.state == api.StatusPaused {
		if err := m.invoker.Kill(ctx, t.ID, sigKill, true); err != nil && !errdefs.IsNotFound(err) {
			klog.ErrorS(err, "failed to kill task during destroy", "task", id)
		}
		waitCh = t.init.waitCh
	}
	t.mu.Unlock()

	if waitCh != nil {
		select {
		case <-waitCh:
		case <-time.After(m.cfg.DeleteTimeout):
			klog.InfoS("task did not exit after SIGKILL, deleting with force", "task", id)
		case <-ctx.Done():
			return errdefs.ErrCancelled
		}
	}

	if err := lockLive(t); err != nil {
		// someone else finished the removal meanwhile
		return nil
	}
	defer t.mu.Unlock()
	_, err = m.removeLocked(context.WithoutCancel(ctx), t, true)
	return err
}

// Shutdown destroys every remaining task. It is the terminal operation;
// the serving layer exits once it returns.
func (m *Manager) Shutdown(ctx context.Context) error {
	// a caller that disconnects mid-request must not abort the teardown
	ctx = context.WithoutCancel(ctx)

	m.mu.RLock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil && !errdefs.IsNotFound(err) {
			klog.ErrorS(err, "failed to destroy task during shutdown", "task", id)
		}
	}
	return nil
}

// watch forwards the process's exit notification into the dispatch loop.
// Caller holds t.mu.
func (m *Manager) watch(t *Task, p *Process) {
	ch := m.supervisor.Subscribe(p.Pid())
	go func() {
		e, ok := <-ch
		if !ok {
			return
		}
		select {
		case m.exits <- procExit{task: t, proc: p, exit: e}:
		case <-m.stopCh:
		}
	}()
}

// dispatch is the single goroutine applying exit transitions, so exits
// for one task are ordered and never race lifecycle operations.
func (m *Manager) dispatch() {
	defer close(m.doneCh)
	for {
		select {
		case pe := <-m.exits:
			m.handleExit(pe)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handleExit(pe procExit) {
	t, p, e := pe.task, pe.proc, pe.exit

	t.mu.Lock()
	defer t.mu.Unlock()
	if !p.setExited(e.Status, e.Timestamp) {
		return
	}
	if p.ExecID == "" && t.state != api.StatusDeleted {
		t.state = api.StatusStopped
	}
	klog.InfoS("process exited", "task", t.ID, "exec", p.ExecID, "pid", e.Pid, "status", e.Status)
	m.emit(api.Event{
		Topic:    api.TopicTaskExit,
		TaskID:   t.ID,
		ExecID:   p.ExecID,
		Pid:      e.Pid,
		ExitCode: e.Status,
		ExitedAt: e.Timestamp,
	})
}

// emit stamps and forwards one lifecycle event. Called with the task lock
// held so events for a task leave in transition order.
func (m *Manager) emit(ev api.Event) {
	if m.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.events.Emit(ev)
}
