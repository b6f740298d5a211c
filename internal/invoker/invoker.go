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

// Package invoker drives the external OCI runtime tool. Each operation is
// one tool invocation scoped to a single task or exec id; results and exit
// codes are parsed into typed outcomes. The invoker performs no retries;
// retry policy belongs to the task manager. It also relies on the
// manager's per-task serialization to never run two invocations for the
// same id concurrently.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/process"
	"k8s.io/klog/v2"

	"github.com/containershim/runshim/internal/errdefs"
	"github.com/containershim/runshim/pkg/api"
)

// Runner shells out to a runc-compatible binary.
type Runner struct {
	binary  string
	root    string
	scratch string
	mapper  ErrorMapper
}

// New returns a Runner driving binary with its state under root. scratch
// holds per-invocation log and spec files; every invocation gets its own
// file there so concurrent invocations for different ids never share
// mutable state.
func New(binary, root, scratch string, mapper ErrorMapper) (*Runner, error) {
	if binary == "" {
		return nil, fmt.Errorf("runtime binary cannot be empty")
	}
	if mapper == nil {
		mapper = DefaultMapper()
	}
	if err := os.MkdirAll(scratch, 0o711); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Runner{binary: binary, root: root, scratch: scratch, mapper: mapper}, nil
}

// CreateOpts carries the per-process plumbing for create and exec.
type CreateOpts struct {
	PidFile string
	Stdin   string
	Stdout  string
	Stderr  string
	// ConsolePath is the pty slave the process gets as its controlling
	// terminal. Set only for terminal sessions.
	ConsolePath string
	ExtraArgs   []string
}

// CheckpointOpts configures a checkpoint invocation.
type CheckpointOpts struct {
	ImagePath    string
	LeaveRunning bool
}

// Create asks the tool to set up the container and spawn its held init
// process, returning the init pid read from opts.PidFile.
func (r *Runner) Create(ctx context.Context, id, bundle string, opts CreateOpts) (int, error) {
	args := []string{"create", "--bundle", bundle}
	args = append(args, stdioArgs(opts)...)
	args = append(args, opts.ExtraArgs...)
	args = append(args, id)
	if _, err := r.run(ctx, "create", args...); err != nil {
		return 0, err
	}
	return readPidFile(opts.PidFile)
}

// Start releases the held init process.
func (r *Runner) Start(ctx context.Context, id string) (int, error) {
	if _, err := r.run(ctx, "start", id); err != nil {
		return 0, err
	}
	st, err := r.State(ctx, id)
	if err != nil {
		return 0, err
	}
	return st.Pid, nil
}

// Exec launches an additional process inside the task's namespaces. The
// process spec is passed to the tool through a scratch file; the pid comes
// back through opts.PidFile.
func (r *Runner) Exec(ctx context.Context, id, execID string, spec *api.ProcessSpec, opts CreateOpts) (int, error) {
	specPath := filepath.Join(r.scratch, uuid.NewString()+".json")
	data, err := json.Marshal(spec)
	if err != nil {
		return 0, errdefs.InvalidArgumentf("marshaling process spec for exec %s/%s: %v", id, execID, err)
	}
	if err := os.WriteFile(specPath, data, 0o600); err != nil {
		return 0, fmt.Errorf("failed to write process spec: %w", err)
	}
	defer os.Remove(specPath)

	args := []string{"exec", "--detach", "--process", specPath}
	args = append(args, stdioArgs(opts)...)
	args = append(args, opts.ExtraArgs...)
	args = append(args, id)
	if _, err := r.run(ctx, "exec", args...); err != nil {
		return 0, err
	}
	return readPidFile(opts.PidFile)
}

// Kill delivers sig to the container's init process, or to every process
// in the container when all is set.
func (r *Runner) Kill(ctx context.Context, id string, sig int, all bool) error {
	args := []string{"kill"}
	if all {
		args = append(args, "--all")
	}
	args = append(args, id, strconv.Itoa(sig))
	_, err := r.run(ctx, "kill", args...)
	return err
}

func (r *Runner) Pause(ctx context.Context, id string) error {
	_, err := r.run(ctx, "pause", id)
	return err
}

func (r *Runner) Resume(ctx context.Context, id string) error {
	_, err := r.run(ctx, "resume", id)
	return err
}

// Delete removes the tool's on-disk state for a stopped process and
// returns the terminal status the tool reports, if any.
func (r *Runner) Delete(ctx context.Context, id string, force bool) (DeleteResult, error) {
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)
	out, err := r.run(ctx, "delete", args...)
	if err != nil {
		return DeleteResult{}, err
	}
	return parseDeleteResult(bytes.TrimSpace(out)), nil
}

// State queries the tool for a point-in-time status. A stale "running"
// answer for a process that no longer exists is reported as stopped; the
// tool's state file can outlive the process across a shim restart.
func (r *Runner) State(ctx context.Context, id string) (*State, error) {
	out, err := r.run(ctx, "state", id)
	if err != nil {
		return nil, err
	}
	st, err := parseState(bytes.TrimSpace(out))
	if err != nil {
		return nil, err
	}
	if st.Status == StateRunning && st.Pid > 0 {
		if alive, err := process.PidExists(int32(st.Pid)); err == nil && !alive {
			klog.V(1).InfoS("runtime state is stale, pid gone", "id", id, "pid", st.Pid)
			st.Status = StateStopped
		}
	}
	return st, nil
}

// List enumerates the tool's known containers, used to reconcile after a
// shim restart.
func (r *Runner) List(ctx context.Context) ([]State, error) {
	out, err := r.run(ctx, "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		return nil, nil
	}
	var states []State
	if err := json.Unmarshal(out, &states); err != nil {
		return nil, errdefs.Internalf("parsing runtime list output: %v", err)
	}
	return states, nil
}

// Checkpoint snapshots a running task. Failures are surfaced, not retried.
func (r *Runner) Checkpoint(ctx context.Context, id string, opts CheckpointOpts) error {
	args := []string{"checkpoint", "--image-path", opts.ImagePath}
	if opts.LeaveRunning {
		args = append(args, "--leave-running")
	}
	args = append(args, id)
	_, err := r.run(ctx, "checkpoint", args...)
	return err
}

// run executes one tool invocation and maps a failure through the error
// table. stderr and the tool's JSON log both feed the mapper since runc
// splits messages between the two.
func (r *Runner) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	logPath := filepath.Join(r.scratch, uuid.NewString()+".log")
	defer os.Remove(logPath)

	full := []string{"--log", logPath, "--log-format", "json"}
	if r.root != "" {
		full = append([]string{"--root", r.root}, full...)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, r.binary, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	klog.V(2).InfoS("invoking runtime", "op", op, "args", args)
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		output := stderr.String()
		if msg := readLogError(logPath); msg != "" {
			output += "\n" + msg
		}
		return nil, r.mapper.Map(op, exitErr.ExitCode(), output)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Unavailablef("runtime tool %s: %v", r.binary, err)
	}
	return nil, errdefs.Internalf("%s: running %s: %v", op, r.binary, err)
}

func stdioArgs(opts CreateOpts) []string {
	var args []string
	if opts.PidFile != "" {
		args = append(args, "--pid-file", opts.PidFile)
	}
	if opts.ConsolePath != "" {
		args = append(args, "--console", opts.ConsolePath)
		return args
	}
	if opts.Stdin != "" {
		args = append(args, "--stdin", opts.Stdin)
	}
	if opts.Stdout != "" {
		args = append(args, "--stdout", opts.Stdout)
	}
	if opts.Stderr != "" {
		args = append(args, "--stderr", opts.Stderr)
	}
	return args
}

func readPidFile(path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errdefs.Internalf("reading pid file %s: %v", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errdefs.Internalf("parsing pid file %s: %v", path, err)
	}
	return pid, nil
}

// readLogError pulls the last error entry from the tool's JSON log file.
func readLogError(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var last string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var entry struct {
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Level == "error" || entry.Level == "fatal" {
			last = entry.Msg
		}
	}
	return last
}
