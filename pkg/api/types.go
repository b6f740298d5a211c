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

// Package api holds the caller-visible types of the shim's task contract.
// The orchestrator-side client and the shim's service layer both depend on
// this package and nothing below it.
package api

import "time"

// Status is the caller-visible lifecycle state of a task or process.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusDeleted Status = "deleted"
)

// ProcessSpec describes the program an exec process runs inside the task's
// namespaces. The init process comes from the bundle instead.
type ProcessSpec struct {
	Args     []string `json:"args" binding:"required,min=1"`
	Env      []string `json:"env,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	Terminal bool     `json:"terminal,omitempty"`
}

// StdioConfig selects the standard-stream routing for a process. An empty
// path means the stream is discarded. Non-empty paths must name fifos that
// already exist; the caller owns their lifetime.
type StdioConfig struct {
	Stdin    string `json:"stdin,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
}

type CreateTaskRequest struct {
	ID      string            `json:"id" binding:"required,taskid"`
	Bundle  string            `json:"bundle" binding:"required"`
	Stdio   StdioConfig       `json:"stdio"`
	Options map[string]string `json:"options,omitempty"`
}

type CreateTaskResponse struct {
	Pid int `json:"pid"`
}

type StartRequest struct {
	ExecID string `json:"execId,omitempty" binding:"omitempty,taskid"`
}

type StartResponse struct {
	Pid int `json:"pid"`
}

type ExecRequest struct {
	ExecID string      `json:"execId" binding:"required,taskid"`
	Spec   ProcessSpec `json:"spec" binding:"required"`
	Stdio  StdioConfig `json:"stdio"`
}

type ResizePtyRequest struct {
	ExecID string `json:"execId,omitempty" binding:"omitempty,taskid"`
	Cols   uint16 `json:"cols" binding:"required"`
	Rows   uint16 `json:"rows" binding:"required"`
}

type KillRequest struct {
	ExecID string `json:"execId,omitempty" binding:"omitempty,taskid"`
	Signal int    `json:"signal" binding:"required,gte=1,lte=64"`
	All    bool   `json:"all,omitempty"`
}

type WaitResponse struct {
	ExitCode int       `json:"exitCode"`
	ExitedAt time.Time `json:"exitedAt"`
}

// StateResponse is a point-in-time snapshot of one process.
type StateResponse struct {
	ID       string    `json:"id"`
	ExecID   string    `json:"execId,omitempty"`
	Bundle   string    `json:"bundle,omitempty"`
	Status   Status    `json:"status"`
	Pid      int       `json:"pid,omitempty"`
	ExitCode int       `json:"exitCode,omitempty"`
	ExitedAt time.Time `json:"exitedAt,omitzero"`
}

type DeleteResponse struct {
	Pid      int       `json:"pid"`
	ExitCode int       `json:"exitCode"`
	ExitedAt time.Time `json:"exitedAt"`
}

type CheckpointRequest struct {
	Path         string `json:"path" binding:"required"`
	LeaveRunning bool   `json:"leaveRunning,omitempty"`
}

type ConnectResponse struct {
	Address string `json:"address"`
	ShimPid int    `json:"shimPid"`
}

// Topics for lifecycle events published to the orchestrator.
const (
	TopicTaskCreate  = "/tasks/create"
	TopicTaskStart   = "/tasks/start"
	TopicTaskExec    = "/tasks/exec-added"
	TopicExecStarted = "/tasks/exec-started"
	TopicTaskPaused  = "/tasks/paused"
	TopicTaskResumed = "/tasks/resumed"
	TopicTaskExit    = "/tasks/exit"
	TopicTaskDelete  = "/tasks/delete"
)

// Event is a single lifecycle transition. Events for the same task are
// delivered in the order the transitions happened; no ordering is promised
// across tasks.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"taskId"`
	ExecID    string    `json:"execId,omitempty"`
	Pid       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	ExitedAt  time.Time `json:"exitedAt,omitzero"`
}
