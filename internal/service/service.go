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

// Package service exposes the task contract over HTTP. It validates
// requests, translates the error taxonomy to status codes and leaves all
// lifecycle decisions to the task manager.
package service

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/containershim/runshim/internal/errdefs"
	"github.com/containershim/runshim/pkg/api"
)

// TaskAPI is the slice of the task manager the handlers call.
type TaskAPI interface {
	Create(ctx context.Context, req api.CreateTaskRequest) (int, error)
	Start(ctx context.Context, id, execID string) (int, error)
	Exec(ctx context.Context, id string, req api.ExecRequest) error
	Kill(ctx context.Context, id string, req api.KillRequest) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Wait(ctx context.Context, id, execID string) (api.WaitResponse, error)
	State(ctx context.Context, id, execID string) (api.StateResponse, error)
	List(ctx context.Context) []api.StateResponse
	Attach(ctx context.Context, id, execID string, w io.Writer, r io.Reader) error
	ResizePty(ctx context.Context, id string, req api.ResizePtyRequest) error
	Checkpoint(ctx context.Context, id string, req api.CheckpointRequest) error
	Delete(ctx context.Context, id, execID string) (api.DeleteResponse, error)
	Shutdown(ctx context.Context) error
}

// EventSource hands out live event subscriptions for streaming clients.
type EventSource interface {
	Subscribe() (<-chan api.Event, func())
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	manager TaskAPI
	events  EventSource
	address string
	// onShutdown fires after a shutdown request has destroyed the
	// remaining tasks; the serving layer uses it to exit.
	onShutdown func()
}

func NewHandler(manager TaskAPI, events EventSource, address string, onShutdown func()) *Handler {
	return &Handler{
		manager:    manager,
		events:     events,
		address:    address,
		onShutdown: onShutdown,
	}
}

func NewRouter(h *Handler) http.Handler {
	RegisterValidators()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Health)

	v1 := r.Group("/v1")
	{
		v1.GET("/connect", h.Connect)
		v1.POST("/shutdown", h.Shutdown)
		v1.GET("/events", h.Events)

		v1.GET("/tasks", h.ListTasks)
		v1.POST("/tasks", h.CreateTask)
		v1.GET("/tasks/:id/state", h.State)
		v1.GET("/tasks/:id/wait", h.Wait)
		v1.GET("/tasks/:id/attach", h.Attach)
		v1.POST("/tasks/:id/start", h.StartTask)
		v1.POST("/tasks/:id/exec", h.ExecTask)
		v1.POST("/tasks/:id/kill", h.KillTask)
		v1.POST("/tasks/:id/pause", h.PauseTask)
		v1.POST("/tasks/:id/resume", h.ResumeTask)
		v1.POST("/tasks/:id/resize", h.ResizePty)
		v1.POST("/tasks/:id/checkpoint", h.Checkpoint)
		v1.DELETE("/tasks/:id", h.DeleteTask)
	}
	return r
}

func (h *Handler) CreateTask(c *gin.Context) {
	var req api.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.InvalidArgumentf("invalid request body: %v", err))
		return
	}

	pid, err := h.manager.Create(c.Request.Context(), req)
	if err != nil {
		klog.ErrorS(err, "failed to create task", "task", req.ID)
		writeError(c, err)
		return
	}
	klog.InfoS("task created via API", "task", req.ID, "pid", pid)
	c.JSON(http.StatusCreated, api.CreateTaskResponse{Pid: pid})
}

func (h *Handler) StartTask(c *gin.Context) {
	var req api.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.InvalidArgumentf("invalid request body: %v", err))
		return
	}

	pid, err := h.manager.Start(c.Request.Context(), c.Param("id"), req.ExecID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.StartResponse{Pid: pid})
}

func (h *Handler) ExecTask(c *gin.Context) {
	var req api.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.InvalidArgumentf("invalid request body: %v", err))
		return
	}

	if err := h.manager.Exec(c.Request.Context(), c.Param("id"), req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *Handler) KillTask(c *gin.Context) {
	var req api.KillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.InvalidArgumentf("invalid request body: %v", err))
		return
	}

	if err := h.manager.Kill(c.Request.Context(), c.Param("id"), req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) PauseTask(c *gin.Context) {
	if err := h.manager.Pause(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ResumeTask(c *gin.Context) {
	if err := h.manager.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ResizePty(c *gin.Context) {
	var req api.ResizePtyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.InvalidArgumentf("invalid request body: %v", err))
		return
	}

	if err := h.manager.ResizePty(c.Request.Context(), c.Param("id"), req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Checkpoint(c *gin.Context) {
	var req api.CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.InvalidArgumentf("invalid request body: %v", err))
		return
	}

	if err := h.manager.Checkpoint(c.Request.Context(), c.Param("id"), req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Wait blocks until the process exits; disconnects surface as Cancelled.
func (h *Handler) Wait(c *gin.Context) {
	res, err := h.manager.Wait(c.Request.Context(), c.Param("id"), c.Query("execId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) State(c *gin.Context) {
	st, err := h.manager.State(c.Request.Context(), c.Param("id"), c.Query("execId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.List(c.Request.Context()))
}

func (h *Handler) DeleteTask(c *gin.Context) {
	res, err := h.manager.Delete(c.Request.Context(), c.Param("id"), c.Query("execId"))
	if err != nil {
		writeError(c, err)
		return
	}
	klog.InfoS("task deleted via API", "task", c.Param("id"), "exec", c.Query("execId"))
	c.JSON(http.StatusOK, res)
}

// Connect reports how to reach this shim; orchestrators use it to rebind
// after a restart.
func (h *Handler) Connect(c *gin.Context) {
	c.JSON(http.StatusOK, api.ConnectResponse{
		Address: h.address,
		ShimPid: os.Getpid(),
	})
}

// Shutdown destroys all remaining tasks and then stops the shim.
func (h *Handler) Shutdown(c *gin.Context) {
	if err := h.manager.Shutdown(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
	if h.onShutdown != nil {
		h.onShutdown()
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func writeError(c *gin.Context, err error) {
	status := errdefs.ToHTTP(err)
	c.JSON(status, ErrorResponse{
		Code:    http.StatusText(status),
		Message: err.Error(),
	})
}
