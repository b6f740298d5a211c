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

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containershim/runshim/internal/errdefs"
	"github.com/containershim/runshim/pkg/api"
)

// fakeManager returns canned results and records what it was asked.
type fakeManager struct {
	err       error
	pid       int
	lastKill  api.KillRequest
	lastExec  api.ExecRequest
	shutdowns int
}

func (f *fakeManager) Create(_ context.Context, req api.CreateTaskRequest) (int, error) {
	return f.pid, f.err
}

func (f *fakeManager) Start(_ context.Context, id, execID string) (int, error) {
	return f.pid, f.err
}

func (f *fakeManager) Exec(_ context.Context, id string, req api.ExecRequest) error {
	f.lastExec = req
	return f.err
}

func (f *fakeManager) Kill(_ context.Context, id string, req api.KillRequest) error {
	f.lastKill = req
	return f.err
}

func (f *fakeManager) Pause(_ context.Context, id string) error  { return f.err }
func (f *fakeManager) Resume(_ context.Context, id string) error { return f.err }

func (f *fakeManager) Wait(_ context.Context, id, execID string) (api.WaitResponse, error) {
	return api.WaitResponse{ExitCode: 42, ExitedAt: time.Now()}, f.err
}

func (f *fakeManager) State(_ context.Context, id, execID string) (api.StateResponse, error) {
	return api.StateResponse{ID: id, ExecID: execID, Status: api.StatusRunning, Pid: f.pid}, f.err
}

func (f *fakeManager) List(_ context.Context) []api.StateResponse {
	return []api.StateResponse{{ID: "t1", Status: api.StatusRunning}}
}

func (f *fakeManager) Attach(_ context.Context, id, execID string, w io.Writer, r io.Reader) error {
	if f.err != nil {
		return f.err
	}
	_, err := w.Write([]byte("console output"))
	return err
}

func (f *fakeManager) ResizePty(_ context.Context, id string, req api.ResizePtyRequest) error {
	return f.err
}

func (f *fakeManager) Checkpoint(_ context.Context, id string, req api.CheckpointRequest) error {
	return f.err
}

func (f *fakeManager) Delete(_ context.Context, id, execID string) (api.DeleteResponse, error) {
	return api.DeleteResponse{Pid: f.pid, ExitCode: 0}, f.err
}

func (f *fakeManager) Shutdown(_ context.Context) error {
	f.shutdowns++
	return f.err
}

func newTestRouter(f *fakeManager, events EventSource) http.Handler {
	return NewRouter(NewHandler(f, events, "unix:///tmp/test.sock", nil))
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateTask(t *testing.T) {
	f := &fakeManager{pid: 1234}
	r := newTestRouter(f, nil)

	w := doJSON(t, r, http.MethodPost, "/v1/tasks", api.CreateTaskRequest{ID: "t1", Bundle: "/b"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp api.CreateTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1234, resp.Pid)
}

func TestCreateTaskValidation(t *testing.T) {
	r := newTestRouter(&fakeManager{}, nil)

	tests := []struct {
		name string
		req  api.CreateTaskRequest
	}{
		{"missing id", api.CreateTaskRequest{Bundle: "/b"}},
		{"missing bundle", api.CreateTaskRequest{ID: "t1"}},
		{"id with slash", api.CreateTaskRequest{ID: "a/b", Bundle: "/b"}},
		{"id starting with dot", api.CreateTaskRequest{ID: ".hidden", Bundle: "/b"}},
		{"id too long", api.CreateTaskRequest{ID: strings.Repeat("x", 100), Bundle: "/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/v1/tasks", tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestErrorTaxonomyMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", errdefs.NotFoundf("task x"), http.StatusNotFound},
		{"already exists", errdefs.AlreadyExistsf("task x"), http.StatusConflict},
		{"invalid argument", errdefs.InvalidArgumentf("bad"), http.StatusBadRequest},
		{"failed precondition", errdefs.FailedPreconditionf("state"), http.StatusPreconditionFailed},
		{"unavailable", errdefs.Unavailablef("tool gone"), http.StatusServiceUnavailable},
		{"internal", errdefs.Internalf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeManager{err: tt.err}, nil)
			w := doJSON(t, r, http.MethodPost, "/v1/tasks/t1/start", api.StartRequest{})
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, http.StatusText(tt.want), resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestKillSignalValidation(t *testing.T) {
	f := &fakeManager{}
	r := newTestRouter(f, nil)

	w := doJSON(t, r, http.MethodPost, "/v1/tasks/t1/kill", api.KillRequest{Signal: 99})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/tasks/t1/kill", api.KillRequest{Signal: 15, All: true})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, 15, f.lastKill.Signal)
	assert.True(t, f.lastKill.All)
}

func TestExecValidation(t *testing.T) {
	r := newTestRouter(&fakeManager{}, nil)

	// args are required
	w := doJSON(t, r, http.MethodPost, "/v1/tasks/t1/exec", api.ExecRequest{ExecID: "e1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/tasks/t1/exec", api.ExecRequest{
		ExecID: "e1",
		Spec:   api.ProcessSpec{Args: []string{"/bin/true"}},
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestStateAndWait(t *testing.T) {
	r := newTestRouter(&fakeManager{pid: 7}, nil)

	w := doJSON(t, r, http.MethodGet, "/v1/tasks/t1/state?execId=e1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st api.StateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "t1", st.ID)
	assert.Equal(t, "e1", st.ExecID)

	w = doJSON(t, r, http.MethodGet, "/v1/tasks/t1/wait", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res api.WaitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 42, res.ExitCode)
}

func TestShutdownCallback(t *testing.T) {
	f := &fakeManager{}
	fired := false
	r := NewRouter(NewHandler(f, nil, "", func() { fired = true }))

	w := doJSON(t, r, http.MethodPost, "/v1/shutdown", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, f.shutdowns)
	assert.True(t, fired)
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(&fakeManager{}, nil)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// fakeEvents is a single-subscriber EventSource.
type fakeEvents struct {
	ch chan api.Event
}

func (f *fakeEvents) Subscribe() (<-chan api.Event, func()) {
	return f.ch, func() {}
}

func TestAttachStreamsConsole(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(&fakeManager{}, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/tasks/t1/attach"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "console output", string(data))
}

func TestEventStream(t *testing.T) {
	events := &fakeEvents{ch: make(chan api.Event, 1)}
	srv := httptest.NewServer(newTestRouter(&fakeManager{}, events))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	events.ch <- api.Event{ID: "1", Topic: api.TopicTaskStart, TaskID: "t1"}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev api.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, api.TopicTaskStart, ev.Topic)
	assert.Equal(t, "t1", ev.TaskID)
}
