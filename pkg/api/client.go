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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/containershim/runshim/internal/errdefs"
)

// Client is the orchestrator-side handle to one shim. The address is the
// line the shim's start mode printed, typically unix://<path>.
type Client struct {
	baseURL    string
	sockPath   string
	httpClient *http.Client
}

// NewClient connects to a shim address. Unix addresses dial the socket
// directly; http addresses are used as-is.
func NewClient(address string) (*Client, error) {
	if strings.HasPrefix(address, "unix://") {
		sockPath := strings.TrimPrefix(address, "unix://")
		return &Client{
			baseURL:  "http://shim",
			sockPath: sockPath,
			httpClient: &http.Client{
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
						var d net.Dialer
						return d.DialContext(ctx, "unix", sockPath)
					},
				},
			},
		}, nil
	}
	if _, err := url.Parse(address); err != nil || !strings.HasPrefix(address, "http") {
		return nil, errdefs.InvalidArgumentf("shim address %q", address)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(address, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) Create(ctx context.Context, req CreateTaskRequest) (*CreateTaskResponse, error) {
	var resp CreateTaskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Start(ctx context.Context, id, execID string) (*StartResponse, error) {
	var resp StartResponse
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/start", StartRequest{ExecID: execID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Exec(ctx context.Context, id string, req ExecRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/exec", req, nil)
}

func (c *Client) Kill(ctx context.Context, id string, req KillRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/kill", req, nil)
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/resume", nil, nil)
}

func (c *Client) ResizePty(ctx context.Context, id string, req ResizePtyRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/resize", req, nil)
}

func (c *Client) Checkpoint(ctx context.Context, id string, req CheckpointRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/checkpoint", req, nil)
}

// Wait blocks until the process exits. The caller bounds it through ctx;
// no client-side timeout applies.
func (c *Client) Wait(ctx context.Context, id, execID string) (*WaitResponse, error) {
	var resp WaitResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id+"/wait"+execQuery(execID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) State(ctx context.Context, id, execID string) (*StateResponse, error) {
	var resp StateResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id+"/state"+execQuery(execID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) List(ctx context.Context) ([]StateResponse, error) {
	var resp []StateResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Delete(ctx context.Context, id, execID string) (*DeleteResponse, error) {
	var resp DeleteResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+id+execQuery(execID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Connect(ctx context.Context) (*ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.do(ctx, http.MethodGet, "/v1/connect", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

// Events subscribes to the shim's live event stream. The channel closes
// when the shim shuts down or close is called.
func (c *Client) Events(ctx context.Context) (<-chan Event, func() error, error) {
	dialer := websocket.Dialer{}
	if c.sockPath != "" {
		sockPath := c.sockPath
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sockPath)
		}
	}

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events"
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, nil, errdefs.Unavailablef("event stream dial: %v", err)
	}

	ch := make(chan Event, 32)
	go func() {
		defer close(ch)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, conn.Close, nil
}

func execQuery(execID string) string {
	if execID == "" {
		return ""
	}
	return "?execId=" + url.QueryEscape(execID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errdefs.Unavailablef("shim request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return errdefs.FromHTTP(resp.StatusCode, errBody.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
