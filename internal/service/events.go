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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/containershim/runshim/internal/errdefs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the shim listens on a local socket; the orchestrator is the only
	// reachable peer
	CheckOrigin: func(*http.Request) bool { return true },
}

const eventWriteTimeout = 10 * time.Second

// Events streams lifecycle events over a websocket until the client
// disconnects or the publisher closes.
func (h *Handler) Events(c *gin.Context) {
	if h.events == nil {
		writeError(c, errdefs.Unavailablef("event streaming is not enabled"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the failure response
		klog.V(1).InfoS("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.events.Subscribe()
	defer cancel()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shim shutting down"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				klog.V(1).InfoS("event stream write failed", "err", err)
				return
			}
		case <-clientGone:
			return
		}
	}
}
