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
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

// Attach bridges a websocket to an interactive process's console: binary
// messages from the client feed stdin, console output streams back.
// Output buffered before the first attach is replayed first.
func (h *Handler) Attach(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		klog.V(1).InfoS("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	w := &wsConsoleWriter{conn: conn}
	r := newWSConsoleReader(conn)

	if err := h.manager.Attach(c.Request.Context(), c.Param("id"), c.Query("execId"), w, r); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(eventWriteTimeout))
		return
	}

	// the console streams from its own goroutine; hold the connection
	// open until the client goes away
	<-r.done
}

// wsConsoleWriter frames console output as binary messages. The console
// serializes writes, but control frames from the reader side share the
// connection, so writes still take a lock.
type wsConsoleWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConsoleWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// wsConsoleReader turns the incoming message stream into an io.Reader for
// the process's stdin. done closes when the client disconnects.
type wsConsoleReader struct {
	conn *websocket.Conn
	cur  io.Reader
	done chan struct{}
}

func newWSConsoleReader(conn *websocket.Conn) *wsConsoleReader {
	return &wsConsoleReader{conn: conn, done: make(chan struct{})}
}

func (r *wsConsoleReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			_, rd, err := r.conn.NextReader()
			if err != nil {
				close(r.done)
				return 0, err
			}
			r.cur = rd
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
