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

package stdio

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/creack/pty"
	"k8s.io/klog/v2"
)

// Console is an allocated pseudo-terminal for an interactive process. The
// process holds the tty side; output read from the pty side is retained in
// a bounded replay buffer until the first consumer attaches.
type Console struct {
	mu       sync.Mutex
	ptmx     *os.File
	tty      *os.File
	buf      *ringBuffer
	attached io.Writer
	done     chan struct{}
}

func NewConsole(bufSize int) (*Console, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate pty: %w", err)
	}
	c := &Console{
		ptmx: ptmx,
		tty:  tty,
		buf:  newRingBuffer(bufSize),
		done: make(chan struct{}),
	}
	go c.relay()
	return c, nil
}

// TTYPath is the terminal device path handed to the runtime tool.
func (c *Console) TTYPath() string {
	return c.tty.Name()
}

// relay drains process output. Until a consumer attaches, output lands in
// the replay buffer; afterwards it streams to the consumer directly.
func (c *Console) relay() {
	defer close(c.done)
	chunk := make([]byte, 8192)
	for {
		n, err := c.ptmx.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			if c.attached != nil {
				if _, werr := c.attached.Write(chunk[:n]); werr != nil {
					// consumer went away; fall back to buffering
					klog.V(1).InfoS("console consumer write failed, detaching", "err", werr)
					c.attached = nil
					c.buf.Write(chunk[:n])
				}
			} else {
				c.buf.Write(chunk[:n])
			}
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Attach connects a consumer. Buffered output is replayed first, then the
// live stream continues without interruption. A non-nil r feeds the
// process's stdin until r is exhausted.
func (c *Console) Attach(w io.Writer, r io.Reader) error {
	c.mu.Lock()
	replay := c.buf.Bytes()
	if len(replay) > 0 {
		if _, err := w.Write(replay); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to replay console buffer: %w", err)
		}
		c.buf = newRingBuffer(len(c.buf.data))
	}
	c.attached = w
	c.mu.Unlock()

	if r != nil {
		go func() {
			if _, err := io.Copy(c.ptmx, r); err != nil {
				klog.V(1).InfoS("console stdin copy ended", "err", err)
			}
		}()
	}
	return nil
}

// Resize adjusts the window dimensions without disturbing the stream.
func (c *Console) Resize(cols, rows uint16) error {
	if err := pty.Setsize(c.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	return nil
}

func (c *Console) Close() error {
	c.tty.Close()
	err := c.ptmx.Close()
	<-c.done
	return err
}
