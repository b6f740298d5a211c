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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containershim/runshim/internal/errdefs"
)

func TestRingBufferRetainsNewest(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []string
		want   string
	}{
		{"under capacity", 16, []string{"hello"}, "hello"},
		{"exactly capacity", 5, []string{"hello"}, "hello"},
		{"overflow drops oldest", 8, []string{"0123456789"}, "23456789"},
		{"overflow across writes", 8, []string{"01234", "56789"}, "23456789"},
		{"single huge write", 4, []string{"abcdefghij"}, "ghij"},
		{"many small writes", 3, []string{"a", "b", "c", "d", "e"}, "cde"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newRingBuffer(tt.size)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n, "writes never block or truncate")
			}
			assert.Equal(t, tt.want, string(b.Bytes()))
		})
	}
}

func TestSetupNullRouting(t *testing.T) {
	io, err := Setup(Config{}, 1024)
	require.NoError(t, err)
	defer io.Close()

	stdin, stdout, stderr := io.Paths()
	assert.Equal(t, os.DevNull, stdin)
	assert.Equal(t, os.DevNull, stdout)
	assert.Equal(t, os.DevNull, stderr)
	assert.Nil(t, io.Console())
}

func TestSetupMissingFifoRejected(t *testing.T) {
	_, err := Setup(Config{Stdout: filepath.Join(t.TempDir(), "no-such-fifo")}, 1024)
	assert.True(t, errdefs.IsInvalidArgument(err), "got: %v", err)
}

func TestSetupExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	io, err := Setup(Config{Stdout: path}, 1024)
	require.NoError(t, err)
	defer io.Close()

	_, stdout, stderr := io.Paths()
	assert.Equal(t, path, stdout)
	assert.Equal(t, os.DevNull, stderr)
}

// collectWriter is a concurrency-safe consumer endpoint.
type collectWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *collectWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *collectWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestConsoleReplayBeforeAttach(t *testing.T) {
	console, err := NewConsole(1024)
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer console.Close()

	// output produced with nobody attached
	tty, err := os.OpenFile(console.TTYPath(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer tty.Close()
	_, err = tty.WriteString("early output\n")
	require.NoError(t, err)

	// give the relay goroutine a chance to buffer it
	var w collectWriter
	assert.Eventually(t, func() bool {
		require.NoError(t, console.Attach(&w, nil))
		return strings.Contains(w.String(), "early output")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConsoleReplayBound(t *testing.T) {
	console, err := NewConsole(8)
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer console.Close()

	tty, err := os.OpenFile(console.TTYPath(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer tty.Close()
	_, err = tty.WriteString("0123456789")
	require.NoError(t, err)

	// wait until the relay has buffered everything, then attach once
	require.Eventually(t, func() bool {
		console.mu.Lock()
		defer console.mu.Unlock()
		return len(console.buf.Bytes()) == 8
	}, 2*time.Second, 20*time.Millisecond)

	var w collectWriter
	require.NoError(t, console.Attach(&w, nil))

	got := w.String()
	assert.Equal(t, "23456789", got, "only the oldest data may be dropped")
}

func TestConsoleResize(t *testing.T) {
	console, err := NewConsole(1024)
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer console.Close()

	assert.NoError(t, console.Resize(120, 40))
}
