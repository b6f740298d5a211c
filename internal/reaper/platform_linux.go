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

//go:build linux

package reaper

import (
	"fmt"
	"os"
	"os/signal"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/containershim/runshim/internal/errdefs"
)

// siginfo mirrors the SIGCHLD slice of the kernel's siginfo_t on 64-bit
// linux: three int32 header fields, alignment padding, then pid, uid and
// status from the _sigchld union member.
type siginfo struct {
	Signo  int32
	Errno  int32
	Code   int32
	_      int32
	Pid    int32
	Uid    int32
	Status int32
	_      [100]byte
}

// si_code value for a child that exited normally. x/sys does not export
// the CLD_* set.
const cldExited = 1

type linuxPlatform struct {
	sigCh  chan os.Signal
	stopCh chan struct{}
}

// NewPlatform returns the production Platform backed by SIGCHLD and
// waitid(2).
func NewPlatform() Platform {
	return &linuxPlatform{
		sigCh:  make(chan os.Signal, 32),
		stopCh: make(chan struct{}),
	}
}

func (p *linuxPlatform) Notify(ch chan<- struct{}) error {
	signal.Notify(p.sigCh, unix.SIGCHLD)
	go func() {
		for {
			select {
			case <-p.sigCh:
				select {
				case ch <- struct{}{}:
				default:
				}
			case <-p.stopCh:
				return
			}
		}
	}()
	return nil
}

func (p *linuxPlatform) Stop() {
	signal.Stop(p.sigCh)
	close(p.stopCh)
}

// Peek uses waitid with WNOWAIT so the child stays reapable afterwards.
func (p *linuxPlatform) Peek(pid int) (Exit, bool, error) {
	idType := unix.P_ALL
	id := 0
	if pid > 0 {
		idType = unix.P_PID
		id = pid
	}

	var info siginfo
	_, _, errno := unix.Syscall6(unix.SYS_WAITID,
		uintptr(idType),
		uintptr(id),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unix.WEXITED|unix.WNOHANG|unix.WNOWAIT),
		0, 0)
	if errno != 0 {
		if errno == unix.ECHILD {
			return Exit{}, false, nil
		}
		return Exit{}, false, fmt.Errorf("waitid: %w", errno)
	}
	if info.Pid == 0 {
		return Exit{}, false, nil
	}

	status := int(info.Status)
	if info.Code != cldExited {
		// killed or dumped: report the shell convention
		status = 128 + int(info.Status)
	}
	return Exit{
		Pid:       int(info.Pid),
		Status:    status,
		Timestamp: time.Now(),
	}, true, nil
}

func (p *linuxPlatform) Reap(pid int) (int, error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("wait4 pid %d: %w", pid, err)
	}
	return exitStatus(ws), nil
}

func (p *linuxPlatform) Kill(pid int, sig int) error {
	if err := unix.Kill(pid, unix.Signal(sig)); err != nil {
		if err == unix.ESRCH {
			return errdefs.NotFoundf("process %d", pid)
		}
		return fmt.Errorf("kill pid %d with signal %d: %w", pid, sig, err)
	}
	return nil
}

func exitStatus(ws unix.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}
