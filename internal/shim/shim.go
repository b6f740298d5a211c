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

// Package shim wires the supervisor, invoker, task manager, event
// publisher and HTTP service into one serving process, and implements the
// start and delete bootstrap modes the orchestrator drives.
package shim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"

	"github.com/containershim/runshim/internal/config"
	"github.com/containershim/runshim/internal/errdefs"
	"github.com/containershim/runshim/internal/events"
	"github.com/containershim/runshim/internal/invoker"
	"github.com/containershim/runshim/internal/reaper"
	"github.com/containershim/runshim/internal/service"
	"github.com/containershim/runshim/internal/task"
	"github.com/containershim/runshim/internal/utils"
)

const (
	pidFile     = "shim.pid"
	logFile     = "shim.log"
	addressFile = "address"
	socketFile  = "shim.sock"
	scratchDir  = "scratch"
)

// Workdir is the per-group state directory under the configured root.
func Workdir(cfg *config.Config, id string) (string, error) {
	dir, err := utils.SafeJoin(cfg.Root, id)
	if err != nil {
		return "", errdefs.InvalidArgumentf("shim id %s: %v", id, err)
	}
	return dir, nil
}

// setupLogging routes klog to a rotating file under workdir. The serving
// process is detached with no stderr, so stderr output must be turned off
// or the writer below is never consulted.
func setupLogging(workdir string) {
	klog.LogToStderr(false)
	klog.SetOutput(&lumberjack.Logger{
		Filename:   filepath.Join(workdir, logFile),
		MaxSize:    10, // MB
		MaxBackups: 3,
	})
}

// Serve runs the shim until the context ends or a shutdown request
// arrives. It owns the unix socket, the address file and every component
// behind the service.
func Serve(ctx context.Context, cfg *config.Config, id string) error {
	workdir, err := Workdir(cfg, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(workdir, 0o711); err != nil {
		return fmt.Errorf("failed to create shim workdir: %w", err)
	}

	setupLogging(workdir)
	defer klog.Flush()

	if err := utils.AtomicWriteFile(filepath.Join(workdir, pidFile),
		[]byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return err
	}

	sockPath := filepath.Join(workdir, socketFile)
	os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sockPath, err)
	}
	address := "unix://" + sockPath

	platform := reaper.NewPlatform()
	supervisor := reaper.New(platform)
	if err := supervisor.Start(); err != nil {
		listener.Close()
		return fmt.Errorf("failed to start process supervisor: %w", err)
	}
	defer supervisor.Stop()

	runner, err := invoker.New(cfg.RuntimeBinary, cfg.RuntimeRoot,
		filepath.Join(workdir, scratchDir), nil)
	if err != nil {
		listener.Close()
		return err
	}

	var sink events.Sink = events.LogSink{}
	if cfg.EventEndpoint != "" {
		sink = events.NewHTTPSink(cfg.EventEndpoint)
	}
	publisher := events.NewPublisher(sink, events.Options{
		QueueSize:  cfg.EventBufferSize,
		MaxRetries: cfg.EventMaxRetries,
	})

	manager := task.NewManager(cfg, runner, supervisor, publisher)
	defer manager.Close()

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()

	handler := service.NewHandler(manager, publisher, address, stop)
	srv := &http.Server{
		Handler:      service.NewRouter(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: 0, // wait endpoints block arbitrarily long
	}

	// the address file is the readiness signal for the start mode
	if err := utils.AtomicWriteFile(filepath.Join(workdir, addressFile), []byte(address), 0o644); err != nil {
		listener.Close()
		return err
	}

	klog.InfoS("shim serving", "id", id, "address", address, "pid", os.Getpid())

	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "graceful shutdown failed, closing")
			srv.Close()
		}
		if err := publisher.Close(shutdownCtx); err != nil {
			klog.ErrorS(err, "event publisher did not flush in time")
		}
		return nil
	})

	err = g.Wait()
	os.Remove(filepath.Join(workdir, addressFile))
	klog.InfoS("shim stopped", "id", id)
	return err
}

// Start spawns a detached serving process for id and returns its address
// once the child signals readiness. The address goes to the caller's
// stdout; everything else the child logs itself.
func Start(ctx context.Context, cfg *config.Config, id string) (string, error) {
	workdir, err := Workdir(cfg, id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(workdir, 0o711); err != nil {
		return "", fmt.Errorf("failed to create shim workdir: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to resolve own binary: %w", err)
	}

	cmd := exec.Command(self, "serve", "--id", id,
		"--root", cfg.Root,
		"--runtime", cfg.RuntimeBinary,
		"--runtime-root", cfg.RuntimeRoot,
		"--event-endpoint", cfg.EventEndpoint)
	cmd.Dir = workdir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	// new session: the shim must outlive the caller and never share its
	// controlling terminal
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to spawn shim: %w", err)
	}
	// the child is owned by the init system from here on
	cmd.Process.Release()

	address, err := waitForAddress(ctx, filepath.Join(workdir, addressFile))
	if err != nil {
		return "", fmt.Errorf("shim for %s never became ready: %w", id, err)
	}
	return address, nil
}

// waitForAddress polls until the serving process publishes its address
// file.
func waitForAddress(ctx context.Context, path string) (string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()

	for {
		if data, err := os.ReadFile(path); err == nil {
			if address := strings.TrimSpace(string(data)); address != "" {
				return address, nil
			}
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return "", errdefs.Unavailablef("timed out waiting for %s", path)
		case <-ctx.Done():
			return "", errdefs.ErrCancelled
		}
	}
}

// Delete cleans up after a shim that is no longer running: the runtime
// tool's state for the group and the shim's on-disk directory. Used by
// the orchestrator when a shim died without a clean shutdown.
func Delete(ctx context.Context, cfg *config.Config, id string) error {
	workdir, err := Workdir(cfg, id)
	if err != nil {
		return err
	}

	runner, err := invoker.New(cfg.RuntimeBinary, cfg.RuntimeRoot,
		filepath.Join(workdir, scratchDir), nil)
	if err != nil {
		return err
	}
	if _, err := runner.Delete(ctx, id, true); err != nil && !errdefs.IsNotFound(err) {
		// state may simply be gone already
		klog.V(1).InfoS("runtime delete during cleanup failed", "id", id, "err", err)
	}

	if err := os.RemoveAll(workdir); err != nil {
		return fmt.Errorf("failed to remove shim workdir: %w", err)
	}
	return nil
}
