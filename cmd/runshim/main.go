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

package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"k8s.io/klog/v2"

	"github.com/containershim/runshim/internal/config"
	"github.com/containershim/runshim/internal/shim"
)

func main() {
	cfg := config.NewConfig()
	cfg.LoadFromEnv()

	var id string

	root := &cobra.Command{
		Use:           "runshim",
		Short:         "per-container runtime shim",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&id, "id", "", "task group identifier")
	root.PersistentFlags().StringVar(&cfg.Root, "root", cfg.Root, "shim state directory")
	root.PersistentFlags().StringVar(&cfg.RuntimeBinary, "runtime", cfg.RuntimeBinary, "OCI runtime binary")
	root.PersistentFlags().StringVar(&cfg.RuntimeRoot, "runtime-root", cfg.RuntimeRoot, "OCI runtime state directory")
	root.PersistentFlags().StringVar(&cfg.EventEndpoint, "event-endpoint", cfg.EventEndpoint, "orchestrator event endpoint URL")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	requireID := func(*cobra.Command, []string) error {
		if id == "" {
			return fmt.Errorf("--id is required")
		}
		return nil
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "run the shim in the foreground",
		PreRunE: requireID,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return shim.Serve(ctx, cfg, id)
		},
	}

	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "spawn a detached shim and print its address",
		PreRunE: requireID,
		RunE: func(cmd *cobra.Command, _ []string) error {
			address, err := shim.Start(cmd.Context(), cfg, id)
			if err != nil {
				return err
			}
			// the orchestrator reads the address from stdout
			fmt.Fprintln(os.Stdout, address)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Short:   "clean up state left by a dead shim",
		PreRunE: requireID,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return shim.Delete(cmd.Context(), cfg, id)
		},
	}

	root.AddCommand(serveCmd, startCmd, deleteCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		klog.ErrorS(err, "runshim failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
