/*
Copyright 2024 The Constellation Engine Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/VledicFranco/constellation-engine-sub005/cmd/constellation-server/options"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/canary"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/dsl"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/execution"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/loader"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/reload"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/server"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/store"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/suspension"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/version"
)

func main() {
	opts := options.NewServerOptions()

	cmd := &cobra.Command{
		Use:   "constellation-server",
		Short: "Runtime and HTTP control plane for constellation pipelines",
		Long: `constellation-server compiles pipeline sources into content-addressed
images and serves them over REST: execute with suspension/resumption,
named versions with rollback, hot reload, and canary traffic splitting
between versions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.LoadConfigFile(cmd.Flags()); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			if err := opts.Complete(); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}
	opts.AddFlags(cmd.Flags())

	ctx := setupSignalHandler()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options.ServerOptions) error {
	logger := klog.Background()

	storeDir := ""
	versionsDir := ""
	if opts.StoreDir != "" {
		storeDir = filepath.Join(opts.StoreDir, "pipelines")
		versionsDir = filepath.Join(opts.StoreDir, "versions")
	}

	pipelineStore, err := store.New(store.Options{Dir: storeDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("initializing pipeline store: %w", err)
	}
	versionStore, err := version.New(version.Options{Dir: versionsDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("initializing version store: %w", err)
	}
	suspensionStore := suspension.New(suspension.Options{
		MaxRecords: opts.MaxSuspensions,
		Logger:     logger,
	})

	compiler := dsl.NewCompiler()
	engine := dsl.NewEngine(dsl.EngineOptions{Logger: logger})

	var coordinator *reload.Coordinator
	router := canary.NewRouter(canary.RouterOptions{
		Logger: logger,
		// The coordinator repoints the alias when a canary completes;
		// wired below once it exists.
		OnComplete: func(name, hash string) { coordinator.OnCanaryComplete(name, hash) },
	})
	coordinator = reload.New(reload.Options{
		Store:    pipelineStore,
		Versions: versionStore,
		Canaries: router,
		Compiler: compiler,
		Logger:   logger,
	})

	// Delete policy: an image stays while versions, canaries or
	// suspensions still reference it.
	pipelineStore.RegisterReferenceChecker(versionStore.References)
	pipelineStore.RegisterReferenceChecker(router.References)
	pipelineStore.RegisterReferenceChecker(suspensionStore.References)

	if opts.LoadDir != "" {
		strategy, _ := loader.ParseAliasStrategy(opts.LoadAliasStrategy)
		bulk := loader.New(loader.Options{
			Store:          pipelineStore,
			Compiler:       compiler,
			Versions:       versionStore,
			RememberSource: coordinator.RememberSource,
			Strategy:       strategy,
			Recursive:      opts.LoadRecursive,
			FailOnError:    opts.LoadFailOnError,
			Logger:         logger,
		})
		result, err := bulk.Load(ctx, opts.LoadDir)
		if err != nil {
			return fmt.Errorf("bulk-loading %s: %w", opts.LoadDir, err)
		}
		logger.Info("Startup load complete",
			"dir", opts.LoadDir,
			"loaded", len(result.Loaded),
			"skipped", len(result.Skipped),
			"failed", len(result.Failed))
	}

	facade := execution.New(execution.Options{
		Store:       pipelineStore,
		Suspensions: suspensionStore,
		Canaries:    router,
		Compiler:    compiler,
		Engine:      engine,
		Logger:      logger,
	})

	srv := server.New(server.Options{
		ListenAddr:  opts.ListenAddr,
		Store:       pipelineStore,
		Versions:    versionStore,
		Suspensions: suspensionStore,
		Canaries:    router,
		Coordinator: coordinator,
		Facade:      facade,
		Compiler:    compiler,
		Logger:      logger,
	})
	return srv.Run(ctx)
}

// setupSignalHandler cancels the returned context on SIGINT or SIGTERM;
// a second signal exits immediately.
func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()
	return ctx
}
