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

// Package server exposes the pipeline control plane over REST.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	restful "github.com/emicklei/go-restful/v3"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/canary"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/execution"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/reload"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/store"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/suspension"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/version"
)

// Options configures a Server.
type Options struct {
	ListenAddr string

	Store       *store.Store
	Versions    *version.Store
	Suspensions *suspension.Store
	Canaries    *canary.Router
	Coordinator *reload.Coordinator
	Facade      *execution.Facade
	Compiler    pipeline.Compiler

	// Logger defaults to klog.Background().
	Logger logr.Logger
}

// Server is the REST control plane over the pipeline core.
type Server struct {
	listenAddr  string
	store       *store.Store
	versions    *version.Store
	suspensions *suspension.Store
	canaries    *canary.Router
	coordinator *reload.Coordinator
	facade      *execution.Facade
	compiler    pipeline.Compiler
	metrics     *apiMetrics
	logger      logr.Logger

	container *restful.Container
}

// New creates a server and registers all routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	s := &Server{
		listenAddr:  opts.ListenAddr,
		store:       opts.Store,
		versions:    opts.Versions,
		suspensions: opts.Suspensions,
		canaries:    opts.Canaries,
		coordinator: opts.Coordinator,
		facade:      opts.Facade,
		compiler:    opts.Compiler,
		metrics:     newAPIMetrics(opts.Suspensions.Len),
		logger:      logger.WithName("server"),
	}
	s.container = s.buildContainer()
	return s
}

// Handler returns the full HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.container
}

func (s *Server) buildContainer() *restful.Container {
	container := restful.NewContainer()

	ws := new(restful.WebService)
	ws.Path("/").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)

	ws.Route(ws.POST("/compile").To(s.handleCompile))
	ws.Route(ws.POST("/execute").To(s.handleExecute))
	ws.Route(ws.POST("/run").To(s.handleRun))

	ws.Route(ws.GET("/executions").To(s.handleListExecutions))
	ws.Route(ws.GET("/executions/{id}").To(s.handleGetExecution))
	ws.Route(ws.POST("/executions/{id}/resume").To(s.handleResume))
	ws.Route(ws.DELETE("/executions/{id}").To(s.handleDeleteExecution))

	ws.Route(ws.GET("/pipelines").To(s.handleListPipelines))
	ws.Route(ws.GET("/pipelines/{ref}").To(s.handleGetPipeline))
	ws.Route(ws.DELETE("/pipelines/{ref}").To(s.handleDeletePipeline))
	ws.Route(ws.PUT("/pipelines/{name}/alias").To(s.handlePutAlias))

	ws.Route(ws.POST("/pipelines/{name}/reload").To(s.handleReload))
	ws.Route(ws.GET("/pipelines/{name}/versions").To(s.handleListVersions))
	ws.Route(ws.POST("/pipelines/{name}/rollback").To(s.handleRollback))
	ws.Route(ws.POST("/pipelines/{name}/rollback/{v}").To(s.handleRollback))

	ws.Route(ws.GET("/pipelines/{name}/canary").To(s.handleGetCanary))
	ws.Route(ws.POST("/pipelines/{name}/canary/promote").To(s.handlePromoteCanary))
	ws.Route(ws.POST("/pipelines/{name}/canary/rollback").To(s.handleRollbackCanary))
	ws.Route(ws.DELETE("/pipelines/{name}/canary").To(s.handleDeleteCanary))

	ws.Filter(s.metrics.filter)
	container.Add(ws)

	container.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	container.HandleWithFilter("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	return container
}

// Run serves until the context is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.container,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving", "addr", s.listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		return err
	}
}
