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

package server

import (
	"errors"
	"net/http"
	"strconv"

	restful "github.com/emicklei/go-restful/v3"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/canary"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/execution"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/suspension"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/version"
)

type compileRequest struct {
	Source string `json:"source"`
	Name   string `json:"name,omitempty"`
	// DagName is the legacy spelling of Name, still accepted.
	DagName string `json:"dagName,omitempty"`
}

type compileResponse struct {
	Success        bool                         `json:"success"`
	StructuralHash string                       `json:"structuralHash,omitempty"`
	SyntacticHash  string                       `json:"syntacticHash,omitempty"`
	Name           string                       `json:"name,omitempty"`
	Errors         []pipeline.CompileDiagnostic `json:"errors"`
}

type executeRequest struct {
	Ref     string         `json:"ref,omitempty"`
	DagName string         `json:"dagName,omitempty"`
	Inputs  map[string]any `json:"inputs"`
}

type runRequest struct {
	Source string         `json:"source"`
	Inputs map[string]any `json:"inputs"`
}

type resumeRequest struct {
	AdditionalInputs map[string]any            `json:"additionalInputs,omitempty"`
	ResolvedNodes    map[string]pipeline.Value `json:"resolvedNodes,omitempty"`
}

type outcomeResponse struct {
	Success bool `json:"success"`
	*execution.Outcome
}

type aliasRequest struct {
	StructuralHash string `json:"structuralHash"`
}

type reloadRequest struct {
	Source string         `json:"source,omitempty"`
	Canary *canary.Config `json:"canary,omitempty"`
}

type pipelineDetail struct {
	pipeline.Summary
	DeclaredInputs map[string]pipeline.TypeDescriptor `json:"declaredInputs"`
	Versions       []version.PipelineVersion          `json:"versions,omitempty"`
	ActiveVersion  int                                `json:"activeVersion,omitempty"`
}

type versionsResponse struct {
	Name          string                    `json:"name"`
	ActiveVersion int                       `json:"activeVersion"`
	Versions      []version.PipelineVersion `json:"versions"`
}

type rollbackResponse struct {
	Success        bool   `json:"success"`
	Version        int    `json:"version"`
	StructuralHash string `json:"structuralHash"`
}

type errorResponse struct {
	Error   string                       `json:"error"`
	Message string                       `json:"message"`
	Errors  []pipeline.CompileDiagnostic `json:"errors,omitempty"`
}

// statusFor maps the core's error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch pipeline.KindOf(err) {
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindConflict:
		return http.StatusConflict
	case pipeline.KindInvalidRef, pipeline.KindInvalidInput, pipeline.KindInputTypeMismatch,
		pipeline.KindNoSource, pipeline.KindCompileError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(resp *restful.Response, err error) {
	body := errorResponse{
		Error:   string(pipeline.KindOf(err)),
		Message: err.Error(),
	}
	if body.Error == "" {
		body.Error = string(pipeline.KindEngineError)
	}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		body.Errors = pe.Diagnostics
	}
	if writeErr := resp.WriteHeaderAndEntity(statusFor(err), body); writeErr != nil {
		s.logger.Error(writeErr, "Failed to write error response")
	}
}

func (s *Server) badRequest(resp *restful.Response, format string, args ...any) {
	s.writeError(resp, pipeline.NewError(pipeline.KindInvalidInput, format, args...))
}

func (s *Server) handleCompile(req *restful.Request, resp *restful.Response) {
	var body compileRequest
	if err := req.ReadEntity(&body); err != nil {
		s.badRequest(resp, "malformed request body: %v", err)
		return
	}
	if body.Source == "" {
		s.badRequest(resp, "source is required")
		return
	}
	name := body.Name
	if name == "" {
		name = body.DagName
	}

	image, err := s.compiler.Compile(req.Request.Context(), body.Source)
	if err != nil {
		s.writeError(resp, err)
		return
	}
	if err := s.store.Store(image); err != nil {
		s.writeError(resp, err)
		return
	}
	if err := s.store.IndexSyntactic(image.SyntacticHash, image.StructuralHash); err != nil {
		s.writeError(resp, err)
		return
	}
	if name != "" {
		// Re-compiling the pipeline the name already points at is a
		// no-op: no alias churn, no duplicate version entry.
		if current, bound := s.store.Resolve(name); !bound || current != image.StructuralHash {
			if err := s.store.Alias(name, image.StructuralHash); err != nil {
				s.writeError(resp, err)
				return
			}
			if _, err := s.versions.RecordVersion(name, image.StructuralHash, body.Source); err != nil {
				s.writeError(resp, err)
				return
			}
		}
	}

	s.writeEntity(resp, compileResponse{
		Success:        true,
		StructuralHash: image.StructuralHash,
		SyntacticHash:  image.SyntacticHash,
		Name:           name,
		Errors:         []pipeline.CompileDiagnostic{},
	})
}

func (s *Server) handleExecute(req *restful.Request, resp *restful.Response) {
	var body executeRequest
	if err := req.ReadEntity(&body); err != nil {
		s.badRequest(resp, "malformed request body: %v", err)
		return
	}
	ref := body.Ref
	if ref == "" {
		ref = body.DagName
	}
	if ref == "" {
		s.badRequest(resp, "ref is required")
		return
	}

	outcome, err := s.facade.Execute(req.Request.Context(), ref, body.Inputs)
	if err != nil {
		s.metrics.executionsTotal.WithLabelValues("failed").Inc()
		s.writeError(resp, err)
		return
	}
	s.metrics.executionsTotal.WithLabelValues(outcome.Status).Inc()
	s.writeEntity(resp, outcomeResponse{Success: true, Outcome: outcome})
}

func (s *Server) handleRun(req *restful.Request, resp *restful.Response) {
	var body runRequest
	if err := req.ReadEntity(&body); err != nil {
		s.badRequest(resp, "malformed request body: %v", err)
		return
	}
	if body.Source == "" {
		s.badRequest(resp, "source is required")
		return
	}

	outcome, err := s.facade.Run(req.Request.Context(), body.Source, body.Inputs)
	if err != nil {
		s.metrics.executionsTotal.WithLabelValues("failed").Inc()
		s.writeError(resp, err)
		return
	}
	s.metrics.executionsTotal.WithLabelValues(outcome.Status).Inc()
	s.writeEntity(resp, outcomeResponse{Success: true, Outcome: outcome})
}

func (s *Server) handleListExecutions(req *restful.Request, resp *restful.Response) {
	records := s.facade.List()
	if records == nil {
		records = []suspension.Record{}
	}
	s.writeEntity(resp, map[string]any{"executions": records})
}

func (s *Server) handleGetExecution(req *restful.Request, resp *restful.Response) {
	id := req.PathParameter("id")
	record, ok := s.facade.Get(id)
	if !ok {
		s.writeError(resp, pipeline.NewError(pipeline.KindNotFound, "no suspended execution %s", id))
		return
	}
	s.writeEntity(resp, record)
}

func (s *Server) handleResume(req *restful.Request, resp *restful.Response) {
	id := req.PathParameter("id")
	var body resumeRequest
	if err := req.ReadEntity(&body); err != nil {
		s.badRequest(resp, "malformed request body: %v", err)
		return
	}
	resolved, err := execution.NormalizeValues(body.ResolvedNodes)
	if err != nil {
		s.writeError(resp, err)
		return
	}

	outcome, err := s.facade.Resume(req.Request.Context(), id, body.AdditionalInputs, resolved)
	if err != nil {
		s.writeError(resp, err)
		return
	}
	s.metrics.executionsTotal.WithLabelValues(outcome.Status).Inc()
	s.writeEntity(resp, outcomeResponse{Success: true, Outcome: outcome})
}

func (s *Server) handleDeleteExecution(req *restful.Request, resp *restful.Response) {
	id := req.PathParameter("id")
	if !s.facade.Delete(id) {
		s.writeError(resp, pipeline.NewError(pipeline.KindNotFound, "no suspended execution %s", id))
		return
	}
	s.writeEntity(resp, map[string]bool{"deleted": true})
}

func (s *Server) handleListPipelines(req *restful.Request, resp *restful.Response) {
	s.writeEntity(resp, map[string]any{"pipelines": s.store.ListImages()})
}

func (s *Server) handleGetPipeline(req *restful.Request, resp *restful.Response) {
	ref, err := pipeline.ParseRef(req.PathParameter("ref"))
	if err != nil {
		s.writeError(resp, err)
		return
	}

	var image *pipeline.Image
	name := ""
	switch ref.Kind {
	case pipeline.RefHash:
		img, ok := s.store.Get(ref.Hash)
		if !ok {
			s.writeError(resp, pipeline.NewError(pipeline.KindNotFound, "no image with hash %s", ref.Hash))
			return
		}
		image = img
	case pipeline.RefAlias:
		img, ok := s.store.GetByName(ref.Alias)
		if !ok {
			s.writeError(resp, pipeline.NewError(pipeline.KindNotFound, "no pipeline named %q", ref.Alias))
			return
		}
		image = img
		name = ref.Alias
	}

	detail := pipelineDetail{
		Summary: pipeline.Summary{
			StructuralHash:  image.StructuralHash,
			SyntacticHash:   image.SyntacticHash,
			Aliases:         s.store.AliasesFor(image.StructuralHash),
			CompiledAt:      image.CompiledAt,
			ModuleCount:     image.ModuleCount,
			DeclaredOutputs: image.DeclaredOutputs,
		},
		DeclaredInputs: image.DeclaredInputs,
	}
	if name != "" {
		detail.Versions = s.versions.ListVersions(name)
		detail.ActiveVersion, _ = s.versions.ActiveVersion(name)
	}
	s.writeEntity(resp, detail)
}

// handleDeletePipeline removes either an alias (alias-form ref) or an
// image (hash-form ref, subject to the delete policy).
func (s *Server) handleDeletePipeline(req *restful.Request, resp *restful.Response) {
	ref, err := pipeline.ParseRef(req.PathParameter("ref"))
	if err != nil {
		s.writeError(resp, err)
		return
	}
	switch ref.Kind {
	case pipeline.RefHash:
		if err := s.store.Remove(ref.Hash); err != nil {
			s.writeError(resp, err)
			return
		}
	case pipeline.RefAlias:
		removed, err := s.store.Unalias(ref.Alias)
		if err != nil {
			s.writeError(resp, err)
			return
		}
		if !removed {
			s.writeError(resp, pipeline.NewError(pipeline.KindNotFound, "no pipeline named %q", ref.Alias))
			return
		}
		// The name is unreachable now; its version history must stop
		// pinning images.
		if err := s.versions.Forget(ref.Alias); err != nil {
			s.writeError(resp, err)
			return
		}
	}
	s.writeEntity(resp, map[string]bool{"deleted": true})
}

func (s *Server) handlePutAlias(req *restful.Request, resp *restful.Response) {
	name := req.PathParameter("name")
	var body aliasRequest
	if err := req.ReadEntity(&body); err != nil {
		s.badRequest(resp, "malformed request body: %v", err)
		return
	}
	if body.StructuralHash == "" {
		s.badRequest(resp, "structuralHash is required")
		return
	}
	if err := s.store.Alias(name, body.StructuralHash); err != nil {
		s.writeError(resp, err)
		return
	}
	s.writeEntity(resp, map[string]string{"name": name, "structuralHash": body.StructuralHash})
}

func (s *Server) handleReload(req *restful.Request, resp *restful.Response) {
	name := req.PathParameter("name")
	var body reloadRequest
	if err := req.ReadEntity(&body); err != nil {
		s.badRequest(resp, "malformed request body: %v", err)
		return
	}
	result, err := s.coordinator.Reload(req.Request.Context(), name, body.Source, body.Canary)
	if err != nil {
		s.writeError(resp, err)
		return
	}
	s.writeEntity(resp, map[string]any{
		"success":      true,
		"changed":      result.Changed,
		"previousHash": result.PreviousHash,
		"newHash":      result.NewHash,
		"version":      result.Version,
		"canary":       result.Canary,
	})
}

func (s *Server) handleListVersions(req *restful.Request, resp *restful.Response) {
	name := req.PathParameter("name")
	versions := s.versions.ListVersions(name)
	if versions == nil {
		s.writeError(resp, pipeline.NewError(pipeline.KindNotFound, "no versions for %q", name))
		return
	}
	active, _ := s.versions.ActiveVersion(name)
	s.writeEntity(resp, versionsResponse{Name: name, ActiveVersion: active, Versions: versions})
}

func (s *Server) handleRollback(req *restful.Request, resp *restful.Response) {
	name := req.PathParameter("name")
	target := 0
	if raw := req.PathParameter("v"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			s.badRequest(resp, "invalid version %q", raw)
			return
		}
		target = v
	}
	rolled, err := s.coordinator.Rollback(name, target)
	if err != nil {
		s.writeError(resp, err)
		return
	}
	s.writeEntity(resp, rollbackResponse{
		Success:        true,
		Version:        rolled.Version,
		StructuralHash: rolled.StructuralHash,
	})
}

func (s *Server) handleGetCanary(req *restful.Request, resp *restful.Response) {
	s.respondCanary(resp, s.canaries.GetState(req.PathParameter("name")), req.PathParameter("name"))
}

func (s *Server) handlePromoteCanary(req *restful.Request, resp *restful.Response) {
	s.respondCanary(resp, s.canaries.Promote(req.PathParameter("name")), req.PathParameter("name"))
}

func (s *Server) handleRollbackCanary(req *restful.Request, resp *restful.Response) {
	s.respondCanary(resp, s.canaries.Rollback(req.PathParameter("name")), req.PathParameter("name"))
}

// handleDeleteCanary aborts the canary. Idempotent: aborting a terminal
// canary returns its terminal state unchanged.
func (s *Server) handleDeleteCanary(req *restful.Request, resp *restful.Response) {
	s.respondCanary(resp, s.canaries.Abort(req.PathParameter("name")), req.PathParameter("name"))
}

func (s *Server) respondCanary(resp *restful.Response, snap *canary.Snapshot, name string) {
	if snap == nil {
		s.writeError(resp, pipeline.NewError(pipeline.KindNotFound, "no canary for %q", name))
		return
	}
	s.writeEntity(resp, snap)
}

func (s *Server) writeEntity(resp *restful.Response, entity any) {
	if err := resp.WriteEntity(entity); err != nil {
		s.logger.Error(err, "Failed to write response")
	}
}
