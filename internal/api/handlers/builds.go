package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/validation"
)

// maxBatchGet bounds the ids of one batch-get request.
const maxBatchGet = 100

// BuildService is the part of the orchestrator the API drives.
type BuildService interface {
	Submit(ctx context.Context, req *models.StartBuildRequest) (*models.BuildHandle, error)
	Cancel(ctx context.Context, buildID string) (bool, error)
	RetryBuild(ctx context.Context, buildID string) (*models.BuildHandle, error)
	Get(ctx context.Context, buildID string) (*models.Build, error)
	BatchGet(ctx context.Context, ids []string) ([]*models.Build, []string, error)
	ListForProject(ctx context.Context, projectName string, limit int) ([]*models.Build, error)
}

// BuildHandler handles build requests.
type BuildHandler struct {
	builds BuildService
	logger *slog.Logger
}

// NewBuildHandler creates a new build handler.
func NewBuildHandler(builds BuildService, logger *slog.Logger) *BuildHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildHandler{builds: builds, logger: logger}
}

// Start handles POST /v1/projects/{name}/builds. The body is a
// StartBuildRequest; an empty body starts a build with the project as is.
func (h *BuildHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req models.StartBuildRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
	}
	name := chi.URLParam(r, "name")
	if req.ProjectName != "" && req.ProjectName != name {
		WriteErr(w, r, h.logger, "invalid build request", validation.Errorf("project_name", "does not match the project in the path"))
		return
	}
	req.ProjectName = name

	handle, err := h.builds.Submit(r.Context(), &req)
	if err != nil {
		WriteErr(w, r, h.logger, "failed to start build", err)
		return
	}
	h.respondWithBuild(w, r, http.StatusAccepted, handle.BuildID)
}

// List handles GET /v1/projects/{name}/builds?limit=N, newest first.
func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	builds, err := h.builds.ListForProject(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		WriteErr(w, r, h.logger, "failed to list builds", err)
		return
	}
	if builds == nil {
		builds = []*models.Build{}
	}
	WriteJSON(w, http.StatusOK, builds)
}

// Get handles GET /v1/builds/{buildID}.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.respondWithBuild(w, r, http.StatusOK, chi.URLParam(r, "buildID"))
}

// BatchGetRequest is the body of a batch-get request.
type BatchGetRequest struct {
	IDs []string `json:"ids"`
}

// BatchGetResponse lists the builds found and the ids that were not.
type BatchGetResponse struct {
	Builds         []*models.Build `json:"builds"`
	BuildsNotFound []string        `json:"builds_not_found"`
}

// BatchGet handles POST /v1/builds/batch-get.
func (h *BuildHandler) BatchGet(w http.ResponseWriter, r *http.Request) {
	var req BatchGetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchGet {
		WriteErr(w, r, h.logger, "invalid batch-get request", validation.Errorf("ids", "between 1 and %d ids are required", maxBatchGet))
		return
	}
	builds, missing, err := h.builds.BatchGet(r.Context(), req.IDs)
	if err != nil {
		WriteErr(w, r, h.logger, "failed to get builds", err)
		return
	}
	resp := BatchGetResponse{Builds: builds, BuildsNotFound: missing}
	if resp.Builds == nil {
		resp.Builds = []*models.Build{}
	}
	if resp.BuildsNotFound == nil {
		resp.BuildsNotFound = []string{}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Stop handles POST /v1/builds/{buildID}/stop. Stopping a build that has
// already finished is not an error; the build is returned unchanged.
func (h *BuildHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	stopped, err := h.builds.Cancel(r.Context(), id)
	if err != nil {
		WriteErr(w, r, h.logger, "failed to stop build", err)
		return
	}
	h.logger.Info("stop requested", "build_id", id, "stopped", stopped)
	h.respondWithBuild(w, r, http.StatusOK, id)
}

// Retry handles POST /v1/builds/{buildID}/retry. The new build runs with
// the configuration the original build ran with.
func (h *BuildHandler) Retry(w http.ResponseWriter, r *http.Request) {
	handle, err := h.builds.RetryBuild(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		WriteErr(w, r, h.logger, "failed to retry build", err)
		return
	}
	h.respondWithBuild(w, r, http.StatusAccepted, handle.BuildID)
}

func (h *BuildHandler) respondWithBuild(w http.ResponseWriter, r *http.Request, status int, id string) {
	b, err := h.builds.Get(r.Context(), id)
	if err != nil {
		WriteErr(w, r, h.logger, "failed to get build", err)
		return
	}
	WriteJSON(w, status, b)
}
