package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/resolver"
	"github.com/narvanalabs/buildengine/internal/store"
	"github.com/narvanalabs/buildengine/internal/validation"
)

// ProjectHandler handles project configuration requests.
type ProjectHandler struct {
	projects  store.ProjectStore
	arnPrefix string
	now       func() time.Time
	logger    *slog.Logger
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(projects store.ProjectStore, arnPrefix string, logger *slog.Logger) *ProjectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectHandler{
		projects:  projects,
		arnPrefix: arnPrefix,
		now:       time.Now,
		logger:    logger,
	}
}

// Create handles POST /v1/projects.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if err := decodeJSON(w, r, &p); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if err := resolver.ValidateProject(&p); err != nil {
		WriteErr(w, r, h.logger, "invalid project", err)
		return
	}
	now := h.now().UTC()
	p.Arn = h.arnPrefix + p.Name
	p.CreatedAt, p.UpdatedAt = now, now

	if err := h.projects.Create(r.Context(), &p); err != nil {
		WriteErr(w, r, h.logger, "failed to create project", err)
		return
	}
	h.logger.Info("project created", "project", p.Name)
	WriteJSON(w, http.StatusCreated, &p)
}

// List handles GET /v1/projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context())
	if err != nil {
		WriteErr(w, r, h.logger, "failed to list projects", err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	WriteJSON(w, http.StatusOK, projects)
}

// Get handles GET /v1/projects/{name}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.projects.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		WriteErr(w, r, h.logger, "failed to get project", err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// Update handles PUT /v1/projects/{name}. The body replaces the stored
// configuration; builds already started keep the configuration they
// started with.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	existing, err := h.projects.Get(r.Context(), name)
	if err != nil {
		WriteErr(w, r, h.logger, "failed to get project", err)
		return
	}

	var p models.Project
	if err := decodeJSON(w, r, &p); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if p.Name != "" && p.Name != name {
		WriteErr(w, r, h.logger, "invalid project", validation.Errorf("name", "cannot be changed"))
		return
	}
	p.Name = name
	if err := resolver.ValidateProject(&p); err != nil {
		WriteErr(w, r, h.logger, "invalid project", err)
		return
	}
	p.Arn = existing.Arn
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = h.now().UTC()

	if err := h.projects.Update(r.Context(), &p); err != nil {
		WriteErr(w, r, h.logger, "failed to update project", err)
		return
	}
	WriteJSON(w, http.StatusOK, &p)
}

// Delete handles DELETE /v1/projects/{name}.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.projects.Delete(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteErr(w, r, h.logger, "failed to delete project", err)
		return
	}
	h.logger.Info("project deleted", "project", name)
	w.WriteHeader(http.StatusNoContent)
}
