package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/chisel-dev/chisel/internal/chat"
	"github.com/chisel-dev/chisel/internal/project"
)

// ProjectStore is the persistence surface the handlers need. Implemented
// by *project.Store; faked in handler tests.
type ProjectStore interface {
	CreateOrTouch(ctx context.Context, userID, urlID, description string) (*project.Project, bool, error)
	UpdateDescription(ctx context.Context, userID string, projectID uuid.UUID, description string) (*project.Project, error)
	Delete(ctx context.Context, userID string, projectID uuid.UUID) error
	List(ctx context.Context, userID string) ([]project.Project, error)
	Resolve(ctx context.Context, userID, ref string) (*project.Project, error)
	ReplaceMessages(ctx context.Context, projectID uuid.UUID, messages []chat.Message) error
	Messages(ctx context.Context, projectID uuid.UUID) ([]chat.Message, error)
	UpsertFiles(ctx context.Context, projectID uuid.UUID, files chat.FileMap) (int, error)
	Files(ctx context.Context, projectID uuid.UUID) (chat.FileMap, error)
	UpsertWorkbench(ctx context.Context, projectID uuid.UUID, state chat.WorkbenchState) error
	Workbench(ctx context.Context, projectID uuid.UUID) (*chat.WorkbenchState, error)
	UpsertProfile(ctx context.Context, p project.Profile) (*project.Profile, error)
}

// projectHandler holds dependencies for the project store endpoints.
type projectHandler struct {
	store  ProjectStore
	logger *slog.Logger
}

// mutateProject handles POST /api/projects — intent-dispatched project
// mutations: touch (default, lazy create), update (rename), delete.
func (h *projectHandler) mutateProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return
	}

	var req struct {
		URLID       string `json:"urlId"`
		ProjectID   string `json:"projectId"`
		Description string `json:"description"`
		Intent      string `json:"intent"`
	}
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	switch req.Intent {
	case "", "touch":
		if req.URLID == "" {
			WriteError(w, http.StatusBadRequest, "missing_url_id", "urlId is required", h.logger)
			return
		}
		proj, existed, err := h.store.CreateOrTouch(r.Context(), userID, req.URLID, req.Description)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "create_failed", "failed to create project", h.logger)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"project": proj, "existed": existed})

	case "update":
		id, ok := h.parseProjectID(w, req.ProjectID)
		if !ok {
			return
		}
		proj, err := h.store.UpdateDescription(r.Context(), userID, id, req.Description)
		if err != nil {
			h.writeStoreError(w, err, "update_failed", "failed to update project")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"project": proj, "existed": true})

	case "delete":
		id, ok := h.parseProjectID(w, req.ProjectID)
		if !ok {
			return
		}
		if err := h.store.Delete(r.Context(), userID, id); err != nil {
			h.writeStoreError(w, err, "delete_failed", "failed to delete project")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		WriteError(w, http.StatusBadRequest, "invalid_intent", "intent must be touch, update, or delete", h.logger)
	}
}

// listProjects handles GET /api/projects — the caller's projects, most
// recently opened first.
func (h *projectHandler) listProjects(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return
	}

	projects, err := h.store.List(r.Context(), userID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to list projects", h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// loadProject handles GET /api/projects/{id}/load — one round trip for a
// full session restore: project, transcript, files, workbench.
func (h *projectHandler) loadProject(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.resolveProject(w, r)
	if !ok {
		return
	}

	messages, err := h.store.Messages(r.Context(), proj.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load_failed", "failed to load messages", h.logger)
		return
	}
	files, err := h.store.Files(r.Context(), proj.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load_failed", "failed to load files", h.logger)
		return
	}
	workbench, err := h.store.Workbench(r.Context(), proj.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load_failed", "failed to load workbench", h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"project":   proj,
		"messages":  messages,
		"files":     files,
		"workbench": workbench,
	})
}

// saveMessages handles POST /api/projects/{id}/messages — full transcript
// replacement. Rows absent from the list are pruned, which is how a
// rewind propagates.
func (h *projectHandler) saveMessages(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.resolveProject(w, r)
	if !ok {
		return
	}

	var req struct {
		Messages    []chat.Message `json:"messages"`
		Description string         `json:"description"`
	}
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}
	if req.Messages == nil {
		WriteError(w, http.StatusBadRequest, "missing_messages", "messages is required", h.logger)
		return
	}

	if err := h.store.ReplaceMessages(r.Context(), proj.ID, req.Messages); err != nil {
		WriteError(w, http.StatusInternalServerError, "save_failed", "failed to save messages", h.logger)
		return
	}

	if req.Description != "" && req.Description != proj.Description {
		userID, _ := userIDFromContext(r.Context())
		if _, err := h.store.UpdateDescription(r.Context(), userID, proj.ID, req.Description); err != nil {
			h.logger.Warn("failed to update description during message sync",
				"project", proj.ID, "error", err)
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{"count": len(req.Messages)})
}

// getMessages handles GET /api/projects/{id}/messages.
func (h *projectHandler) getMessages(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.resolveProject(w, r)
	if !ok {
		return
	}

	messages, err := h.store.Messages(r.Context(), proj.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load_failed", "failed to load messages", h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"messages": messages, "count": len(messages)})
}

// saveFiles handles POST /api/projects/{id}/files. Folder entries are
// dropped; only file contents are durable.
func (h *projectHandler) saveFiles(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.resolveProject(w, r)
	if !ok {
		return
	}

	var req struct {
		Files chat.FileMap `json:"files"`
	}
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}
	if req.Files == nil {
		WriteError(w, http.StatusBadRequest, "missing_files", "files is required", h.logger)
		return
	}

	count, err := h.store.UpsertFiles(r.Context(), proj.ID, req.Files)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "save_failed", "failed to save files", h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"count": count})
}

// getFiles handles GET /api/projects/{id}/files.
func (h *projectHandler) getFiles(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.resolveProject(w, r)
	if !ok {
		return
	}

	files, err := h.store.Files(r.Context(), proj.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load_failed", "failed to load files", h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

// saveWorkbench handles POST /api/projects/{id}/workbench — singleton
// replacement of the project's UI state.
func (h *projectHandler) saveWorkbench(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.resolveProject(w, r)
	if !ok {
		return
	}

	var req struct {
		Workbench *chat.WorkbenchState `json:"workbench"`
	}
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}
	if req.Workbench == nil {
		WriteError(w, http.StatusBadRequest, "missing_workbench", "workbench is required", h.logger)
		return
	}

	if err := h.store.UpsertWorkbench(r.Context(), proj.ID, *req.Workbench); err != nil {
		WriteError(w, http.StatusInternalServerError, "save_failed", "failed to save workbench", h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"workbench": req.Workbench})
}

// getWorkbench handles GET /api/projects/{id}/workbench. A project with
// no saved workbench returns workbench: null.
func (h *projectHandler) getWorkbench(w http.ResponseWriter, r *http.Request) {
	proj, ok := h.resolveProject(w, r)
	if !ok {
		return
	}

	workbench, err := h.store.Workbench(r.Context(), proj.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "load_failed", "failed to load workbench", h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"workbench": workbench})
}

// saveProfile handles POST /api/user-profile — profile upsert on login.
func (h *projectHandler) saveProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return
	}

	var req struct {
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	}
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	profile, err := h.store.UpsertProfile(r.Context(), project.Profile{
		UserID:      userID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "save_failed", "failed to save profile", h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "profile": profile})
}

// resolveProject looks up the {id} path segment (uuid or url id) scoped
// to the caller. A foreign or missing project is always a plain 404.
func (h *projectHandler) resolveProject(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return nil, false
	}

	proj, err := h.store.Resolve(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "load_failed", "failed to resolve project")
		return nil, false
	}
	return proj, true
}

func (h *projectHandler) parseProjectID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_project_id", "projectId must be a UUID", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

func (h *projectHandler) writeStoreError(w http.ResponseWriter, err error, code, message string) {
	switch {
	case errors.Is(err, project.ErrNotFound), errors.Is(err, project.ErrInvalidRef):
		WriteError(w, http.StatusNotFound, "not_found", "project not found", h.logger)
	default:
		WriteError(w, http.StatusInternalServerError, code, message, h.logger)
	}
}
