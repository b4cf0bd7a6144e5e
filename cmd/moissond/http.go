package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/moisson/catalog"
	"github.com/hazyhaar/moisson/pipeline"
	"github.com/hazyhaar/moisson/provision"
)

type api struct {
	svc    *pipeline.Service
	cat    *catalog.Store
	prov   *provision.Provisioner
	logger *slog.Logger
}

func (a *api) router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/scrape", a.handleScrape)
		r.Post("/process", a.handleProcess)
		r.Get("/extractions/{id}", a.handleExtractionStatus)
		r.Get("/failures", a.handleFailures)
		r.Post("/projects", a.handleCreateProject)
		r.Delete("/projects/{id}", a.handleDeleteProject)
		r.Get("/projects/{id}/export", a.handleExport)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, provision.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, provision.ErrDuplicateProject):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type scrapeRequest struct {
	URL            string `json:"url"`
	ExtractionName string `json:"extraction_name"`
	OwnerID        string `json:"owner_id"`
	SourceType     string `json:"source_type"`
	SourceName     string `json:"source_name"`
}

func (a *api) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.URL == "" || req.ExtractionName == "" || req.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url, extraction_name and owner_id are required"})
		return
	}

	// The owner record must exist before the async stage resolves it.
	if _, err := a.cat.EnsureUser(r.Context(), req.OwnerID, ""); err != nil {
		writeError(w, err)
		return
	}

	id, err := a.svc.EnqueueFetch(r.Context(), pipeline.FetchJob{
		URL:            req.URL,
		ExtractionName: req.ExtractionName,
		OwnerID:        req.OwnerID,
		SourceType:     req.SourceType,
		SourceName:     req.SourceName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

type processRequest struct {
	ExtractionID string `json:"extraction_id"`
	ProjectID    string `json:"project_id"`
}

func (a *api) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.ExtractionID == "" || req.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "extraction_id and project_id are required"})
		return
	}

	id, err := a.svc.EnqueueStructuring(r.Context(), pipeline.StructuringJob{
		ExtractionID: req.ExtractionID,
		ProjectID:    req.ProjectID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (a *api) handleExtractionStatus(w http.ResponseWriter, r *http.Request) {
	ext, err := a.cat.ExtractionByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reports, err := a.cat.ListRunReports(r.Context(), ext.ID, 1)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"extraction": ext}
	if len(reports) > 0 {
		resp["last_report"] = reports[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := a.svc.FetchFailures(r.Context(), 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

type createProjectRequest struct {
	OwnerID     string                 `json:"owner_id"`
	Name        string                 `json:"name"`
	Collections []provision.Collection `json:"collections"`
}

func (a *api) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	user, err := a.cat.EnsureUser(r.Context(), req.OwnerID, "")
	if err != nil {
		writeError(w, err)
		return
	}
	proj, desc, err := a.prov.CreateProject(r.Context(), user.ID, req.Name, req.Collections)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"project":           proj,
		"dataLabels":        desc.DataLabels,
		"fieldDescriptions": desc.FieldDescriptions,
	})
}

func (a *api) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.cat.ProjectByID(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := a.prov.DropProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *api) handleExport(w http.ResponseWriter, r *http.Request) {
	proj, err := a.cat.ProjectByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	collections, err := provision.DecodeCollections(proj.CollectionsJSON)
	if err != nil || len(collections) == 0 {
		writeError(w, catalog.ErrNotFound)
		return
	}
	csv, err := a.prov.ExportCSV(r.Context(), proj, collections[0])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+proj.Name+`.csv"`)
	w.Write([]byte(csv))
}
