// Package readmodel exposes the replica store to the consuming service's own
// API as read-only JSON endpoints.
package readmodel

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gamehub/internal/usersync/replica"
	"gamehub/pkg/domain"
	"gamehub/pkg/platform/httputil"
	"gamehub/pkg/platform/sentinel"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Handler serves replicas from a replica.Reader.
type Handler struct {
	reader replica.Reader
	logger *slog.Logger
}

func New(reader replica.Reader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reader: reader, logger: logger}
}

// Register mounts the read model routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/replicas", h.handleList)
	r.Get("/replicas/{localID}", h.handleGet)
	r.Get("/subjects/{subjectID}", h.handleGetBySubject)
}

// ReplicaResponse is the JSON view of a replica.
type ReplicaResponse struct {
	LocalID     int64     `json:"localId"`
	SubjectID   *string   `json:"subjectId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   *string   `json:"avatarUrl"`
	Level       string    `json:"level"`
	CanSell     bool      `json:"canSell"`
	Deleted     bool      `json:"deleted"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ListResponse wraps a page of replicas.
type ListResponse struct {
	Replicas []ReplicaResponse `json:"replicas"`
}

func toResponse(rec *replica.Record) ReplicaResponse {
	resp := ReplicaResponse{
		LocalID:     int64(rec.LocalID),
		DisplayName: rec.DisplayName,
		AvatarURL:   rec.AvatarURL,
		Level:       string(rec.Level),
		CanSell:     rec.CanSell,
		Deleted:     rec.Deleted,
		Version:     rec.Version,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.SubjectID != nil {
		s := rec.SubjectID.String()
		resp.SubjectID = &s
	}
	return resp
}

// handleList lists replicas, or looks one up by display name with ?name=.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if name := r.URL.Query().Get("name"); name != "" {
		rec, err := h.reader.FindByNaturalKey(ctx, name)
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	recs, err := h.reader.List(ctx, limit)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	resp := ListResponse{Replicas: make([]ReplicaResponse, 0, len(recs))}
	for _, rec := range recs {
		resp.Replicas = append(resp.Replicas, toResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseLocalID(chi.URLParam(r, "localID"))
	if err != nil {
		httputil.BadRequest(w, "invalid local id")
		return
	}
	rec, err := h.reader.FindByLocalID(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
}

func (h *Handler) handleGetBySubject(w http.ResponseWriter, r *http.Request) {
	subject, err := domain.ParseSubjectID(chi.URLParam(r, "subjectID"))
	if err != nil {
		httputil.BadRequest(w, "invalid subject id")
		return
	}
	rec, err := h.reader.FindBySubject(r.Context(), subject)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, sentinel.ErrNotFound) {
		h.logger.ErrorContext(r.Context(), "read model lookup failed",
			"path", r.URL.Path,
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
