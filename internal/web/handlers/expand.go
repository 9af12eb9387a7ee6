package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/expand"
)

// ExpandHandler serves job submission and suggestion review.
type ExpandHandler struct {
	service *expand.Service
	logger  *zap.Logger
}

// NewExpandHandler creates the handler.
func NewExpandHandler(service *expand.Service, logger *zap.Logger) *ExpandHandler {
	return &ExpandHandler{service: service, logger: logger}
}

type expandRequest struct {
	PrototypeCount     expand.PrototypeCount `json:"prototype_count"`
	ConfidenceOverride *float64              `json:"confidence_override,omitempty"`
	SuggestionCap      int                   `json:"suggestion_cap"`
	JobID              string                `json:"job_id,omitempty"`
}

type suggestionIDsRequest struct {
	SuggestionIDs []int64 `json:"suggestion_ids"`
}

type suggestionResponse struct {
	ID         int64      `json:"id"`
	FaceID     int64      `json:"face_id"`
	PersonID   int64      `json:"person_id"`
	Confidence float64    `json:"confidence"`
	Status     string     `json:"status"`
	Source     string     `json:"source"`
	JobID      string     `json:"job_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}

func toSuggestionResponses(in []database.Suggestion) []suggestionResponse {
	out := make([]suggestionResponse, len(in))
	for i, s := range in {
		out[i] = suggestionResponse{
			ID:         s.ID,
			FaceID:     s.FaceID,
			PersonID:   s.PersonID,
			Confidence: s.Confidence,
			Status:     string(s.Status),
			Source:     string(s.Source),
			JobID:      s.JobID,
			CreatedAt:  s.CreatedAt,
			ReviewedAt: s.ReviewedAt,
		}
	}
	return out
}

// Start admits an expansion job and returns its ids.
func (h *ExpandHandler) Start(w http.ResponseWriter, r *http.Request) {
	personID, err := personIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req expandRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}
	}

	sub, err := h.service.Submit(r.Context(), expand.SubmitRequest{
		PersonID: personID,
		JobID:    req.JobID,
		Config: expand.Config{
			PrototypeCount:      req.PrototypeCount,
			ConfidenceThreshold: req.ConfidenceOverride,
			SuggestionCap:       req.SuggestionCap,
		},
	})
	if err != nil {
		h.logger.Info("expansion rejected", zap.Int64("person_id", personID),
			zap.String("reason", sanitizeForLog(err.Error())))
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, sub)
}

// ListSuggestions lists a person's suggestions, optionally filtered by ?status=.
func (h *ExpandHandler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	personID, err := personIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	status := database.SuggestionStatus(r.URL.Query().Get("status"))
	list, err := h.service.ListSuggestions(r.Context(), personID, status, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toSuggestionResponses(list))
}

// Accept accepts suggestions and reports the expansion jobs it triggered.
func (h *ExpandHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req suggestionIDsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	res, err := h.service.AcceptSuggestions(r.Context(), req.SuggestionIDs)
	if err != nil {
		h.logger.Error("accepting suggestions", zap.Error(err))
		respondServiceError(w, err)
		return
	}

	jobs := res.Jobs
	if jobs == nil {
		jobs = []expand.PersonJob{}
	}
	skipped := res.Skipped
	if skipped == nil {
		skipped = []expand.SkippedPerson{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"accepted":    len(res.Accepted),
		"suggestions": toSuggestionResponses(res.Accepted),
		"jobs":        jobs,
		"skipped":     skipped,
	})
}

// Reject rejects pending suggestions.
func (h *ExpandHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req suggestionIDsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	n, err := h.service.RejectSuggestions(r.Context(), req.SuggestionIDs)
	if err != nil {
		h.logger.Error("rejecting suggestions", zap.Error(err))
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"rejected": n})
}
