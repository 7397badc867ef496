package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/commontrace/commontrace/internal/store"
	"github.com/commontrace/commontrace/internal/trust"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

type createTraceRequest struct {
	Title        string         `json:"title"`
	ContextText  string         `json:"context_text"`
	SolutionText string         `json:"solution_text"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata"`
}

type voteRequest struct {
	VoteType     string `json:"vote_type"`
	FeedbackTag  string `json:"feedback_tag"`
	FeedbackText string `json:"feedback_text"`
}

type retrievalRequest struct {
	SearchSessionID string `json:"search_session_id"`
}

type traceResponse struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	ContextText       string         `json:"context_text"`
	SolutionText      string         `json:"solution_text"`
	ContributorID     string         `json:"contributor_id"`
	TraceType         string         `json:"trace_type"`
	Status            string         `json:"status"`
	TrustScore        float64        `json:"trust_score"`
	ConfirmationCount int            `json:"confirmation_count"`
	IsFlagged         bool           `json:"is_flagged"`
	IsStale           bool           `json:"is_stale"`
	MemoryTemperature string         `json:"memory_temperature"`
	RetrievalCount    int            `json:"retrieval_count"`
	ClusterID         string         `json:"convergence_cluster_id,omitempty"`
	ConvergenceLevel  *int           `json:"convergence_level,omitempty"`
	Tags              []string       `json:"tags"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

func newTraceResponse(t *store.Trace) traceResponse {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return traceResponse{
		ID:                t.ID,
		Title:             t.Title,
		ContextText:       t.ContextText,
		SolutionText:      t.SolutionText,
		ContributorID:     t.ContributorID,
		TraceType:         t.TraceType,
		Status:            t.Status,
		TrustScore:        t.TrustScore,
		ConfirmationCount: t.ConfirmationCount,
		IsFlagged:         t.IsFlagged,
		IsStale:           t.IsStale,
		MemoryTemperature: t.MemoryTemperature,
		RetrievalCount:    t.RetrievalCount,
		ClusterID:         t.ClusterID,
		ConvergenceLevel:  t.ConvergenceLevel,
		Tags:              tags,
		Metadata:          t.Metadata,
		CreatedAt:         time.UnixMilli(t.CreatedAt).UTC(),
	}
}

func (s *Server) handleCreateTrace(w http.ResponseWriter, r *http.Request) {
	var req createTraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.SolutionText) == "" {
		writeError(w, http.StatusUnprocessableEntity, "title and solution_text are required")
		return
	}

	t := &store.Trace{
		Title:         req.Title,
		ContextText:   req.ContextText,
		SolutionText:  req.SolutionText,
		ContributorID: r.Header.Get(ContributorHeader),
		Tags:          req.Tags,
		Metadata:      req.Metadata,
	}
	if err := s.db.CreateTrace(r.Context(), t); err != nil {
		s.internalError(w, "create_trace_failed", err)
		return
	}
	s.logger.Info("trace_created", zap.String("trace_id", t.ID), zap.String("contributor_id", t.ContributorID))
	writeJSON(w, http.StatusCreated, newTraceResponse(t))
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	t, err := s.db.GetTrace(r.Context(), chi.URLParam(r, "traceID"))
	if err != nil {
		s.internalError(w, "get_trace_failed", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, trust.ErrTraceNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, newTraceResponse(t))
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.trust.CastVote(r.Context(), trust.VoteRequest{
		TraceID:      chi.URLParam(r, "traceID"),
		VoterID:      r.Header.Get(ContributorHeader),
		VoteType:     req.VoteType,
		FeedbackTag:  req.FeedbackTag,
		FeedbackText: req.FeedbackText,
	})
	if err != nil {
		s.writeTrustError(w, "cast_vote_failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRecordRetrieval(w http.ResponseWriter, r *http.Request) {
	var req retrievalRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.SearchSessionID == "" {
		req.SearchSessionID = uuid.NewString()
	}

	traceID := chi.URLParam(r, "traceID")
	t, err := s.db.GetTrace(r.Context(), traceID)
	if err != nil {
		s.internalError(w, "get_trace_failed", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, trust.ErrTraceNotFound.Error())
		return
	}
	if err := s.db.RecordRetrieval(r.Context(), traceID, req.SearchSessionID, time.Now()); err != nil {
		s.internalError(w, "record_retrieval_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := s.trust.Reputation(r.Context(), chi.URLParam(r, "contributorID"))
	if err != nil {
		s.writeTrustError(w, "get_reputation_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.db.ListRuns(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list_runs_failed", err)
		return
	}
	if runs == nil {
		runs = []store.ConsolidationRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// writeTrustError maps vote and reputation failures onto status codes.
func (s *Server) writeTrustError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, trust.ErrDuplicateVote):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, trust.ErrSelfVote):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, trust.ErrTraceNotFound), errors.Is(err, trust.ErrContributorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trust.ErrInvalidVoteType), errors.Is(err, trust.ErrFeedbackTagRequired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.internalError(w, event, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, event string, err error) {
	s.logger.Error(event, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
