package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	repoTimeout     = 3 * time.Second
)

// RunsHandler exposes read-only run progress endpoints.
type RunsHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the repository and logger.
func NewRunsHandler(repo store.RunRepository, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		repo:    repo,
		timeout: repoTimeout,
		logger:  logger,
	}
}

// LatestStats handles GET /v1/stats. It returns the newest run's stats, or
// 404 before any run has started.
func (h *RunsHandler) LatestStats(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.LatestRun(ctx)
	if err != nil {
		h.writeRepoError(w, err, "load latest run")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse(run))
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns
// {"runs": [...]} newest first, or 400 for invalid filters.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, parseErr := store.ParseRunStatus(strings.ToLower(raw))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &st
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /v1/runs/{run_id}.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// GetRunStats handles GET /v1/runs/{run_id}/stats.
func (h *RunsHandler) GetRunStats(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statsResponse(run))
}

func (h *RunsHandler) loadRun(w http.ResponseWriter, r *http.Request) (store.Run, bool) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return store.Run{}, false
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return store.Run{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		h.writeRepoError(w, err, "load run")
		return store.Run{}, false
	}
	return run, true
}

func (h *RunsHandler) writeRepoError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

// statsResponse is the stats snapshot plus the run identity. Reviews and
// screenshots are trimmed to the recent window by the aggregator already.
func statsResponse(run store.Run) map[string]any {
	return map[string]any{
		"run_id": run.ID.String(),
		"status": string(run.Status),
		"stats":  run.Stats,
	}
}

type runDTO struct {
	ID           string     `json:"id"`
	Target       string     `json:"target"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
	TotalPages   int        `json:"total_pages"`
	ScrapedPages int        `json:"scraped_pages"`
	FailedPages  int        `json:"failed_pages"`
	Reviews      int        `json:"scraped_reviews"`
	Accuracy     float64    `json:"accuracy"`
	ElapsedMs    int64      `json:"elapsed"`
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:           run.ID.String(),
		Target:       run.Target,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		UpdatedAt:    run.UpdatedAt,
		FinishedAt:   run.FinishedAt,
		Error:        run.ErrorMessage,
		TotalPages:   run.Stats.TotalPages,
		ScrapedPages: run.Stats.ScrapedPages,
		FailedPages:  run.Stats.FailedPages,
		Reviews:      run.Stats.ScrapedReviewsCount,
		Accuracy:     run.Stats.Accuracy,
		ElapsedMs:    run.Stats.Elapsed.Milliseconds(),
	}
}
