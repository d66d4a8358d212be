// Package handlers serves the guarded generation endpoints. Every paid
// operation goes through the credit guard; the video path hands its hold to
// the async finalizer instead of settling inline.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ELT10/scenyx/internal/guard"
	"github.com/ELT10/scenyx/internal/middleware"
	"github.com/ELT10/scenyx/internal/models"
	"github.com/ELT10/scenyx/internal/pricing"
	"github.com/ELT10/scenyx/internal/provider"
	"github.com/ELT10/scenyx/internal/videogen"
)

const (
	defaultChatModel     = "gpt-5-mini"
	defaultVideoModel    = "sora-2"
	defaultVideoSeconds  = 8
	defaultVideoSize     = "720x1280"
	defaultOutputTokens  = 2000
	estimateTokenPadding = 500
)

// ProviderClient is the upstream surface the handlers call.
type ProviderClient interface {
	ChatCompletion(ctx context.Context, req provider.ChatRequest) (*provider.ChatResult, error)
	CreateVideo(ctx context.Context, req provider.CreateVideoRequest) (*provider.VideoJob, error)
	GetVideo(ctx context.Context, videoID string) (*provider.VideoJob, error)
}

// VideoService tracks and finalizes video generations.
type VideoService interface {
	TrackTx(ctx context.Context, tx pgx.Tx, vg *models.VideoGeneration) error
	GetByVideoID(ctx context.Context, videoID string) (*models.VideoGeneration, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.VideoGeneration, error)
	UpdateProgress(ctx context.Context, videoID, status string) error
	Finalize(ctx context.Context, videoID, status string, errorCode, errorMessage *string) (*videogen.FinalizeResult, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InsertCheckVideoTxFunc enqueues a poll job within the given transaction.
// Provided by main using river.Client.InsertTx.
type InsertCheckVideoTxFunc func(ctx context.Context, tx pgx.Tx, args videogen.CheckVideoArgs) error

// GenerateHandler serves the generation endpoints.
type GenerateHandler struct {
	Guard            *guard.Guard
	Provider         ProviderClient
	Videos           VideoService
	Pool             TxBeginner
	InsertCheckVideo InsertCheckVideoTxFunc
	Logger           *slog.Logger
}

// --- POST /api/v1/generate/script ---

type generateScriptRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	MaxOutputTokens int    `json:"max_output_tokens"`
}

func (req *generateScriptRequest) applyDefaults() {
	if req.Model == "" {
		req.Model = defaultChatModel
	}
	if req.MaxOutputTokens <= 0 {
		req.MaxOutputTokens = defaultOutputTokens
	}
}

// estimateScript prices the worst case before the completion runs: the whole
// prompt as input plus the full output budget.
func estimateScript(body []byte) int64 {
	var req generateScriptRequest
	_ = json.Unmarshal(body, &req)
	req.applyDefaults()
	inputTokens := int64(len(req.Prompt))/4 + estimateTokenPadding
	return pricing.EstimateChat(req.Model, inputTokens, int64(req.MaxOutputTokens))
}

// GenerateScript returns the guarded sync chat-completion handler. The
// capture amount is recomputed from the tokens the provider reports.
func (h *GenerateHandler) GenerateScript() http.HandlerFunc {
	return h.Guard.Wrap(estimateScript, func(ctx context.Context, _ guard.Context, body []byte) (*guard.RunResult, error) {
		var req generateScriptRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return &guard.RunResult{Status: http.StatusBadRequest, Body: map[string]string{"error": "invalid JSON"}}, nil
		}
		if req.Prompt == "" {
			return &guard.RunResult{Status: http.StatusBadRequest, Body: map[string]string{"error": "prompt is required"}}, nil
		}
		req.applyDefaults()

		result, err := h.Provider.ChatCompletion(ctx, provider.ChatRequest{
			Model:     req.Model,
			Messages:  []provider.ChatMessage{{Role: "user", Content: req.Prompt}},
			MaxTokens: req.MaxOutputTokens,
		})
		if err != nil {
			return nil, err
		}

		return &guard.RunResult{
			Status: http.StatusOK,
			Body: map[string]any{
				"script":        result.Content,
				"model":         req.Model,
				"input_tokens":  result.InputTokens,
				"output_tokens": result.OutputTokens,
			},
			UsageUsdMicros: pricing.EstimateChat(req.Model, result.InputTokens, result.OutputTokens),
		}, nil
	})
}

// --- POST /api/v1/generate/video ---

type generateVideoRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	Seconds     int    `json:"seconds"`
	Size        string `json:"size"`
	Orientation string `json:"orientation"`
	Resolution  string `json:"resolution"`
}

func (req *generateVideoRequest) applyDefaults() {
	if req.Model == "" {
		req.Model = defaultVideoModel
	}
	if req.Seconds <= 0 {
		req.Seconds = defaultVideoSeconds
	}
	if req.Size == "" {
		req.Size = defaultVideoSize
	}
	if req.Resolution == "" {
		req.Resolution = "standard"
	}
}

func estimateVideo(body []byte) int64 {
	var req generateVideoRequest
	_ = json.Unmarshal(body, &req)
	req.applyDefaults()
	return pricing.EstimateVideo(req.Model, int64(req.Seconds), req.Resolution)
}

// GenerateVideo returns the guarded async video handler. The provider job,
// the tracking row, and the poll job enqueue happen before the 202; the hold
// stays open (KeepHold) and the finalizer settles it when the job resolves.
func (h *GenerateHandler) GenerateVideo() http.HandlerFunc {
	return h.Guard.Wrap(estimateVideo, func(ctx context.Context, gc guard.Context, body []byte) (*guard.RunResult, error) {
		var req generateVideoRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return &guard.RunResult{Status: http.StatusBadRequest, Body: map[string]string{"error": "invalid JSON"}}, nil
		}
		if req.Prompt == "" {
			return &guard.RunResult{Status: http.StatusBadRequest, Body: map[string]string{"error": "prompt is required"}}, nil
		}
		req.applyDefaults()

		job, err := h.Provider.CreateVideo(ctx, provider.CreateVideoRequest{
			Model:   req.Model,
			Prompt:  req.Prompt,
			Seconds: strconv.Itoa(req.Seconds),
			Size:    req.Size,
		})
		if err != nil {
			return nil, err
		}

		// Tracking row and poll job commit together; if either fails the
		// guard releases the hold and the orphaned provider job costs the
		// user nothing.
		tx, err := h.Pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback(ctx)

		holdID := gc.HoldID
		vg := &models.VideoGeneration{
			ID:          uuid.New(),
			VideoID:     job.ID,
			UserID:      gc.UserID,
			AccountID:   gc.AccountID,
			HoldID:      &holdID,
			Status:      models.VideoStatusQueued,
			Model:       req.Model,
			Prompt:      req.Prompt,
			Seconds:     req.Seconds,
			Size:        req.Size,
			Orientation: req.Orientation,
			Resolution:  req.Resolution,
		}
		if err := h.Videos.TrackTx(ctx, tx, vg); err != nil {
			return nil, err
		}
		if err := h.InsertCheckVideo(ctx, tx, videogen.CheckVideoArgs{VideoID: job.ID}); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		return &guard.RunResult{
			Status: http.StatusAccepted,
			Body: map[string]any{
				"video_id": job.ID,
				"status":   job.Status,
			},
			KeepHold: true,
		}, nil
	})
}

// --- GET /api/v1/videos/{id} ---

// CheckVideo reports provider status and opportunistically finalizes the
// charge when the provider itself says the job is terminal. A provider error
// reports failure without touching the hold: not knowing the job's state is
// never grounds for charging or refunding.
func (h *GenerateHandler) CheckVideo(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	videoID := r.PathValue("id")
	if videoID == "" {
		http.Error(w, `{"error":"video id is required"}`, http.StatusBadRequest)
		return
	}

	vg, err := h.Videos.GetByVideoID(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, videogen.ErrNotFound) {
			http.Error(w, `{"error":"video not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get video generation", "video_id", videoID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if vg.UserID != userID {
		http.Error(w, `{"error":"video not found"}`, http.StatusNotFound)
		return
	}

	job, err := h.Provider.GetVideo(r.Context(), videoID)
	if err != nil {
		h.Logger.Error("provider status check failed, hold untouched", "video_id", videoID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "failed to retrieve video status",
			"note":  "credits remain reserved, the video may still be generating",
		})
		return
	}

	if job.Terminal() && vg.CreditsCharged == nil {
		var errorCode, errorMessage *string
		if job.Error != nil {
			errorCode, errorMessage = &job.Error.Code, &job.Error.Message
		}
		if _, finErr := h.Videos.Finalize(r.Context(), videoID, job.Status, errorCode, errorMessage); finErr != nil {
			// The user still gets the status; the poll worker retries the charge.
			h.Logger.Error("finalize from status check failed", "video_id", videoID, "error", finErr)
		}
	} else if job.Status == provider.VideoStatusInProgress && vg.Status != models.VideoStatusInProgress {
		if err := h.Videos.UpdateProgress(r.Context(), videoID, models.VideoStatusInProgress); err != nil {
			h.Logger.Warn("update video progress", "video_id", videoID, "error", err)
		}
	}

	resp := map[string]any{
		"video_id": job.ID,
		"status":   job.Status,
		"model":    job.Model,
		"progress": job.Progress,
		"seconds":  job.Seconds,
		"size":     job.Size,
	}
	if job.Error != nil {
		resp["error"] = map[string]string{"code": job.Error.Code, "message": job.Error.Message}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /api/v1/videos ---

func (h *GenerateHandler) ListVideos(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	videos, err := h.Videos.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.Logger.Error("list videos", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if videos == nil {
		videos = []*models.VideoGeneration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
