package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ELT10/scenyx/internal/credits"
	"github.com/ELT10/scenyx/internal/guard"
	"github.com/ELT10/scenyx/internal/middleware"
	"github.com/ELT10/scenyx/internal/models"
	"github.com/ELT10/scenyx/internal/provider"
	"github.com/ELT10/scenyx/internal/videogen"
)

type fakeAccounts struct{ accountID uuid.UUID }

func (f *fakeAccounts) GetOrCreateAccount(context.Context, uuid.UUID) (uuid.UUID, error) {
	return f.accountID, nil
}

type fakeHolds struct {
	mu       sync.Mutex
	captured []int64
	released []uuid.UUID
}

func (f *fakeHolds) CreateHold(_ context.Context, _ uuid.UUID, estUsdMicros int64, _ string) (*credits.Hold, error) {
	return &credits.Hold{HoldID: uuid.New(), ReservedMicrocredits: estUsdMicros, FactorMicros: 700_000}, nil
}

func (f *fakeHolds) CaptureHold(_ context.Context, _ uuid.UUID, actualUsdMicros int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, actualUsdMicros)
	return actualUsdMicros, nil
}

func (f *fakeHolds) ReleaseHold(_ context.Context, holdID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, holdID)
	return nil
}

type fakeProvider struct {
	chatResult *provider.ChatResult
	chatErr    error
	createdJob *provider.VideoJob
	createErr  error
	statusJob  *provider.VideoJob
	statusErr  error
}

func (f *fakeProvider) ChatCompletion(context.Context, provider.ChatRequest) (*provider.ChatResult, error) {
	return f.chatResult, f.chatErr
}

func (f *fakeProvider) CreateVideo(context.Context, provider.CreateVideoRequest) (*provider.VideoJob, error) {
	return f.createdJob, f.createErr
}

func (f *fakeProvider) GetVideo(context.Context, string) (*provider.VideoJob, error) {
	return f.statusJob, f.statusErr
}

type fakeVideoService struct {
	mu        sync.Mutex
	tracked   []*models.VideoGeneration
	byVideoID map[string]*models.VideoGeneration
	finalized []string
	progress  []string
}

func newFakeVideoService() *fakeVideoService {
	return &fakeVideoService{byVideoID: make(map[string]*models.VideoGeneration)}
}

func (f *fakeVideoService) TrackTx(_ context.Context, _ pgx.Tx, vg *models.VideoGeneration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, vg)
	f.byVideoID[vg.VideoID] = vg
	return nil
}

func (f *fakeVideoService) GetByVideoID(_ context.Context, videoID string) (*models.VideoGeneration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vg, ok := f.byVideoID[videoID]
	if !ok {
		return nil, videogen.ErrNotFound
	}
	return vg, nil
}

func (f *fakeVideoService) ListByUser(context.Context, uuid.UUID, int) ([]*models.VideoGeneration, error) {
	return nil, nil
}

func (f *fakeVideoService) UpdateProgress(_ context.Context, videoID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, videoID)
	return nil
}

func (f *fakeVideoService) Finalize(_ context.Context, videoID, status string, _, _ *string) (*videogen.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, videoID+":"+status)
	return &videogen.FinalizeResult{Status: status, CreditsCharged: status == models.VideoStatusCompleted}, nil
}

// fakeTx satisfies pgx.Tx for the paths the handler exercises.
type fakeTx struct {
	pgx.Tx
	committed bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakePool struct{ tx *fakeTx }

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	p.tx = &fakeTx{}
	return p.tx, nil
}

func newHandler(p *fakeProvider, videos *fakeVideoService, holds *fakeHolds) (*GenerateHandler, *fakePool, *[]videogen.CheckVideoArgs) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := &fakePool{}
	var enqueued []videogen.CheckVideoArgs
	h := &GenerateHandler{
		Guard:    &guard.Guard{Accounts: &fakeAccounts{accountID: uuid.New()}, Holds: holds, Logger: logger},
		Provider: p,
		Videos:   videos,
		Pool:     pool,
		InsertCheckVideo: func(_ context.Context, _ pgx.Tx, args videogen.CheckVideoArgs) error {
			enqueued = append(enqueued, args)
			return nil
		},
		Logger: logger,
	}
	return h, pool, &enqueued
}

func authedRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(middleware.WithUserID(req.Context(), uuid.New()))
}

func TestGenerateScriptCapturesActualUsage(t *testing.T) {
	holds := &fakeHolds{}
	p := &fakeProvider{chatResult: &provider.ChatResult{Content: "INT. HARBOR - DAY", InputTokens: 120, OutputTokens: 480}}
	h, _, _ := newHandler(p, newFakeVideoService(), holds)

	rec := httptest.NewRecorder()
	h.GenerateScript().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/generate/script", `{"prompt":"a short scene on a harbor"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	// gpt-5-mini: 120 in at 250/1k + 480 out at 2000/1k = 30 + 960 micros.
	if len(holds.captured) != 1 || holds.captured[0] != 990 {
		t.Errorf("captured: got %v, want one capture of 990", holds.captured)
	}
}

func TestGenerateScriptReleasesOnProviderError(t *testing.T) {
	holds := &fakeHolds{}
	p := &fakeProvider{chatErr: errors.New("upstream 500")}
	h, _, _ := newHandler(p, newFakeVideoService(), holds)

	rec := httptest.NewRecorder()
	h.GenerateScript().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/generate/script", `{"prompt":"x"}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
	if len(holds.released) != 1 {
		t.Errorf("released: got %d, want 1", len(holds.released))
	}
	if len(holds.captured) != 0 {
		t.Error("nothing should be captured")
	}
}

func TestGenerateVideoKeepsHoldOpen(t *testing.T) {
	holds := &fakeHolds{}
	videos := newFakeVideoService()
	p := &fakeProvider{createdJob: &provider.VideoJob{ID: "video_abc", Status: provider.VideoStatusQueued}}
	h, pool, enqueued := newHandler(p, videos, holds)

	rec := httptest.NewRecorder()
	h.GenerateVideo().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/generate/video", `{"prompt":"a red balloon","seconds":8}`))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	if len(holds.captured) != 0 || len(holds.released) != 0 {
		t.Error("async path must leave the hold open")
	}
	if len(videos.tracked) != 1 {
		t.Fatalf("tracked rows: got %d, want 1", len(videos.tracked))
	}
	vg := videos.tracked[0]
	if vg.VideoID != "video_abc" || vg.HoldID == nil {
		t.Errorf("tracking row incomplete: %+v", vg)
	}
	if len(*enqueued) != 1 || (*enqueued)[0].VideoID != "video_abc" {
		t.Errorf("enqueued: got %v, want one check job for video_abc", *enqueued)
	}
	if pool.tx == nil || !pool.tx.committed {
		t.Error("tracking transaction must be committed")
	}
}

func TestGenerateVideoReleasesWhenProviderFails(t *testing.T) {
	holds := &fakeHolds{}
	p := &fakeProvider{createErr: errors.New("quota exceeded")}
	h, _, enqueued := newHandler(p, newFakeVideoService(), holds)

	rec := httptest.NewRecorder()
	h.GenerateVideo().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/generate/video", `{"prompt":"x"}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
	if len(holds.released) != 1 {
		t.Errorf("released: got %d, want 1", len(holds.released))
	}
	if len(*enqueued) != 0 {
		t.Error("no poll job should be enqueued")
	}
}

func TestCheckVideoFinalizesTerminalStatus(t *testing.T) {
	holds := &fakeHolds{}
	videos := newFakeVideoService()
	userID := uuid.New()
	holdID := uuid.New()
	videos.byVideoID["video_abc"] = &models.VideoGeneration{
		ID: uuid.New(), VideoID: "video_abc", UserID: userID, HoldID: &holdID,
		Status: models.VideoStatusInProgress,
	}
	p := &fakeProvider{statusJob: &provider.VideoJob{ID: "video_abc", Status: provider.VideoStatusCompleted}}
	h, _, _ := newHandler(p, videos, holds)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/video_abc", nil)
	req.SetPathValue("id", "video_abc")
	req = req.WithContext(middleware.WithUserID(req.Context(), userID))
	rec := httptest.NewRecorder()
	h.CheckVideo(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	if len(videos.finalized) != 1 || videos.finalized[0] != "video_abc:completed" {
		t.Errorf("finalized: got %v", videos.finalized)
	}
}

func TestCheckVideoProviderErrorLeavesHold(t *testing.T) {
	holds := &fakeHolds{}
	videos := newFakeVideoService()
	userID := uuid.New()
	holdID := uuid.New()
	videos.byVideoID["video_abc"] = &models.VideoGeneration{
		ID: uuid.New(), VideoID: "video_abc", UserID: userID, HoldID: &holdID,
		Status: models.VideoStatusInProgress,
	}
	p := &fakeProvider{statusErr: errors.New("rpc timeout")}
	h, _, _ := newHandler(p, videos, holds)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/video_abc", nil)
	req.SetPathValue("id", "video_abc")
	req = req.WithContext(middleware.WithUserID(req.Context(), userID))
	rec := httptest.NewRecorder()
	h.CheckVideo(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", rec.Code)
	}
	if len(videos.finalized) != 0 {
		t.Error("a failed status check must never finalize")
	}
	if len(holds.released) != 0 || len(holds.captured) != 0 {
		t.Error("a failed status check must never touch the hold")
	}
}

func TestCheckVideoHidesOtherUsersVideos(t *testing.T) {
	videos := newFakeVideoService()
	videos.byVideoID["video_abc"] = &models.VideoGeneration{
		ID: uuid.New(), VideoID: "video_abc", UserID: uuid.New(),
	}
	h, _, _ := newHandler(&fakeProvider{}, videos, &fakeHolds{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/video_abc", nil)
	req.SetPathValue("id", "video_abc")
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.New()))
	rec := httptest.NewRecorder()
	h.CheckVideo(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
}
