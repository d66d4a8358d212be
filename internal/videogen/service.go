package videogen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ELT10/scenyx/internal/ledger"
	"github.com/ELT10/scenyx/internal/models"
	"github.com/ELT10/scenyx/internal/pricing"
)

// Store is the persistence surface the service needs. *Repository implements
// it; tests swap in a memory copy.
type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, vg *models.VideoGeneration) error
	GetByVideoID(ctx context.Context, videoID string) (*models.VideoGeneration, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.VideoGeneration, error)
	UpdateStatus(ctx context.Context, videoID, status string) error
	ClaimFinalize(ctx context.Context, videoID, status string, errorCode, errorMessage *string) (*models.VideoGeneration, error)
	MarkCharged(ctx context.Context, id uuid.UUID, charged bool, amountMicro *int64) error
}

// HoldManager resolves credit holds; *credits.Manager implements it.
type HoldManager interface {
	CaptureHold(ctx context.Context, holdID uuid.UUID, actualUsdMicros int64) (int64, error)
	ReleaseHold(ctx context.Context, holdID uuid.UUID) error
}

// FinalizeResult reports what a finalization did.
type FinalizeResult struct {
	Status           string
	CreditsCharged   bool
	ChargedMicro     int64
	AlreadyFinalized bool
}

// Service owns the video generation lifecycle: tracking rows and the
// capture-or-release decision when a job reaches a terminal state.
type Service struct {
	store  Store
	holds  HoldManager
	logger *slog.Logger
}

func NewService(store Store, holds HoldManager, logger *slog.Logger) *Service {
	return &Service{store: store, holds: holds, logger: logger}
}

// TrackTx records a freshly submitted provider job and its hold inside the
// caller's transaction.
func (s *Service) TrackTx(ctx context.Context, tx pgx.Tx, vg *models.VideoGeneration) error {
	return s.store.CreateTx(ctx, tx, vg)
}

func (s *Service) GetByVideoID(ctx context.Context, videoID string) (*models.VideoGeneration, error) {
	return s.store.GetByVideoID(ctx, videoID)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.VideoGeneration, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// UpdateProgress records a non-terminal provider status.
func (s *Service) UpdateProgress(ctx context.Context, videoID, status string) error {
	return s.store.UpdateStatus(ctx, videoID, status)
}

// Finalize settles the charge for a terminal provider status: capture on
// completed, release on failed. The claim on credits_charged IS NULL plus the
// single-shot hold transitions make overlapping finalizers converge on one
// charge. A capture failure on a completed video leaves the hold open for
// operator attention rather than guessing a refund.
func (s *Service) Finalize(ctx context.Context, videoID, status string, errorCode, errorMessage *string) (*FinalizeResult, error) {
	if status != models.VideoStatusCompleted && status != models.VideoStatusFailed {
		return nil, fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	vg, err := s.store.ClaimFinalize(ctx, videoID, status, errorCode, errorMessage)
	if err != nil {
		return nil, err
	}
	if vg == nil {
		return &FinalizeResult{Status: status, AlreadyFinalized: true}, nil
	}
	if vg.HoldID == nil {
		return &FinalizeResult{Status: status}, nil
	}

	if status == models.VideoStatusCompleted {
		return s.captureCompleted(ctx, vg)
	}
	return s.releaseFailed(ctx, vg)
}

func (s *Service) captureCompleted(ctx context.Context, vg *models.VideoGeneration) (*FinalizeResult, error) {
	actualUsd := pricing.EstimateVideo(vg.Model, int64(vg.Seconds), vg.Resolution)
	charged, err := s.holds.CaptureHold(ctx, *vg.HoldID, actualUsd)
	if err != nil {
		if errors.Is(err, ledger.ErrHoldResolved) {
			return &FinalizeResult{Status: vg.Status, AlreadyFinalized: true}, nil
		}
		s.logger.Error("capture failed for completed video, hold left open",
			"video_id", vg.VideoID, "hold_id", *vg.HoldID, "error", err)
		return nil, err
	}
	if err := s.store.MarkCharged(ctx, vg.ID, true, &charged); err != nil {
		return nil, err
	}
	s.logger.Info("video charge captured",
		"video_id", vg.VideoID, "hold_id", *vg.HoldID, "charged_microcredits", charged)
	return &FinalizeResult{Status: vg.Status, CreditsCharged: true, ChargedMicro: charged}, nil
}

func (s *Service) releaseFailed(ctx context.Context, vg *models.VideoGeneration) (*FinalizeResult, error) {
	if err := s.holds.ReleaseHold(ctx, *vg.HoldID); err != nil {
		s.logger.Error("release failed for failed video, manual action required",
			"video_id", vg.VideoID, "hold_id", *vg.HoldID, "error", err)
		return nil, err
	}
	if err := s.store.MarkCharged(ctx, vg.ID, false, nil); err != nil {
		return nil, err
	}
	s.logger.Info("video hold released", "video_id", vg.VideoID, "hold_id", *vg.HoldID)
	return &FinalizeResult{Status: vg.Status}, nil
}
