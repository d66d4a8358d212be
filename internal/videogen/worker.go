package videogen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/ELT10/scenyx/internal/models"
	"github.com/ELT10/scenyx/internal/provider"
)

// ErrPollTimeout is returned when a provider job never reaches a terminal
// state within the polling budget. The hold stays open; nothing is charged or
// refunded until the job's real outcome is known.
var ErrPollTimeout = errors.New("video job did not reach a terminal state in time")

const (
	pollInterval = 5 * time.Second
	maxPollAge   = 30 * time.Minute
)

type CheckVideoArgs struct {
	VideoID string `json:"video_id"`
}

func (CheckVideoArgs) Kind() string { return "check_video" }

// VideoProvider is the provider call the poller needs.
type VideoProvider interface {
	GetVideo(ctx context.Context, videoID string) (*provider.VideoJob, error)
}

// CheckVideoWorker polls the provider until the job resolves, then hands the
// terminal status to the finalizer. Provider or network errors are returned
// to River for retry without touching the hold; not knowing the job's state
// is never grounds for charging or refunding.
type CheckVideoWorker struct {
	river.WorkerDefaults[CheckVideoArgs]
	provider VideoProvider
	videos   *Service
	logger   *slog.Logger
}

func NewCheckVideoWorker(p VideoProvider, videos *Service, logger *slog.Logger) *CheckVideoWorker {
	return &CheckVideoWorker{provider: p, videos: videos, logger: logger}
}

func (w *CheckVideoWorker) Work(ctx context.Context, job *river.Job[CheckVideoArgs]) error {
	videoID := job.Args.VideoID

	vjob, err := w.provider.GetVideo(ctx, videoID)
	if err != nil {
		return fmt.Errorf("poll video %s: %w", videoID, err)
	}

	if !vjob.Terminal() {
		if age := time.Since(job.CreatedAt); age > maxPollAge {
			w.logger.Error("video poll timeout, hold left open",
				"video_id", videoID, "status", vjob.Status, "age", age)
			return ErrPollTimeout
		}
		if vjob.Status == provider.VideoStatusInProgress {
			if err := w.videos.UpdateProgress(ctx, videoID, models.VideoStatusInProgress); err != nil {
				w.logger.Warn("update video progress", "video_id", videoID, "error", err)
			}
		}
		return river.JobSnooze(pollInterval)
	}

	var errorCode, errorMessage *string
	if vjob.Error != nil {
		errorCode, errorMessage = &vjob.Error.Code, &vjob.Error.Message
	}

	result, err := w.videos.Finalize(ctx, videoID, vjob.Status, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("finalize video %s: %w", videoID, err)
	}
	w.logger.Info("video finalized by poller",
		"video_id", videoID, "status", result.Status,
		"credits_charged", result.CreditsCharged, "already_finalized", result.AlreadyFinalized)
	return nil
}
