package models

import (
	"time"

	"github.com/google/uuid"
)

// Video generation status enums, mirroring the provider's job states.
const (
	VideoStatusQueued     = "queued"
	VideoStatusInProgress = "in_progress"
	VideoStatusCompleted  = "completed"
	VideoStatusFailed     = "failed"
)

// VideoGeneration tracks a long-running provider job against its open hold.
// CreditsCharged is NULL until the generation is finalized; the finalize
// operation claims that NULL atomically, which makes duplicate finalization
// attempts from overlapping poll cycles a no-op.
type VideoGeneration struct {
	ID                        uuid.UUID  `json:"id"`
	VideoID                   string     `json:"video_id"`
	UserID                    uuid.UUID  `json:"user_id"`
	AccountID                 uuid.UUID  `json:"account_id"`
	HoldID                    *uuid.UUID `json:"hold_id,omitempty"`
	Status                    string     `json:"status"`
	CreditsCharged            *bool      `json:"credits_charged,omitempty"`
	ChargedAmountMicrocredits *int64     `json:"charged_amount_microcredits,omitempty"`
	Model                     string     `json:"model"`
	Prompt                    string     `json:"prompt"`
	Seconds                   int        `json:"seconds"`
	Size                      string     `json:"size"`
	Orientation               string     `json:"orientation"`
	Resolution                string     `json:"resolution"`
	ErrorCode                 *string    `json:"error_code,omitempty"`
	ErrorMessage              *string    `json:"error_message,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	CompletedAt               *time.Time `json:"completed_at,omitempty"`
}
