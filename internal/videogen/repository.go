// Package videogen tracks long-running provider video jobs against their
// credit holds and finalizes the charge exactly once per job.
package videogen

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ELT10/scenyx/internal/models"
)

var ErrNotFound = errors.New("video generation not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts the tracking row inside the caller's transaction so the
// row and the poll job enqueue commit or roll back together.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, vg *models.VideoGeneration) error {
	return tx.QueryRow(ctx, `
		INSERT INTO video_generations (id, video_id, user_id, account_id, hold_id, status, model, prompt, seconds, size, orientation, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, vg.ID, vg.VideoID, vg.UserID, vg.AccountID, vg.HoldID, vg.Status,
		vg.Model, vg.Prompt, vg.Seconds, vg.Size, vg.Orientation, vg.Resolution,
	).Scan(&vg.CreatedAt)
}

const videoGenColumns = `id, video_id, user_id, account_id, hold_id, status, credits_charged, charged_amount_microcredits, model, prompt, seconds, size, orientation, resolution, error_code, error_message, created_at, completed_at`

func scanVideoGen(row pgx.Row) (*models.VideoGeneration, error) {
	var vg models.VideoGeneration
	err := row.Scan(&vg.ID, &vg.VideoID, &vg.UserID, &vg.AccountID, &vg.HoldID,
		&vg.Status, &vg.CreditsCharged, &vg.ChargedAmountMicrocredits,
		&vg.Model, &vg.Prompt, &vg.Seconds, &vg.Size, &vg.Orientation, &vg.Resolution,
		&vg.ErrorCode, &vg.ErrorMessage, &vg.CreatedAt, &vg.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &vg, nil
}

func (r *Repository) GetByVideoID(ctx context.Context, videoID string) (*models.VideoGeneration, error) {
	return scanVideoGen(r.pool.QueryRow(ctx, `
		SELECT `+videoGenColumns+` FROM video_generations WHERE video_id = $1
	`, videoID))
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.VideoGeneration, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+videoGenColumns+` FROM video_generations
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.VideoGeneration
	for rows.Next() {
		vg, err := scanVideoGen(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, vg)
	}
	return list, rows.Err()
}

// UpdateStatus records non-terminal progress. It never touches the charge.
func (r *Repository) UpdateStatus(ctx context.Context, videoID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE video_generations SET status = $2 WHERE video_id = $1
	`, videoID, status)
	return err
}

// ClaimFinalize moves the row to its terminal status, but only while the
// charge is still undecided (credits_charged IS NULL). The returned row is
// the claimed state; nil means another finalizer already settled the charge.
func (r *Repository) ClaimFinalize(ctx context.Context, videoID, status string, errorCode, errorMessage *string) (*models.VideoGeneration, error) {
	vg, err := scanVideoGen(r.pool.QueryRow(ctx, `
		UPDATE video_generations
		SET status = $2, error_code = $3, error_message = $4, completed_at = now()
		WHERE video_id = $1 AND credits_charged IS NULL
		RETURNING `+videoGenColumns+`
	`, videoID, status, errorCode, errorMessage))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a settled row from a missing one.
		if _, getErr := r.GetByVideoID(ctx, videoID); getErr != nil {
			return nil, getErr
		}
		return nil, nil
	}
	return vg, err
}

// MarkCharged records the charge decision after the hold is resolved.
func (r *Repository) MarkCharged(ctx context.Context, id uuid.UUID, charged bool, amountMicro *int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE video_generations SET credits_charged = $2, charged_amount_microcredits = $3 WHERE id = $1
	`, id, charged, amountMicro)
	return err
}
