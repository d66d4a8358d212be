package credits

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultFactorMicros is the fallback USD-per-credit rate: $0.70/credit.
const DefaultFactorMicros int64 = 700_000

const factorSettingKey = "credit_usd_per_credit_micros"

// SettingsFactorSource reads the live exchange factor from the settings
// table, falling back to a configured default when the row is absent or
// unparseable. Only hold creation reads this; capture replays the snapshot
// stored on the hold.
type SettingsFactorSource struct {
	pool     *pgxpool.Pool
	fallback int64
}

func NewSettingsFactorSource(pool *pgxpool.Pool, fallback int64) *SettingsFactorSource {
	if fallback <= 0 {
		fallback = DefaultFactorMicros
	}
	return &SettingsFactorSource{pool: pool, fallback: fallback}
}

func (s *SettingsFactorSource) FactorMicros(ctx context.Context) (int64, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT value_text FROM settings WHERE key = $1
	`, factorSettingKey).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.fallback, nil
		}
		// A missing settings table is a config gap, not a reason to refuse
		// holds: use the fallback rate.
		return s.fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed <= 0 {
		return s.fallback, nil
	}
	return parsed, nil
}

// StaticFactorSource returns a fixed factor; used in tests.
type StaticFactorSource int64

func (f StaticFactorSource) FactorMicros(context.Context) (int64, error) {
	return int64(f), nil
}
