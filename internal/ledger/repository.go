package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ELT10/scenyx/internal/models"
)

// Repository implements the ledger store against Postgres. Every state
// transition that touches a balance, a hold status, or a payment status is
// one transaction built from conditional UPDATEs (RowsAffected tells us who
// won a race) plus unique constraints on idempotency_key and tx_signature.
// No in-process locking; concurrent callers resolve deterministically in the
// database.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetOrCreateAccount returns the account id for a user, creating the account
// with a zero balance on first use.
func (r *Repository) GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, user_id, balance_microcredits)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = now()
		RETURNING id
	`, uuid.New(), userID).Scan(&id)
	if err != nil {
		return uuid.Nil, classify(err)
	}
	return id, nil
}

// GetAccountBalance returns the current spendable balance in microcredits.
func (r *Repository) GetAccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance_microcredits FROM accounts WHERE id = $1
	`, accountID).Scan(&balance)
	if err != nil {
		return 0, classify(err)
	}
	return balance, nil
}

// CreateHold atomically deducts amountMicro from the account balance and
// records an open hold carrying the snapshotted exchange factor. The
// idempotency key deduplicates retried requests: if a hold already exists for
// the key, its id is returned and no second reservation is made.
func (r *Repository) CreateHold(ctx context.Context, accountID uuid.UUID, amountMicro int64, idempotencyKey string, factorMicros int64) (uuid.UUID, error) {
	holdID, err := r.createHoldOnce(ctx, accountID, amountMicro, idempotencyKey, factorMicros)
	if err == nil {
		return holdID, nil
	}
	// Two concurrent requests with the same key can both pass the initial
	// lookup; the unique index on idempotency_key aborts the loser, whose
	// deduction rolls back with the transaction. Re-read the winner's hold.
	if isUniqueViolation(err) {
		return r.findHoldByIdempotencyKey(ctx, idempotencyKey)
	}
	return uuid.Nil, err
}

func (r *Repository) createHoldOnce(ctx context.Context, accountID uuid.UUID, amountMicro int64, idempotencyKey string, factorMicros int64) (uuid.UUID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, classify(err)
	}
	defer tx.Rollback(ctx)

	var existing uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM credit_holds WHERE idempotency_key = $1
	`, idempotencyKey).Scan(&existing)
	if err == nil {
		return existing, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, classify(err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance_microcredits = balance_microcredits - $1, updated_at = now()
		WHERE id = $2 AND balance_microcredits >= $1
	`, amountMicro, accountID)
	if err != nil {
		return uuid.Nil, classify(err)
	}
	if result.RowsAffected() == 0 {
		return uuid.Nil, ErrInsufficientCredits
	}

	holdID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_holds (id, account_id, amount_microcredits, factor_micros_at_hold, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, 'open')
	`, holdID, accountID, amountMicro, factorMicros, idempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, err
		}
		return uuid.Nil, classify(err)
	}
	return holdID, tx.Commit(ctx)
}

func (r *Repository) findHoldByIdempotencyKey(ctx context.Context, idempotencyKey string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM credit_holds WHERE idempotency_key = $1
	`, idempotencyKey).Scan(&id)
	if err != nil {
		return uuid.Nil, classify(err)
	}
	return id, nil
}

// GetHold returns the hold row, including the snapshotted exchange factor.
func (r *Repository) GetHold(ctx context.Context, holdID uuid.UUID) (*models.CreditHold, error) {
	var h models.CreditHold
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, amount_microcredits, captured_microcredits, factor_micros_at_hold, idempotency_key, status, created_at, resolved_at
		FROM credit_holds WHERE id = $1
	`, holdID).Scan(&h.ID, &h.AccountID, &h.AmountMicrocredits, &h.CapturedMicrocredits, &h.FactorMicrosAtHold, &h.IdempotencyKey, &h.Status, &h.CreatedAt, &h.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &h, nil
}

// IncreaseHold extends an open hold by additionalMicro, deducting the same
// amount from the account balance. Fails with ErrInsufficientCredits when the
// balance cannot cover the extension and ErrHoldResolved when the hold is no
// longer open.
func (r *Repository) IncreaseHold(ctx context.Context, holdID uuid.UUID, additionalMicro int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT account_id FROM credit_holds WHERE id = $1 AND status = 'open' FOR UPDATE
	`, holdID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.holdMissingOrResolved(ctx, holdID)
	}
	if err != nil {
		return classify(err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance_microcredits = balance_microcredits - $1, updated_at = now()
		WHERE id = $2 AND balance_microcredits >= $1
	`, additionalMicro, accountID)
	if err != nil {
		return classify(err)
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_holds SET amount_microcredits = amount_microcredits + $1 WHERE id = $2
	`, additionalMicro, holdID)
	if err != nil {
		return classify(err)
	}
	return tx.Commit(ctx)
}

// CaptureHold resolves an open hold by permanently keeping captureMicro and
// returning the unspent remainder to the account. The status condition inside
// the UPDATE makes a second capture attempt lose with ErrHoldResolved instead
// of double-debiting.
func (r *Repository) CaptureHold(ctx context.Context, holdID uuid.UUID, captureMicro int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	var reserved int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_holds
		SET status = 'captured', captured_microcredits = $2, resolved_at = now()
		WHERE id = $1 AND status = 'open' AND amount_microcredits >= $2
		RETURNING account_id, amount_microcredits
	`, holdID, captureMicro).Scan(&accountID, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.holdMissingOrResolved(ctx, holdID)
	}
	if err != nil {
		return classify(err)
	}

	if remainder := reserved - captureMicro; remainder > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE accounts
			SET balance_microcredits = balance_microcredits + $1, updated_at = now()
			WHERE id = $2
		`, remainder, accountID)
		if err != nil {
			return classify(err)
		}
	}
	return tx.Commit(ctx)
}

// ReleaseHold resolves an open hold by returning the full reserved amount to
// the account. Releasing an already-resolved hold is a no-op: it never
// reverses a capture and never refunds twice.
func (r *Repository) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	var reserved int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_holds
		SET status = 'released', resolved_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING account_id, amount_microcredits
	`, holdID).Scan(&accountID, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		err := r.holdMissingOrResolved(ctx, holdID)
		if errors.Is(err, ErrHoldResolved) {
			return nil
		}
		return err
	}
	if err != nil {
		return classify(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET balance_microcredits = balance_microcredits + $1, updated_at = now()
		WHERE id = $2
	`, reserved, accountID)
	if err != nil {
		return classify(err)
	}
	return tx.Commit(ctx)
}

// holdMissingOrResolved disambiguates a zero-row conditional update on a hold.
func (r *Repository) holdMissingOrResolved(ctx context.Context, holdID uuid.UUID) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM credit_holds WHERE id = $1`, holdID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrHoldNotFound
	}
	if err != nil {
		return classify(err)
	}
	if status != models.HoldStatusOpen {
		return ErrHoldResolved
	}
	// Open but the conditional update matched nothing: capture exceeded the
	// reserved amount.
	return ErrInsufficientCredits
}

// CreatePaymentIntent records a pending intent payment carrying the server
// chosen on-chain reference tag.
func (r *Repository) CreatePaymentIntent(ctx context.Context, userID uuid.UUID, reference, mint string, amountUsdMicros int64) (*models.Payment, error) {
	p := models.Payment{
		ID:              uuid.New(),
		UserID:          userID,
		Type:            models.PaymentTypeIntent,
		Status:          models.PaymentStatusPending,
		Reference:       &reference,
		Mint:            mint,
		AmountUsdMicros: amountUsdMicros,
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (id, user_id, type, status, reference, mint, amount_usd_micros)
		VALUES ($1, $2, 'intent', 'pending', $3, $4, $5)
		RETURNING created_at
	`, p.ID, p.UserID, reference, mint, amountUsdMicros).Scan(&p.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

const paymentColumns = `id, user_id, type, status, reference, tx_signature, mint, amount_usd_micros, credited_microcredits, created_at, confirmed_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.Type, &p.Status, &p.Reference, &p.TxSignature, &p.Mint, &p.AmountUsdMicros, &p.CreditedMicrocredits, &p.CreatedAt, &p.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

// FindPaymentByReference looks up a payment by its on-chain reference tag,
// scoped to the requesting user so one user cannot confirm another's intent.
func (r *Repository) FindPaymentByReference(ctx context.Context, userID uuid.UUID, reference string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE reference = $1 AND user_id = $2
	`, reference, userID))
}

// FindPaymentBySignature looks up a payment by transaction signature, scoped
// to the requesting user.
func (r *Repository) FindPaymentBySignature(ctx context.Context, userID uuid.UUID, signature string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE tx_signature = $1 AND user_id = $2
	`, signature, userID))
}

// ListPayments returns the user's payment history, newest first.
func (r *Repository) ListPayments(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// ConfirmPaymentAndIssueCredits confirms a pending payment and credits the
// user's account in one transaction. The conditional UPDATE on status plus
// the unique index on tx_signature guarantee that, of any number of
// concurrent confirmation attempts for the same payment or signature, exactly
// one credits the account; the rest get ErrAlreadyConfirmed.
func (r *Repository) ConfirmPaymentAndIssueCredits(ctx context.Context, paymentID uuid.UUID, signature string, amountMicrocredits int64, requestingUserID uuid.UUID) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE payments
		SET status = 'confirmed', tx_signature = $2, credited_microcredits = $3, confirmed_at = now()
		WHERE id = $1 AND status = 'pending' AND user_id = $4
		RETURNING user_id
	`, paymentID, signature, amountMicrocredits, requestingUserID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAlreadyConfirmed
	}
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyConfirmed
		}
		return 0, classify(err)
	}

	newBalance, err := r.issueCredits(ctx, tx, userID, amountMicrocredits)
	if err != nil {
		return 0, err
	}
	return newBalance, tx.Commit(ctx)
}

// ManualPaymentResult reports the outcome of CreateManualPaymentAndIssueCredits.
type ManualPaymentResult struct {
	AlreadyExisted     bool
	Type               string
	NewBalanceMicro    int64
	AmountMicrocredits int64
}

// CreateManualPaymentAndIssueCredits credits a transfer the server never
// pre-registered, keyed by signature alone. A same-user duplicate reports
// AlreadyExisted; a cross-user duplicate fails with ErrForbidden and credits
// nothing.
func (r *Repository) CreateManualPaymentAndIssueCredits(ctx context.Context, userID uuid.UUID, signature string, amountMicrocredits int64, mint string) (*ManualPaymentResult, error) {
	res, err := r.createManualOnce(ctx, userID, signature, amountMicrocredits, mint)
	if err == nil {
		return res, nil
	}
	// Lost an insert race on tx_signature: the signature now exists, so the
	// duplicate path below resolves it.
	if isUniqueViolation(err) {
		return r.resolveExistingSignature(ctx, userID, signature)
	}
	return nil, err
}

func (r *Repository) createManualOnce(ctx context.Context, userID uuid.UUID, signature string, amountMicrocredits int64, mint string) (*ManualPaymentResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	var existingUser uuid.UUID
	var existingType, existingStatus string
	err = tx.QueryRow(ctx, `
		SELECT user_id, type, status FROM payments WHERE tx_signature = $1
	`, signature).Scan(&existingUser, &existingType, &existingStatus)
	switch {
	case err == nil:
		if existingUser != userID {
			return nil, ErrForbidden
		}
		balance, err := r.accountBalanceForUser(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		return &ManualPaymentResult{AlreadyExisted: true, Type: existingType, NewBalanceMicro: balance, AmountMicrocredits: amountMicrocredits}, tx.Commit(ctx)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, classify(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payments (id, user_id, type, status, tx_signature, mint, amount_usd_micros, credited_microcredits, confirmed_at)
		VALUES ($1, $2, 'manual', 'confirmed', $3, $4, $5, $5, now())
	`, uuid.New(), userID, signature, mint, amountMicrocredits)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, err
		}
		return nil, classify(err)
	}

	newBalance, err := r.issueCredits(ctx, tx, userID, amountMicrocredits)
	if err != nil {
		return nil, err
	}
	return &ManualPaymentResult{Type: models.PaymentTypeManual, NewBalanceMicro: newBalance, AmountMicrocredits: amountMicrocredits}, tx.Commit(ctx)
}

func (r *Repository) resolveExistingSignature(ctx context.Context, userID uuid.UUID, signature string) (*ManualPaymentResult, error) {
	var owner uuid.UUID
	var paymentType string
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, type FROM payments WHERE tx_signature = $1
	`, signature).Scan(&owner, &paymentType)
	if err != nil {
		return nil, classify(err)
	}
	if owner != userID {
		return nil, ErrForbidden
	}
	var balance int64
	err = r.pool.QueryRow(ctx, `
		SELECT balance_microcredits FROM accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	if err != nil {
		return nil, classify(err)
	}
	return &ManualPaymentResult{AlreadyExisted: true, Type: paymentType, NewBalanceMicro: balance}, nil
}

// issueCredits adds microcredits to the user's account (created lazily) and
// returns the new balance. Runs inside the caller's transaction.
func (r *Repository) issueCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountMicrocredits int64) (int64, error) {
	var newBalance int64
	err := tx.QueryRow(ctx, `
		INSERT INTO accounts (id, user_id, balance_microcredits)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance_microcredits = accounts.balance_microcredits + $3, updated_at = now()
		RETURNING balance_microcredits
	`, uuid.New(), userID, amountMicrocredits).Scan(&newBalance)
	if err != nil {
		return 0, classify(err)
	}
	return newBalance, nil
}

func (r *Repository) accountBalanceForUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance_microcredits FROM accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return balance, nil
}
