package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"vaultbridge/internal/models"
)

const redemptionJobColumns = `
	id, job_id, wallet, vault, position_id, xrpl_address, share_amount, fxrp_amount, lots,
	dust_amount, xrp_sent, expected_payout_drops, status, user_status, backend_status,
	failure_code, redemption_request_id, payment_reference, redeem_shares_tx_hash,
	redeem_fxrp_tx_hash, xrpl_payout_tx_hash, confirm_tx_hash, backend_proof_round_id,
	backend_proof_request_hex, backend_retry_count, backend_next_retry_at, backend_last_error,
	payout_deadline, user_completed_at, confirmed_at, retry_count, next_attempt_at,
	last_error, error_message, created_at, updated_at`

// CreateRedemptionJob creates a new withdrawal job
func (db *DB) CreateRedemptionJob(ctx context.Context, job *models.RedemptionJob) error {
	now := db.now()
	job.CreatedAt, job.UpdatedAt = now, now
	query := `
		INSERT INTO redemption_jobs (
			job_id, wallet, vault, position_id, xrpl_address, share_amount, status,
			user_status, backend_status, failure_code, retry_count, backend_retry_count,
			created_at, updated_at
		)
		VALUES (
			:job_id, :wallet, :vault, :position_id, :xrpl_address, :share_amount, :status,
			:user_status, :backend_status, :failure_code, :retry_count, :backend_retry_count,
			:created_at, :updated_at
		)
		RETURNING id
	`
	rows, err := sqlx.NamedQueryContext(ctx, db, query, job)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&job.ID)
	}
	return rows.Err()
}

// GetRedemptionJob retrieves a redemption job by its public id
func (db *DB) GetRedemptionJob(ctx context.Context, jobID string) (*models.RedemptionJob, error) {
	var job models.RedemptionJob
	query := `SELECT ` + redemptionJobColumns + ` FROM redemption_jobs WHERE job_id = $1`
	err := db.GetContext(ctx, &job, query, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListRedemptionJobsByStatus retrieves redemption jobs in any of the given statuses
func (db *DB) ListRedemptionJobsByStatus(ctx context.Context, statuses []models.RedemptionStatus, limit int) ([]models.RedemptionJob, error) {
	jobs := []models.RedemptionJob{}
	query := `SELECT ` + redemptionJobColumns + `
		FROM redemption_jobs
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2
	`
	err := db.SelectContext(ctx, &jobs, query, pq.Array(stringsOf(statuses)), limit)
	return jobs, err
}

// ListRedemptionJobsByBackendStatus retrieves paid-out jobs by backend status
func (db *DB) ListRedemptionJobsByBackendStatus(ctx context.Context, statuses []models.BackendStatus, limit int) ([]models.RedemptionJob, error) {
	jobs := []models.RedemptionJob{}
	query := `SELECT ` + redemptionJobColumns + `
		FROM redemption_jobs
		WHERE user_status = 'completed' AND backend_status = ANY($1)
		ORDER BY updated_at ASC
		LIMIT $2
	`
	err := db.SelectContext(ctx, &jobs, query, pq.Array(stringsOf(statuses)), limit)
	return jobs, err
}

// ListRedemptionJobsByWallet retrieves all redemption jobs for a wallet, newest first
func (db *DB) ListRedemptionJobsByWallet(ctx context.Context, wallet string) ([]models.RedemptionJob, error) {
	jobs := []models.RedemptionJob{}
	query := `SELECT ` + redemptionJobColumns + `
		FROM redemption_jobs
		WHERE wallet = $1
		ORDER BY created_at DESC
	`
	err := db.SelectContext(ctx, &jobs, query, wallet)
	return jobs, err
}

// SumPendingRedemptionShares sums shares of redemptions that have not yet burned their
// shares on chain, so new requests cannot over-commit a position.
func (db *DB) SumPendingRedemptionShares(ctx context.Context, positionID int64) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	query := `
		SELECT SUM(share_amount) FROM redemption_jobs
		WHERE position_id = $1 AND status IN ('pending', 'awaiting_liquidity', 'redeeming_shares')
	`
	if err := db.GetContext(ctx, &sum, query, positionID); err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

type redemptionJobUpdate struct {
	models.RedemptionJob
	ExpectedStatus models.RedemptionStatus `db:"expected_status"`
}

const updateRedemptionJobQuery = `
	UPDATE redemption_jobs SET
		status = :status, user_status = :user_status, backend_status = :backend_status,
		failure_code = :failure_code, fxrp_amount = :fxrp_amount, lots = :lots,
		dust_amount = :dust_amount, xrp_sent = :xrp_sent,
		expected_payout_drops = :expected_payout_drops,
		redemption_request_id = :redemption_request_id, payment_reference = :payment_reference,
		redeem_shares_tx_hash = :redeem_shares_tx_hash, redeem_fxrp_tx_hash = :redeem_fxrp_tx_hash,
		xrpl_payout_tx_hash = :xrpl_payout_tx_hash, confirm_tx_hash = :confirm_tx_hash,
		backend_proof_round_id = :backend_proof_round_id,
		backend_proof_request_hex = :backend_proof_request_hex,
		backend_retry_count = :backend_retry_count, backend_next_retry_at = :backend_next_retry_at,
		backend_last_error = :backend_last_error, payout_deadline = :payout_deadline,
		user_completed_at = :user_completed_at, confirmed_at = :confirmed_at,
		retry_count = :retry_count, next_attempt_at = :next_attempt_at,
		last_error = :last_error, error_message = :error_message, updated_at = :updated_at
	WHERE job_id = :job_id AND status = :expected_status
`

// UpdateRedemptionJob writes the mutable fields of job guarded on its forward status.
// The backend loop also goes through here, guarded on the unchanged forward status.
func (db *DB) UpdateRedemptionJob(ctx context.Context, job *models.RedemptionJob, expected models.RedemptionStatus) error {
	return updateRedemptionJob(ctx, db.DB, job, expected, db.now())
}

func updateRedemptionJob(ctx context.Context, ext sqlx.ExtContext, job *models.RedemptionJob, expected models.RedemptionStatus, now time.Time) error {
	prev := job.UpdatedAt
	job.UpdatedAt = now
	res, err := sqlx.NamedExecContext(ctx, ext, updateRedemptionJobQuery, redemptionJobUpdate{RedemptionJob: *job, ExpectedStatus: expected})
	if err != nil {
		job.UpdatedAt = prev
		return fmt.Errorf("update redemption job %s: %w", job.JobID, err)
	}
	if err := expectOneRow(res); err != nil {
		job.UpdatedAt = prev
		return err
	}
	return nil
}

// RedeemShares records the share burn on job and debits the position in one
// transaction. The shares are already gone on chain, so the debit floors at zero and
// leaves any drift to reconciliation. The position closes when it reaches zero.
func (db *DB) RedeemShares(ctx context.Context, job *models.RedemptionJob, expected models.RedemptionStatus) error {
	return db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := updateRedemptionJob(ctx, tx, job, expected, db.now()); err != nil {
			return err
		}
		query := `
			UPDATE positions
			SET amount = GREATEST(amount - $1, 0),
			    status = CASE WHEN amount - $1 <= 0 THEN 'closed' ELSE status END,
			    updated_at = $2
			WHERE id = $3
		`
		res, err := tx.ExecContext(ctx, query, job.ShareAmount, db.now(), job.PositionID)
		if err != nil {
			return fmt.Errorf("debit position %d: %w", job.PositionID, err)
		}
		if err := expectOneRow(res); err != nil {
			return fmt.Errorf("position %d not found", job.PositionID)
		}
		return nil
	})
}
