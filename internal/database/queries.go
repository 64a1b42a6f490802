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

// ==================== Bridge Job Queries ====================

const bridgeJobColumns = `
	id, job_id, wallet, vault, xrpl_address, requested_amount, actual_amount, lots,
	fee_amount, expected_total_drops, received_drops, expected_fxrp, received_fxrp,
	shares_minted, status, failure_code, agent_vault, agent_xrpl_address, reservation_id,
	payment_reference, reservation_tx_hash, xrpl_tx_hash, fdc_tx_hash, mint_tx_hash,
	vault_mint_tx_hash, proof_round_id, proof_request_hex, proof_hex, proof_requested_at,
	expires_at, cancel_reason, cancelled_at, mismatch_at, completed_at, retry_count,
	next_attempt_at, last_error, error_message, created_at, updated_at`

// CreateBridgeJob creates a new deposit job
func (db *DB) CreateBridgeJob(ctx context.Context, job *models.BridgeJob) error {
	now := db.now()
	job.CreatedAt, job.UpdatedAt = now, now
	query := `
		INSERT INTO bridge_jobs (
			job_id, wallet, vault, xrpl_address, requested_amount, actual_amount, lots,
			fee_amount, expected_total_drops, expected_fxrp, status, failure_code,
			agent_vault, expires_at, retry_count, created_at, updated_at
		)
		VALUES (
			:job_id, :wallet, :vault, :xrpl_address, :requested_amount, :actual_amount, :lots,
			:fee_amount, :expected_total_drops, :expected_fxrp, :status, :failure_code,
			:agent_vault, :expires_at, :retry_count, :created_at, :updated_at
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

// GetBridgeJob retrieves a deposit job by its public id
func (db *DB) GetBridgeJob(ctx context.Context, jobID string) (*models.BridgeJob, error) {
	var job models.BridgeJob
	query := `SELECT ` + bridgeJobColumns + ` FROM bridge_jobs WHERE job_id = $1`
	err := db.GetContext(ctx, &job, query, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListBridgeJobsByStatus retrieves deposit jobs in any of the given statuses, oldest first
func (db *DB) ListBridgeJobsByStatus(ctx context.Context, statuses []models.DepositStatus, limit int) ([]models.BridgeJob, error) {
	jobs := []models.BridgeJob{}
	query := `SELECT ` + bridgeJobColumns + `
		FROM bridge_jobs
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2
	`
	err := db.SelectContext(ctx, &jobs, query, pq.Array(stringsOf(statuses)), limit)
	return jobs, err
}

// ListBridgeJobsByWallet retrieves all deposit jobs for a wallet, newest first
func (db *DB) ListBridgeJobsByWallet(ctx context.Context, wallet string) ([]models.BridgeJob, error) {
	jobs := []models.BridgeJob{}
	query := `SELECT ` + bridgeJobColumns + `
		FROM bridge_jobs
		WHERE wallet = $1
		ORDER BY created_at DESC
	`
	err := db.SelectContext(ctx, &jobs, query, wallet)
	return jobs, err
}

type bridgeJobUpdate struct {
	models.BridgeJob
	ExpectedStatus models.DepositStatus `db:"expected_status"`
}

const updateBridgeJobQuery = `
	UPDATE bridge_jobs SET
		status = :status, failure_code = :failure_code, received_drops = :received_drops,
		received_fxrp = :received_fxrp, shares_minted = :shares_minted, fee_amount = :fee_amount,
		expected_total_drops = :expected_total_drops, agent_xrpl_address = :agent_xrpl_address,
		reservation_id = :reservation_id, payment_reference = :payment_reference,
		reservation_tx_hash = :reservation_tx_hash, xrpl_tx_hash = :xrpl_tx_hash,
		fdc_tx_hash = :fdc_tx_hash, mint_tx_hash = :mint_tx_hash,
		vault_mint_tx_hash = :vault_mint_tx_hash, proof_round_id = :proof_round_id,
		proof_request_hex = :proof_request_hex, proof_hex = :proof_hex,
		proof_requested_at = :proof_requested_at, expires_at = :expires_at,
		cancel_reason = :cancel_reason, cancelled_at = :cancelled_at, mismatch_at = :mismatch_at,
		completed_at = :completed_at, retry_count = :retry_count,
		next_attempt_at = :next_attempt_at, last_error = :last_error,
		error_message = :error_message, updated_at = :updated_at
	WHERE job_id = :job_id AND status = :expected_status
`

// UpdateBridgeJob writes the mutable fields of job, guarded on the status the caller
// read. Returns ErrStatusConflict when the row has moved on.
func (db *DB) UpdateBridgeJob(ctx context.Context, job *models.BridgeJob, expected models.DepositStatus) error {
	return updateBridgeJob(ctx, db.DB, job, expected, db.now())
}

func updateBridgeJob(ctx context.Context, ext sqlx.ExtContext, job *models.BridgeJob, expected models.DepositStatus, now time.Time) error {
	prev := job.UpdatedAt
	job.UpdatedAt = now
	res, err := sqlx.NamedExecContext(ctx, ext, updateBridgeJobQuery, bridgeJobUpdate{BridgeJob: *job, ExpectedStatus: expected})
	if err != nil {
		job.UpdatedAt = prev
		return fmt.Errorf("update bridge job %s: %w", job.JobID, err)
	}
	if err := expectOneRow(res); err != nil {
		job.UpdatedAt = prev
		return err
	}
	return nil
}

// CompleteDeposit marks job completed and credits its minted shares to the wallet's
// position in one transaction. A conflicting status leaves the position untouched.
func (db *DB) CompleteDeposit(ctx context.Context, job *models.BridgeJob, expected models.DepositStatus) (*models.Position, error) {
	if !job.SharesMinted.Valid {
		return nil, fmt.Errorf("job %s has no minted shares", job.JobID)
	}
	var pos models.Position
	err := db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := updateBridgeJob(ctx, tx, job, expected, db.now()); err != nil {
			return err
		}
		query := `
			INSERT INTO positions (wallet, vault, amount, rewards, status, created_at, updated_at)
			VALUES ($1, $2, $3, 0, 'active', $4, $4)
			ON CONFLICT (wallet, vault) DO UPDATE
			SET amount = positions.amount + EXCLUDED.amount, status = 'active', updated_at = EXCLUDED.updated_at
			RETURNING ` + positionColumns
		return tx.GetContext(ctx, &pos, query, job.Wallet, job.Vault, job.SharesMinted.Decimal, db.now())
	})
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ==================== Position Queries ====================

const positionColumns = `id, wallet, vault, amount, rewards, status, last_reconciled_at, created_at, updated_at`

// GetPosition retrieves the position of a wallet in a vault
func (db *DB) GetPosition(ctx context.Context, wallet, vault string) (*models.Position, error) {
	var pos models.Position
	query := `SELECT ` + positionColumns + ` FROM positions WHERE wallet = $1 AND vault = $2`
	err := db.GetContext(ctx, &pos, query, wallet, vault)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetPositionByID retrieves a position by id
func (db *DB) GetPositionByID(ctx context.Context, id int64) (*models.Position, error) {
	var pos models.Position
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	err := db.GetContext(ctx, &pos, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListPositionsByWallet retrieves all positions for a wallet
func (db *DB) ListPositionsByWallet(ctx context.Context, wallet string) ([]models.Position, error) {
	positions := []models.Position{}
	query := `SELECT ` + positionColumns + ` FROM positions WHERE wallet = $1 ORDER BY vault`
	err := db.SelectContext(ctx, &positions, query, wallet)
	return positions, err
}

// SumActivePositions sums the active position amounts of a wallet in a vault
func (db *DB) SumActivePositions(ctx context.Context, wallet, vault string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	query := `SELECT SUM(amount) FROM positions WHERE wallet = $1 AND vault = $2 AND status = 'active'`
	if err := db.GetContext(ctx, &sum, query, wallet, vault); err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

func stringsOf[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
