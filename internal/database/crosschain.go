package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"vaultbridge/internal/models"
)

const (
	quoteColumns = `id, quote_id, wallet, source_address, source_chain, dest_chain, asset, amount, estimated_out, total_fee, route, expires_at, created_at`
	ccJobColumns = `id, job_id, quote_id, wallet, source_address, source_chain, dest_chain, amount, status, current_leg, last_error, created_at, updated_at`
	ccLegColumns = `id, job_id, leg_index, protocol, from_chain, to_chain, asset, amount, status, external_ref, refund_ref, last_error, created_at, updated_at`
)

// CreateQuote stores a priced route
func (db *DB) CreateQuote(ctx context.Context, q *models.CrossChainQuote) error {
	q.CreatedAt = db.now()
	query := `
		INSERT INTO crosschain_quotes (quote_id, wallet, source_address, source_chain, dest_chain, asset, amount,
			estimated_out, total_fee, route, expires_at, created_at)
		VALUES (:quote_id, :wallet, :source_address, :source_chain, :dest_chain, :asset, :amount,
			:estimated_out, :total_fee, :route, :expires_at, :created_at)
		RETURNING id
	`
	rows, err := sqlx.NamedQueryContext(ctx, db, query, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&q.ID)
	}
	return rows.Err()
}

// GetQuote retrieves a quote by id
func (db *DB) GetQuote(ctx context.Context, quoteID string) (*models.CrossChainQuote, error) {
	var q models.CrossChainQuote
	err := db.GetContext(ctx, &q, `SELECT `+quoteColumns+` FROM crosschain_quotes WHERE quote_id = $1`, quoteID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// CreateCrossChainJob inserts a job and its legs atomically. A quote backs at most one job.
func (db *DB) CreateCrossChainJob(ctx context.Context, job *models.CrossChainBridgeJob) error {
	now := db.now()
	job.CreatedAt, job.UpdatedAt = now, now
	return db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		var used bool
		if err := tx.GetContext(ctx, &used, `SELECT EXISTS (SELECT 1 FROM crosschain_jobs WHERE quote_id = $1)`, job.QuoteID); err != nil {
			return err
		}
		if used {
			return ErrQuoteUsed
		}
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO crosschain_jobs (job_id, quote_id, wallet, source_address, source_chain, dest_chain, amount,
				status, current_leg, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			RETURNING id
		`, job.JobID, job.QuoteID, job.Wallet, job.SourceAddress, job.SourceChain, job.DestChain, job.Amount,
			job.Status, job.CurrentLeg, now).Scan(&job.ID)
		if err != nil {
			return fmt.Errorf("insert crosschain job: %w", err)
		}
		for i := range job.Legs {
			leg := &job.Legs[i]
			leg.JobID = job.JobID
			leg.CreatedAt, leg.UpdatedAt = now, now
			err := tx.QueryRowxContext(ctx, `
				INSERT INTO crosschain_legs (job_id, leg_index, protocol, from_chain, to_chain, asset,
					amount, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
				RETURNING id
			`, leg.JobID, leg.LegIndex, leg.Protocol, leg.FromChain, leg.ToChain, leg.Asset,
				leg.Amount, leg.Status, now).Scan(&leg.ID)
			if err != nil {
				return fmt.Errorf("insert leg %d: %w", leg.LegIndex, err)
			}
		}
		return nil
	})
}

// GetCrossChainJob retrieves a job with its legs in order
func (db *DB) GetCrossChainJob(ctx context.Context, jobID string) (*models.CrossChainBridgeJob, error) {
	var job models.CrossChainBridgeJob
	err := db.GetContext(ctx, &job, `SELECT `+ccJobColumns+` FROM crosschain_jobs WHERE job_id = $1`, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Legs = []models.CrossChainLeg{}
	err = db.SelectContext(ctx, &job.Legs, `SELECT `+ccLegColumns+` FROM crosschain_legs WHERE job_id = $1 ORDER BY leg_index`, jobID)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListCrossChainJobsByStatus lists job ids in the given statuses
func (db *DB) ListCrossChainJobsByStatus(ctx context.Context, statuses []models.CrossChainStatus, limit int) ([]string, error) {
	ids := []string{}
	query := `SELECT job_id FROM crosschain_jobs WHERE status = ANY($1) ORDER BY created_at ASC LIMIT $2`
	err := db.SelectContext(ctx, &ids, query, pq.Array(stringsOf(statuses)), limit)
	return ids, err
}

// UpdateCrossChainLeg writes leg progress guarded on its expected status
func (db *DB) UpdateCrossChainLeg(ctx context.Context, leg *models.CrossChainLeg, expected models.LegStatus) error {
	leg.UpdatedAt = db.now()
	res, err := db.ExecContext(ctx, `
		UPDATE crosschain_legs
		SET status = $1, external_ref = $2, refund_ref = $3, last_error = $4, updated_at = $5
		WHERE id = $6 AND status = $7
	`, leg.Status, leg.ExternalRef, leg.RefundRef, leg.LastError, leg.UpdatedAt, leg.ID, expected)
	if err != nil {
		return fmt.Errorf("update leg %d: %w", leg.ID, err)
	}
	return expectOneRow(res)
}

// UpdateCrossChainJob writes the aggregate status and leg pointer
func (db *DB) UpdateCrossChainJob(ctx context.Context, job *models.CrossChainBridgeJob, expected models.CrossChainStatus) error {
	job.UpdatedAt = db.now()
	res, err := db.ExecContext(ctx, `
		UPDATE crosschain_jobs
		SET status = $1, current_leg = $2, last_error = $3, updated_at = $4
		WHERE job_id = $5 AND status = $6
	`, job.Status, job.CurrentLeg, job.LastError, job.UpdatedAt, job.JobID, expected)
	if err != nil {
		return fmt.Errorf("update crosschain job %s: %w", job.JobID, err)
	}
	return expectOneRow(res)
}
