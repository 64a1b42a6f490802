package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"vaultbridge/internal/models"
)

const escrowColumns = `
	id, owner, destination, sequence, amount, condition, status, finish_after, cancel_after,
	create_tx_hash, finish_tx_hash, cancel_tx_hash, last_error, created_at, updated_at`

// CreateEscrow records a freshly created escrow
func (db *DB) CreateEscrow(ctx context.Context, rec *models.EscrowRecord) error {
	now := db.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	query := `
		INSERT INTO escrow_records (
			owner, destination, sequence, amount, condition, status, finish_after,
			cancel_after, create_tx_hash, created_at, updated_at
		)
		VALUES (
			:owner, :destination, :sequence, :amount, :condition, :status, :finish_after,
			:cancel_after, :create_tx_hash, :created_at, :updated_at
		)
		RETURNING id
	`
	rows, err := sqlx.NamedQueryContext(ctx, db, query, rec)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&rec.ID)
	}
	return rows.Err()
}

// GetEscrow retrieves an escrow by owner and create sequence
func (db *DB) GetEscrow(ctx context.Context, owner string, sequence uint32) (*models.EscrowRecord, error) {
	var rec models.EscrowRecord
	query := `SELECT ` + escrowColumns + ` FROM escrow_records WHERE owner = $1 AND sequence = $2`
	err := db.GetContext(ctx, &rec, query, owner, int64(sequence))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListEscrowsByStatus retrieves escrows with the given status
func (db *DB) ListEscrowsByStatus(ctx context.Context, status models.EscrowStatus) ([]models.EscrowRecord, error) {
	recs := []models.EscrowRecord{}
	query := `SELECT ` + escrowColumns + ` FROM escrow_records WHERE status = $1 ORDER BY finish_after ASC`
	err := db.SelectContext(ctx, &recs, query, status)
	return recs, err
}

// UpdateEscrow writes the mutable escrow fields guarded on the expected status
func (db *DB) UpdateEscrow(ctx context.Context, rec *models.EscrowRecord, expected models.EscrowStatus) error {
	rec.UpdatedAt = db.now()
	query := `
		UPDATE escrow_records
		SET status = $1, finish_tx_hash = $2, cancel_tx_hash = $3, last_error = $4, updated_at = $5
		WHERE id = $6 AND status = $7
	`
	res, err := db.ExecContext(ctx, query,
		rec.Status, rec.FinishTxHash, rec.CancelTxHash, rec.LastError, rec.UpdatedAt, rec.ID, expected)
	if err != nil {
		return fmt.Errorf("update escrow %d: %w", rec.ID, err)
	}
	return expectOneRow(res)
}
