package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"vaultbridge/internal/models"
)

// ListReconcileWallets returns every wallet holding a position in vault
func (db *DB) ListReconcileWallets(ctx context.Context, vault string) ([]string, error) {
	wallets := []string{}
	query := `SELECT DISTINCT wallet FROM positions WHERE vault = $1 ORDER BY wallet`
	err := db.SelectContext(ctx, &wallets, query, vault)
	return wallets, err
}

// HasInFlightJobs reports whether any job may still move this wallet's shares
// between the chain and the stored position
func (db *DB) HasInFlightJobs(ctx context.Context, wallet string) (bool, error) {
	var inFlight bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM bridge_jobs
			WHERE wallet = $1 AND status = ANY($2)
		) OR EXISTS (
			SELECT 1 FROM redemption_jobs
			WHERE wallet = $1 AND status = ANY($3)
		)
	`
	err := db.GetContext(ctx, &inFlight, query, wallet,
		pq.Array(stringsOf(models.ShareMovingDepositStatuses)),
		pq.Array(stringsOf(models.ShareMovingRedemptionStatuses)))
	return inFlight, err
}

// ApplyCorrection sets the position of (wallet, vault) to the on-chain amount, creating
// it when missing and closing it at zero, and writes the audit row in the same transaction.
func (db *DB) ApplyCorrection(ctx context.Context, c *models.PositionCorrection) error {
	now := db.now()
	c.CreatedAt = now
	return db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		status := models.PositionStatusActive
		if c.OnChainAmount.IsZero() {
			status = models.PositionStatusClosed
		}
		var id int64
		err := tx.GetContext(ctx, &id, `
			INSERT INTO positions (wallet, vault, amount, rewards, status, last_reconciled_at, created_at, updated_at)
			VALUES ($1, $2, $3, 0, $4, $5, $5, $5)
			ON CONFLICT (wallet, vault) DO UPDATE
			SET amount = EXCLUDED.amount, status = EXCLUDED.status,
			    last_reconciled_at = EXCLUDED.last_reconciled_at, updated_at = EXCLUDED.updated_at
			RETURNING id
		`, c.Wallet, c.Vault, c.OnChainAmount, status, now)
		if err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		return tx.QueryRowxContext(ctx, `
			INSERT INTO position_corrections (wallet, vault, db_amount, onchain_amount, action, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, c.Wallet, c.Vault, c.DBAmount, c.OnChainAmount, c.Action, now).Scan(&c.ID)
	})
}

// TouchReconciled stamps positions that matched chain state
func (db *DB) TouchReconciled(ctx context.Context, wallet, vault string) error {
	_, err := db.ExecContext(ctx, `UPDATE positions SET last_reconciled_at = $1 WHERE wallet = $2 AND vault = $3`,
		db.now(), wallet, vault)
	return err
}

// ListCorrections returns the newest corrections for a wallet
func (db *DB) ListCorrections(ctx context.Context, wallet string, limit int) ([]models.PositionCorrection, error) {
	out := []models.PositionCorrection{}
	query := `
		SELECT id, wallet, vault, db_amount, onchain_amount, action, created_at
		FROM position_corrections WHERE wallet = $1 ORDER BY created_at DESC LIMIT $2
	`
	err := db.SelectContext(ctx, &out, query, wallet, limit)
	if err == sql.ErrNoRows {
		return out, nil
	}
	return out, err
}
