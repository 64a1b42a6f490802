package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"vaultbridge/internal/models"
)

const eventColumns = `id, contract, contract_address, event_name, block_number, tx_hash, log_index, severity, args, alerted, created_at`

// GetWatermark returns the last fully persisted block of a monitor
func (db *DB) GetWatermark(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := db.GetContext(ctx, &block, `SELECT last_block FROM monitor_watermarks WHERE name = $1`, name)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

// PersistEvents inserts a decoded chunk and advances the watermark in one transaction.
// Rows already present under (tx_hash, log_index) are skipped. Only newly inserted
// rows are returned.
func (db *DB) PersistEvents(ctx context.Context, name string, events []models.OnChainEvent, watermark uint64) ([]models.OnChainEvent, error) {
	inserted := make([]models.OnChainEvent, 0, len(events))
	err := db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO onchain_events (
				contract, contract_address, event_name, block_number, tx_hash, log_index,
				severity, args, alerted, created_at
			)
			VALUES (:contract, :contract_address, :event_name, :block_number, :tx_hash, :log_index,
				:severity, :args, false, :created_at)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
			RETURNING id
		`
		for i := range events {
			ev := events[i]
			ev.CreatedAt = db.now()
			if len(ev.Args) == 0 {
				ev.Args = []byte("{}")
			}
			rows, err := sqlx.NamedQueryContext(ctx, tx, query, &ev)
			if err != nil {
				return fmt.Errorf("insert event %s:%d: %w", ev.TxHash, ev.LogIndex, err)
			}
			if rows.Next() {
				if err := rows.Scan(&ev.ID); err != nil {
					rows.Close()
					return err
				}
				inserted = append(inserted, ev)
			}
			if err := rows.Close(); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO monitor_watermarks (name, last_block, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE
			SET last_block = GREATEST(monitor_watermarks.last_block, EXCLUDED.last_block), updated_at = EXCLUDED.updated_at
		`, name, int64(watermark), db.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ListEvents reads persisted events, newest first
func (db *DB) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.OnChainEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Contract != "" {
		add("contract = $%d", filter.Contract)
	}
	if filter.EventName != "" {
		add("event_name = $%d", filter.EventName)
	}
	if filter.MinSeverity != "" {
		add("severity = ANY($%d)", pq.Array(severitiesAtLeast(filter.MinSeverity)))
	}
	if filter.FromBlock > 0 {
		add("block_number >= $%d", int64(filter.FromBlock))
	}

	query := `SELECT ` + eventColumns + ` FROM onchain_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY block_number DESC, log_index DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	events := []models.OnChainEvent{}
	err := db.SelectContext(ctx, &events, query, args...)
	return events, err
}

// MarkAlerted flags events whose alert was delivered
func (db *DB) MarkAlerted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, `UPDATE onchain_events SET alerted = true WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

// ListTransferRecipients returns every address that received vault shares according to
// the stored Transfer events of contract.
func (db *DB) ListTransferRecipients(ctx context.Context, contract string) ([]string, error) {
	recipients := []string{}
	query := `
		SELECT DISTINCT lower(args->>'to') FROM onchain_events
		WHERE contract = $1 AND event_name = 'Transfer' AND args->>'to' IS NOT NULL
	`
	err := db.SelectContext(ctx, &recipients, query, contract)
	return recipients, err
}

func severitiesAtLeast(min models.Severity) []string {
	out := []string{}
	for _, s := range []models.Severity{models.SeverityInfo, models.SeverityWarning, models.SeverityCritical} {
		if s.Rank() >= min.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}
