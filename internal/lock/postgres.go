package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Postgres uses session advisory locks. Each held lock pins one pool connection.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres creates a new advisory-lock Locker
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger.Named("lock")}
}

// TryLock implements Locker
func (p *Postgres) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to try advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var released bool
			err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key).Scan(&released)
			if err == nil && released {
				conn.Close()
				return
			}
			p.logger.Warn("Failed to release advisory lock, discarding connection",
				zap.String("key", key),
				zap.Bool("released", released),
				zap.Error(err))
			discard(conn)
		})
	}, true, nil
}

// discard closes the session behind conn instead of returning it to the pool, so
// postgres drops any advisory lock it still holds
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	conn.Close()
}
