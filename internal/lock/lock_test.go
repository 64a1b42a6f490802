package lock

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	unlock, ok, err := m.TryLock(ctx, WalletKey("0xABC"))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryLock(ctx, "wallet:0xabc")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, _ = m.TryLock(ctx, WalletKey("0xdef"))
	assert.True(t, ok, "other keys are independent")

	unlock()
	unlock()

	_, ok, _ = m.TryLock(ctx, WalletKey("0xabc"))
	assert.True(t, ok)
}

func TestPostgresLocker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := WalletKey("0xabc")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_lock(hashtext($1))`)).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_advisory_unlock(hashtext($1))`)).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_lock(hashtext($1))`)).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	p := NewPostgres(db, zap.NewNop())

	unlock, ok, err := p.TryLock(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	unlock()
	unlock()

	_, ok, err = p.TryLock(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_DiscardsSessionWhenUnlockFails(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock, key string)
	}{
		{
			name: "unlock error",
			expect: func(mock sqlmock.Sqlmock, key string) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_advisory_unlock(hashtext($1))`)).
					WithArgs(key).
					WillReturnError(errors.New("connection reset"))
			},
		},
		{
			name: "lock not held by session",
			expect: func(mock sqlmock.Sqlmock, key string) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_advisory_unlock(hashtext($1))`)).
					WithArgs(key).
					WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(false))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			key := WalletKey("0xabc")
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_lock(hashtext($1))`)).
				WithArgs(key).
				WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
			tt.expect(mock, key)
			// the pinned session is closed, not pooled
			mock.ExpectClose()

			unlock, ok, err := NewPostgres(db, zap.NewNop()).TryLock(context.Background(), key)
			require.NoError(t, err)
			require.True(t, ok)
			unlock()

			assert.NoError(t, mock.ExpectationsWereMet())
			assert.Equal(t, 0, db.Stats().OpenConnections)
		})
	}
}
