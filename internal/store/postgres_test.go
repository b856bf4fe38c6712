package store

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
)

// openPostgres connects to DATABASE_URL and skips when it is unset.
func openPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := NewDB(context.Background(), dsn, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db.Client)
}

func TestPostgresInvariants(t *testing.T) {
	storeInvariants(t, openPostgres(t))
}

func TestPostgresLockSerializesTransactions(t *testing.T) {
	pg := openPostgres(t)
	ctx := context.Background()
	key := attendance.EvidenceLockKey("s-"+uuid.NewString(), testDay)

	held := make(chan struct{})
	var committed atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- pg.RunInTx(ctx, func(ctx context.Context, tx attendance.Store) error {
			if err := tx.Lock(ctx, key); err != nil {
				return err
			}
			close(held)
			time.Sleep(200 * time.Millisecond)
			committed.Store(true)
			return nil
		})
	}()

	<-held
	err := pg.RunInTx(ctx, func(ctx context.Context, tx attendance.Store) error {
		if err := tx.Lock(ctx, key); err != nil {
			return err
		}
		assert.True(t, committed.Load(), "second holder waits for the first transaction")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestPostgresCancelledTransactionRollsBack(t *testing.T) {
	pg := openPostgres(t)
	s := "s-" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	err := pg.RunInTx(ctx, func(ctx context.Context, tx attendance.Store) error {
		if err := tx.InsertMorningMark(ctx, attendance.MorningMark{ID: uuid.NewString(), SubjectID: s, Date: testDay,
			ArrivalTime: at(8, 0), Status: attendance.StatusOnTime}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.Error(t, err)

	mark, err := pg.GetMorningMark(context.Background(), s, testDay)
	require.NoError(t, err)
	assert.Nil(t, mark)
}
