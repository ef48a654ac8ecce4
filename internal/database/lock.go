package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/guard"
)

var errLockBusy = errors.New("lock busy")

// MaterializationKey names the lock and the snapshot of one issuer and date.
func MaterializationKey(issuerID string, asOf time.Time) string {
	return "explanation:" + issuerID + ":" + formatDate(asOf)
}

// retryLock calls try until it reports the lock taken, the wait elapses or
// ctx ends. A zero wait tries exactly once.
func retryLock(ctx context.Context, key string, wait time.Duration, try func() (bool, error)) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if wait > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 20 * time.Millisecond
		eb.MaxInterval = 250 * time.Millisecond
		eb.MaxElapsedTime = wait
		b = eb
	}
	err := backoff.Retry(func() error {
		ok, err := try()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, errLockBusy) {
		return &guard.StaleMaterialization{Key: key, Waited: wait}
	}
	return err
}

// advisoryLock takes a transaction-scoped Postgres advisory lock. It is
// released by commit or rollback.
func advisoryLock(ctx context.Context, t *txn, key string, wait time.Duration) error {
	return retryLock(ctx, key, wait, func() (bool, error) {
		var ok bool
		if err := t.queryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext(?))`, key).Scan(&ok); err != nil {
			return false, fmt.Errorf("advisory lock: %w", err)
		}
		return ok, nil
	})
}

// rowLock takes the SQLite lock row for key. Rows older than the lock TTL
// belong to a crashed holder and are taken over. The returned func
// releases the lock.
func (db *DB) rowLock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	holder := uuid.NewString()
	err := retryLock(ctx, key, wait, func() (bool, error) {
		acquired := false
		err := db.inTx(ctx, func(t *txn) error {
			var current, at string
			err := t.queryRow(ctx, `SELECT holder, acquired_at FROM materialization_lock WHERE lock_key = ?`, key).Scan(&current, &at)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return err
			default:
				since, _ := parseTime(at)
				if db.Now().Sub(since) < db.lockTTL {
					return nil
				}
				db.log.Warn("taking over expired materialization lock", zap.String("key", key), zap.String("holder", current))
			}
			if _, err := t.exec(ctx, `
INSERT INTO materialization_lock (lock_key, holder, acquired_at) VALUES (?, ?, ?)
ON CONFLICT (lock_key) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at`,
				key, holder, formatTime(db.Now())); err != nil {
				return err
			}
			acquired = true
			return nil
		})
		return acquired, err
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if _, err := db.exec(context.WithoutCancel(ctx), `DELETE FROM materialization_lock WHERE lock_key = ? AND holder = ?`, key, holder); err != nil {
			db.log.Error("releasing materialization lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
