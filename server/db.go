// Copyright 2025 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
)

// Transactions that fail on a retryable error are re-run at most this many times.
const txRetryAttempts = 5

var ErrRowsAffectedCount = errors.New("rows_affected_count")

// Interface to help utility functions accept either *sql.Row or *sql.Rows for scanning one row at a time.
type Scannable interface {
	Scan(dest ...interface{}) error
}

// ExecuteInTx runs fn inside a transaction and retries it as needed. On
// non-retryable failures, the transaction is aborted and rolled back; on
// success, the transaction is committed.
func ExecuteInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		var tx *sql.Tx
		tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err = fn(tx); err != nil {
			_ = tx.Rollback()
			if retryableTxError(err) && ctx.Err() == nil {
				continue
			}
			return err
		}
		if err = tx.Commit(); err != nil {
			if retryableTxError(err) && ctx.Err() == nil {
				continue
			}
			return err
		}
		return nil
	}
	return err
}

// retryableTxError reports whether the whole transaction can be safely re-run.
func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(errorCause(err), &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

// dbIsUniqueViolation reports whether err is a unique constraint violation,
// optionally restricted to the named constraints.
func dbIsUniqueViolation(err error, constraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(errorCause(err), &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	for _, c := range constraints {
		if pgErr.ConstraintName == c {
			return true
		}
	}
	return false
}

// dbIsForeignKeyViolation reports whether err is a foreign key constraint violation.
func dbIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(errorCause(err), &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}
