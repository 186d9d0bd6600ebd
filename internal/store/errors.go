// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/models"
)

// ErrNotFound is returned when no video row matches the given id.
var ErrNotFound = errors.New("video not found")

// ErrStateConflict is returned when a guarded transition's expected
// status does not match the row. Callers inspect the wrapped
// StateConflictError to decide between a no-op skip and a retry.
var ErrStateConflict = errors.New("lifecycle state conflict")

// StateConflictError carries the row's actual status alongside the
// rejected transition.
type StateConflictError struct {
	VideoID   string
	Expected  models.Status
	Attempted models.Status
	Current   models.Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("video %s: cannot move %s -> %s, current status is %s",
		e.VideoID, e.Expected, e.Attempted, e.Current)
}

func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

// closeQuietly closes a resource and explicitly ignores the error.
// Used in error paths where Close failures are not actionable.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}

// rollbackQuietly rolls back a transaction, logging unexpected
// failures. Rollback after Commit returns sql.ErrTxDone, which is
// fine.
func rollbackQuietly(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logging.Warn().Err(err).Msg("transaction rollback failed")
	}
}
