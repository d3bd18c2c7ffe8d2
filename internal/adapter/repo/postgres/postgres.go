// Package postgres implements the durable stores on PostgreSQL via pgx.
//
// All state transitions are conditional writes keyed on (state, lease holder)
// or (status, version); CAS misses surface as domain errors, never as silent
// success.
package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation reports whether err is a postgres unique_violation
// (SQLSTATE 23505), the signal that a concurrent writer won an insert race.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
