package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
)

// ErrInvalidTransition signals a state change the lifecycle does not
// allow, e.g. cancelling a CLOSED operation.
type ErrInvalidTransition struct {
	Entity  string
	From    string
	To      string
	Allowed []string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s (allowed from %s: %s)",
		e.Entity, e.From, e.To, e.From, strings.Join(e.Allowed, ", "))
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation, optionally on a specific constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// mapNoRows converts pgx's sentinel into the package sentinel.
func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
