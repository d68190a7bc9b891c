package repositories

import (
	"database/sql"
	"strings"

	ierr "ledger-service/internal/errors"
)

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(entity string, id int64) error {
	return ierr.NewErrorf("%s %d not found", entity, id).
		WithHintf("%s not found", strings.ReplaceAll(entity, "_", " ")).
		WithReportableDetails(map[string]any{"entity": entity, "id": id}).
		Mark(ierr.ErrNotFound)
}

func dbError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return ierr.WithError(err).
		WithMessage(msg).
		Mark(ierr.ErrDatabase)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func lastInsertID(res sql.Result, id *int64) error {
	v, err := res.LastInsertId()
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func expectOneRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err, "failed to read rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}
