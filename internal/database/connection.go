package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"ledger-service/internal/config"
	ierr "ledger-service/internal/errors"
)

// MySQL server error numbers that indicate a transient locking failure.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errDuplicateEntry  = 1062
)

// Querier is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewConnection(cfg *config.Config, log *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	err = db.Ping()
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") {
			return nil, fmt.Errorf("error pinging database: %w", err)
		}

		log.Warn("database does not exist, attempting to create it", zap.String("database", cfg.Database.Name))
		db.Close()

		rootDB, err := sql.Open("mysql", getRootDSN(cfg))
		if err != nil {
			return nil, fmt.Errorf("error connecting to MySQL root: %w", err)
		}
		defer rootDB.Close()
		_, err = rootDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", cfg.Database.Name))
		if err != nil {
			return nil, fmt.Errorf("error creating database: %w", err)
		}
		log.Info("created database", zap.String("database", cfg.Database.Name))

		db, err = sql.Open("mysql", cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("error connecting to new database: %w", err)
		}
		if err = db.Ping(); err != nil {
			return nil, fmt.Errorf("error verifying connection to new database: %w", err)
		}
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("connected to MySQL database", zap.String("host", cfg.Database.Host))
	return db, nil
}

func getRootDSN(cfg *config.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/?parseTime=true",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise; transient lock failures are marked
// as integrity errors so callers can retry them.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Unable to start transaction").
			Mark(ierr.ErrDatabase)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(ierr.WithError(err).WithMessage("failed to commit transaction").Error())
	}
	return nil
}

func classify(err error) error {
	if IsRetryable(err) {
		return ierr.WithError(err).
			WithHint("The ledger is busy, try again").
			Mark(ierr.ErrIntegrity)
	}
	return err
}

// IsRetryable reports whether err is a lock wait timeout or deadlock.
func IsRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if ierr.As(err, &myErr) {
		return myErr.Number == errLockWaitTimeout || myErr.Number == errDeadlock
	}
	return false
}

// IsDuplicate reports whether err is a unique key violation.
func IsDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if ierr.As(err, &myErr) {
		return myErr.Number == errDuplicateEntry
	}
	return false
}
