// Package mysql implements the durable billing stores (accounts, rate
// cards, reservations, ledger, CDRs) against MySQL, grounded on the
// teacher's internal/db connection-pool-and-retry conventions.
package mysql

import (
    "context"
    "database/sql"
    "strings"
    "time"

    _ "github.com/go-sql-driver/mysql"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

// DB wraps *sql.DB with the retrying transaction helper every store in
// this package builds on.
type DB struct {
    conn *sql.DB
    cfg  config.DatabaseConfig
}

// Open dials MySQL with the teacher's retry-with-backoff dial loop and
// configures the connection pool from cfg.
func Open(cfg config.DatabaseConfig) (*DB, error) {
    var conn *sql.DB
    var err error

    attempts := cfg.RetryAttempts
    if attempts <= 0 {
        attempts = 1
    }

    for attempt := 1; attempt <= attempts; attempt++ {
        conn, err = sql.Open("mysql", cfg.GetDSN())
        if err == nil {
            err = conn.Ping()
        }
        if err == nil {
            break
        }
        logger.WithField("attempt", attempt).WithError(err).Warn("database dial failed, retrying")
        time.Sleep(cfg.RetryDelay * time.Duration(attempt))
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to connect to database")
    }

    conn.SetMaxOpenConns(cfg.MaxOpenConns)
    conn.SetMaxIdleConns(cfg.MaxIdleConns)
    conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

    return &DB{conn: conn, cfg: cfg}, nil
}

func (d *DB) Close() error {
    return d.conn.Close()
}

func (d *DB) Conn() *sql.DB {
    return d.conn
}

// Transaction retries the whole closure on a transient error, mirroring
// the teacher's internal/db.DB.Transaction.
func (d *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
    attempts := d.cfg.RetryAttempts
    if attempts <= 0 {
        attempts = 1
    }

    var lastErr error
    for attempt := 1; attempt <= attempts; attempt++ {
        lastErr = d.transactionOnce(ctx, fn)
        if lastErr == nil {
            return nil
        }
        if !isRetryableError(lastErr) {
            return lastErr
        }

        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(d.cfg.RetryDelay * time.Duration(attempt)):
        }
    }
    return errors.Wrap(lastErr, errors.ErrTransient, "transaction failed after retries")
}

func (d *DB) transactionOnce(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
    tx, err := d.conn.BeginTx(ctx, nil)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to begin transaction")
    }

    defer func() {
        if p := recover(); p != nil {
            tx.Rollback()
            panic(p)
        }
    }()

    if err := fn(tx); err != nil {
        tx.Rollback()
        return err
    }

    if err := tx.Commit(); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to commit transaction")
    }
    return nil
}

func isRetryableError(err error) bool {
    msg := strings.ToLower(err.Error())
    for _, substr := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "deadlock", "try restarting transaction"} {
        if strings.Contains(msg, substr) {
            return true
        }
    }
    if appErr, ok := err.(*errors.AppError); ok {
        return appErr.IsRetryable()
    }
    return false
}
