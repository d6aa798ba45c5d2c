package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/exchange_sync/internal/retry"
)

// errConfig marks failures that no amount of waiting will fix
type errConfig struct{ error }

func (e errConfig) Unwrap() error { return e.error }

// NewWithRetry connects to PostgreSQL, waiting for the server to come up.
// A malformed DSN or a rejected login fails at once.
func NewWithRetry(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	connConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, errConfig{err}
	}

	var pool PgxPoolIface
	err = retry.WithClassifier(ctx, retry.PostgreSQLDefaults(), func() (err error) {
		if pool, err = NewWithConfig(ctx, connConfig.Copy(), callbacks...); err != nil {
			return errConfig{err}
		}
		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			pool = nil
		}
		return err
	}, "Postgres connect", connectRetryable)
	if err != nil {
		logrus.WithError(err).Error("Failed to establish PostgreSQL connection")
		return nil, err
	}
	return pool, nil
}

// connectRetryable rejects configuration errors and authentication failures (SQLSTATE class 28)
func connectRetryable(err error) bool {
	var cfgErr errConfig
	if errors.As(err, &cfgErr) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "28" {
		return false
	}
	return true
}
