package store

import (
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/routeops-platform/api/internal/importer"
)

// Store is the hand-written pgx query layer. Every query is tenant-scoped.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// classifyWriteErr wraps retryable failures (deadlock, serialization, lock
// timeout, connection trouble) so the orchestrator's backoff loop can tell
// them apart from structural constraint violations.
func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"53300", // too_many_connections
			"08000", "08006": // connection exceptions
			return &importer.TransientWriteError{Err: err}
		}
		return err
	}

	if pgconn.Timeout(err) {
		return &importer.TransientWriteError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &importer.TransientWriteError{Err: err}
	}
	return err
}
