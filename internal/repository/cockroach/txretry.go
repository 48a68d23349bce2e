package cockroach

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// CockroachDB aborts contended transactions with SQLSTATE 40001 and expects
// the client to retry them.
const serializationFailureCode = "40001"

const maxTxAttempts = 3

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailureCode
}

// withTxRetry runs fn, retrying on transient serialization aborts. Any other
// outcome, including the domain sentinels, returns immediately. fn must be
// a complete transaction so a retry starts from a clean read.
func withTxRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = fn(ctx)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}
