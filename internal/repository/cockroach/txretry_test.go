package cockroach

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartlink-backend/internal/domain"
)

func serializationAbort() error {
	return &pgconn.PgError{Code: serializationFailureCode, Message: "restart transaction"}
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, isSerializationFailure(serializationAbort()))
	assert.True(t, isSerializationFailure(
		fmt.Errorf("failed to commit call creation: %w", serializationAbort())))

	assert.False(t, isSerializationFailure(nil))
	assert.False(t, isSerializationFailure(domain.ErrActiveCallExists))
	assert.False(t, isSerializationFailure(domain.ErrStatusConflict))
	assert.False(t, isSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isSerializationFailure(errors.New("connection refused")))
}

func TestWithTxRetry_RetriesSerializationAbortThenSucceeds(t *testing.T) {
	attempts := 0
	err := withTxRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return serializationAbort()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithTxRetry_DoesNotRetryDomainErrors(t *testing.T) {
	attempts := 0
	err := withTxRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return domain.ErrActiveCallExists
	})

	assert.ErrorIs(t, err, domain.ErrActiveCallExists)
	assert.Equal(t, 1, attempts)
}

func TestWithTxRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := withTxRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("failed to transition call: %w", serializationAbort())
	})

	assert.True(t, isSerializationFailure(err))
	assert.Equal(t, maxTxAttempts, attempts)
}
