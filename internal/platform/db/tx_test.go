package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/cardledger/cardledger/internal/shared"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, 0, nil, func() error {
		calls++
		if calls < 2 {
			return fmt.Errorf("line 1: %w", shared.ErrConcurrentModification)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryDoesNotRetryPlainConflicts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, 0, nil, func() error {
		calls++
		return shared.ErrConflict
	})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Equal(t, 1, calls)
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	retries := 0
	err := Retry(context.Background(), 3, 0, func(int, error) { retries++ }, func() error {
		calls++
		return shared.ErrConcurrentModification
	})
	require.ErrorIs(t, err, shared.ErrConcurrentModification)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestClassify(t *testing.T) {
	err := Classify(fmt.Errorf("exec: %w", &pgconn.PgError{Code: CodeSerializationFailure, Message: "could not serialize"}))
	require.ErrorIs(t, err, shared.ErrConcurrentModification)

	err = Classify(&pgconn.PgError{Code: CodeDeadlockDetected})
	require.True(t, shared.IsRetryable(err))

	plain := errors.New("boom")
	require.Equal(t, plain, Classify(plain))
	require.NoError(t, Classify(nil))
}
