//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	if !IsSQLiteConflictError(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("expected busy error to be a conflict")
	}
	if IsSQLiteConflictError(errors.New("no such table: rooms")) {
		t.Fatal("schema error must not be a conflict")
	}
	if IsSQLiteConflictError(nil) {
		t.Fatal("nil must not be a conflict")
	}
}

func TestIsSQLiteUniqueError(t *testing.T) {
	t.Parallel()

	err := errors.New("constraint failed: UNIQUE constraint failed: messages.room_id, messages.seq (2067)")
	if !IsSQLiteUniqueError(err) {
		t.Fatal("expected unique violation to be detected")
	}
}

func TestRetryOnConflictStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	calls := 0
	permanent := errors.New("permanent")
	err := RetryOnConflict(context.Background(), RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, IsSQLiteConflictError, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestRetryOnConflictRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryOnConflict(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, IsSQLiteConflictError, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected three calls, got %d", calls)
	}
}
