package repository

import (
	"context"
	"errors"

	"github.com/lib/pq"

	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

// LedgerReader aggregates credit weight for one student in one session.
type LedgerReader interface {
	SumCredits(ctx context.Context, studentID, sessionID string, statuses []models.EnrollmentStatus, excludeID string) (int, error)
}

// UnitOfWork is the locked scope of a single enrollment write. Reads through it
// observe the same snapshot the write commits against.
type UnitOfWork interface {
	LedgerReader
	// LockLedger serialises credit-gated work for the (student, session) pair
	// until the unit ends. Repeated calls are no-ops.
	LockLedger(ctx context.Context, studentID, sessionID string) error
	// Save stages the updated enrollment and its history row. Version is bumped on success.
	Save(ctx context.Context, enrollment *models.Enrollment, transition *models.EnrollmentTransition) error
}

// TransitionFunc runs while the enrollment row is locked. Returning an error
// discards everything staged through the unit.
type TransitionFunc func(ctx context.Context, current models.Enrollment, uow UnitOfWork) error

// CreateGuard runs under the ledger lock before a new enrollment is inserted.
type CreateGuard func(ctx context.Context, ledger LedgerReader) error

// CreateEnrollmentParams carries the row and its opening history entry.
type CreateEnrollmentParams struct {
	Enrollment *models.Enrollment
	Transition *models.EnrollmentTransition
}

// LedgerKey names the lock scope shared by a student's enrollments in a session.
func LedgerKey(studentID, sessionID string) string {
	return "ledger:" + studentID + ":" + sessionID
}

func enrollmentKey(id string) string {
	return "enrollment:" + id
}

func statusStrings(statuses []models.EnrollmentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Postgres error codes that mean "another writer got there first".
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgQueryCanceled        = "57014"
	pgUniqueViolation      = "23505"
)

func conflictError(err error) *appErrors.Error {
	return appErrors.Wrap(err, appErrors.ErrConcurrentConflict.Code, appErrors.ErrConcurrentConflict.Status, appErrors.ErrConcurrentConflict.Message)
}

// mapStoreError converts lock and serialization failures into ConcurrentConflict
// and leaves typed errors untouched.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return conflictError(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected, pgQueryCanceled:
			return conflictError(err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

func notFoundEnrollment() *appErrors.Error {
	return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
}
