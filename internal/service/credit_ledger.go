package service

import (
	"context"

	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/internal/repository"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

// LedgerScope selects which statuses count towards a credit sum.
type LedgerScope int

const (
	// ScopeReserved counts pending and enrolled enrollments.
	ScopeReserved LedgerScope = iota
	// ScopeCommitted counts ENROLLED only.
	ScopeCommitted
)

var (
	reservedStatuses = []models.EnrollmentStatus{
		models.EnrollmentStatusPendingInstructor,
		models.EnrollmentStatusPendingAdvisor,
		models.EnrollmentStatusEnrolled,
	}
	committedStatuses = []models.EnrollmentStatus{models.EnrollmentStatusEnrolled}
)

// Statuses returns the statuses summed for the scope.
func (s LedgerScope) Statuses() []models.EnrollmentStatus {
	if s == ScopeCommitted {
		return committedStatuses
	}
	return reservedStatuses
}

func (s LedgerScope) String() string {
	if s == ScopeCommitted {
		return "committed"
	}
	return "reserved"
}

// CreditLedger derives a student's credit load per session from enrollments.
// It holds no state of its own; the enrollment rows are the ledger.
type CreditLedger struct {
	limit int
}

// NewCreditLedger constructs a ledger enforcing limit credits per session.
func NewCreditLedger(limit int) *CreditLedger {
	return &CreditLedger{limit: limit}
}

// Limit returns the configured per-session credit ceiling.
func (l *CreditLedger) Limit() int {
	return l.limit
}

// CurrentLoad sums credit weight of PENDING_INSTRUCTOR, PENDING_ADVISOR and ENROLLED enrollments.
func (l *CreditLedger) CurrentLoad(ctx context.Context, src repository.LedgerReader, studentID, sessionID string) (int, error) {
	return l.Load(ctx, src, studentID, sessionID, ScopeReserved, "")
}

// Load sums credit weight for scope, leaving out excludeID when set.
func (l *CreditLedger) Load(ctx context.Context, src repository.LedgerReader, studentID, sessionID string, scope LedgerScope, excludeID string) (int, error) {
	total, err := src.SumCredits(ctx, studentID, sessionID, scope.Statuses(), excludeID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read credit ledger")
	}
	return total, nil
}

// WouldExceedLimit reports whether adding additional credits to the current load passes limit.
func (l *CreditLedger) WouldExceedLimit(ctx context.Context, src repository.LedgerReader, studentID, sessionID string, additional, limit int) (bool, error) {
	load, err := l.CurrentLoad(ctx, src, studentID, sessionID)
	if err != nil {
		return false, err
	}
	return Overage(load, additional, limit) > 0, nil
}

// Figures reads both sums used by the policy, excluding the enrollment under evaluation.
func (l *CreditLedger) Figures(ctx context.Context, src repository.LedgerReader, studentID, sessionID, excludeID string) (*LedgerFigures, error) {
	committed, err := l.Load(ctx, src, studentID, sessionID, ScopeCommitted, excludeID)
	if err != nil {
		return nil, err
	}
	reserved, err := l.Load(ctx, src, studentID, sessionID, ScopeReserved, excludeID)
	if err != nil {
		return nil, err
	}
	return &LedgerFigures{Committed: committed, Reserved: reserved}, nil
}

// Snapshot builds the read model served by the load endpoint.
func (l *CreditLedger) Snapshot(ctx context.Context, src repository.LedgerReader, studentID, sessionID string) (*models.CreditLoad, error) {
	figures, err := l.Figures(ctx, src, studentID, sessionID, "")
	if err != nil {
		return nil, err
	}
	remaining := l.limit - figures.Reserved
	if remaining < 0 {
		remaining = 0
	}
	return &models.CreditLoad{
		StudentID: studentID,
		SessionID: sessionID,
		Reserved:  figures.Reserved,
		Committed: figures.Committed,
		Limit:     l.limit,
		Remaining: remaining,
	}, nil
}

// Overage is how far load+additional lands above limit; zero or negative means it fits.
func Overage(load, additional, limit int) int {
	return load + additional - limit
}
