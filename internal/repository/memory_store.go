package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/pkg/locker"
)

// MemoryEnrollmentStore keeps enrollments in process memory. Row and ledger
// scopes are serialised with a keyed locker and committed under a single mutex,
// so it offers the same atomicity as the PostgreSQL repository within one process.
type MemoryEnrollmentStore struct {
	mu          sync.RWMutex
	enrollments map[string]models.Enrollment
	transitions map[string][]models.EnrollmentTransition

	locks       *locker.Keyed
	lockTimeout time.Duration
}

// NewMemoryEnrollmentStore constructs an empty store.
func NewMemoryEnrollmentStore(lockTimeout time.Duration) *MemoryEnrollmentStore {
	return &MemoryEnrollmentStore{
		enrollments: make(map[string]models.Enrollment),
		transitions: make(map[string][]models.EnrollmentTransition),
		locks:       locker.NewKeyed(),
		lockTimeout: lockTimeout,
	}
}

// FindByID returns a copy of the enrollment or nil when it does not exist.
func (s *MemoryEnrollmentStore) FindByID(_ context.Context, id string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// List mirrors the PostgreSQL filter, sort and pagination semantics.
func (s *MemoryEnrollmentStore) List(_ context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	s.mu.RLock()
	matched := make([]models.Enrollment, 0, len(s.enrollments))
	for _, e := range s.enrollments {
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.CourseID != "" && e.CourseID != filter.CourseID {
			continue
		}
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.FacultyAdvisorID != "" && (e.FacultyAdvisorID == nil || *e.FacultyAdvisorID != filter.FacultyAdvisorID) {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	asc := strings.ToUpper(filter.SortOrder) == "ASC"
	less := func(a, b models.Enrollment) bool {
		switch filter.SortBy {
		case "transitioned_at":
			if !a.TransitionedAt.Equal(b.TransitionedAt) {
				return a.TransitionedAt.Before(b.TransitionedAt) == asc
			}
		case "status":
			if a.Status != b.Status {
				return (a.Status < b.Status) == asc
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt) == asc
			}
		}
		return a.ID < b.ID
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	total := len(matched)
	page, size := normalisePage(filter.Page, filter.PageSize)
	start := (page - 1) * size
	if start >= total {
		return []models.Enrollment{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// ListTransitions returns the enrollment history, oldest first.
func (s *MemoryEnrollmentStore) ListTransitions(_ context.Context, enrollmentID string) ([]models.EnrollmentTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.transitions[enrollmentID]
	out := make([]models.EnrollmentTransition, len(history))
	copy(out, history)
	return out, nil
}

// SumCredits aggregates committed rows without taking the ledger lock.
func (s *MemoryEnrollmentStore) SumCredits(_ context.Context, studentID, sessionID string, statuses []models.EnrollmentStatus, excludeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumLocked(studentID, sessionID, statuses, excludeID), nil
}

// Create inserts a new enrollment under the ledger lock, returning an existing
// non-rejected enrollment for the same identity instead of inserting.
func (s *MemoryEnrollmentStore) Create(ctx context.Context, params CreateEnrollmentParams, guard CreateGuard) (*models.Enrollment, bool, error) {
	e := params.Enrollment
	unit := &memoryUnit{store: s}
	defer unit.release()

	if err := unit.LockLedger(ctx, e.StudentID, e.SessionID); err != nil {
		return nil, false, err
	}

	if existing := s.findActiveIdentity(e.StudentID, e.CourseID, e.SessionID); existing != nil {
		return existing, false, nil
	}
	if guard != nil {
		if err := guard(ctx, unit); err != nil {
			return nil, false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.enrollments[e.ID]; exists {
		return nil, false, fmt.Errorf("insert enrollment: duplicate id %s", e.ID)
	}
	s.enrollments[e.ID] = *e
	if params.Transition != nil {
		s.transitions[e.ID] = append(s.transitions[e.ID], *params.Transition)
	}
	created := *e
	return &created, true, nil
}

// Transition locks the enrollment, runs fn and applies whatever fn staged.
func (s *MemoryEnrollmentStore) Transition(ctx context.Context, id string, fn TransitionFunc) (*models.Enrollment, error) {
	unit := &memoryUnit{store: s}
	defer unit.release()

	if err := unit.lock(ctx, enrollmentKey(id)); err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, ok := s.enrollments[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFoundEnrollment()
	}

	if err := fn(ctx, current, unit); err != nil {
		return nil, err
	}
	if unit.staged == nil {
		return &current, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrollments[id].Version != current.Version {
		return nil, conflictError(fmt.Errorf("enrollment %s changed since it was read", id))
	}
	saved := *unit.staged
	s.enrollments[id] = saved
	s.transitions[id] = append(s.transitions[id], unit.stagedHistory...)
	return &saved, nil
}

func (s *MemoryEnrollmentStore) findActiveIdentity(studentID, courseID, sessionID string) *models.Enrollment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.enrollments {
		if e.StudentID == studentID && e.CourseID == courseID && e.SessionID == sessionID && e.Status != models.EnrollmentStatusRejected {
			found := e
			return &found
		}
	}
	return nil
}

func (s *MemoryEnrollmentStore) sumLocked(studentID, sessionID string, statuses []models.EnrollmentStatus, excludeID string) int {
	total := 0
	for _, e := range s.enrollments {
		if e.StudentID != studentID || e.SessionID != sessionID || e.ID == excludeID {
			continue
		}
		for _, status := range statuses {
			if e.Status == status {
				total += e.CreditWeight
				break
			}
		}
	}
	return total
}

// memoryUnit implements UnitOfWork by holding keyed locks until release.
type memoryUnit struct {
	store         *MemoryEnrollmentStore
	held          map[string]locker.UnlockFunc
	order         []string
	staged        *models.Enrollment
	stagedHistory []models.EnrollmentTransition
}

func (u *memoryUnit) lock(ctx context.Context, key string) error {
	if _, ok := u.held[key]; ok {
		return nil
	}
	lockCtx := ctx
	if u.store.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, u.store.lockTimeout)
		defer cancel()
	}
	unlock, err := u.store.locks.Lock(lockCtx, key)
	if err != nil {
		return conflictError(fmt.Errorf("acquire %s: %w", key, err))
	}
	if u.held == nil {
		u.held = make(map[string]locker.UnlockFunc)
	}
	u.held[key] = unlock
	u.order = append(u.order, key)
	return nil
}

func (u *memoryUnit) release() {
	for i := len(u.order) - 1; i >= 0; i-- {
		u.held[u.order[i]]()
	}
	u.held = nil
	u.order = nil
}

func (u *memoryUnit) LockLedger(ctx context.Context, studentID, sessionID string) error {
	return u.lock(ctx, LedgerKey(studentID, sessionID))
}

func (u *memoryUnit) SumCredits(_ context.Context, studentID, sessionID string, statuses []models.EnrollmentStatus, excludeID string) (int, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	return u.store.sumLocked(studentID, sessionID, statuses, excludeID), nil
}

func (u *memoryUnit) Save(_ context.Context, enrollment *models.Enrollment, transition *models.EnrollmentTransition) error {
	enrollment.Version++
	staged := *enrollment
	u.staged = &staged
	if transition != nil {
		u.stagedHistory = append(u.stagedHistory, *transition)
	}
	return nil
}
