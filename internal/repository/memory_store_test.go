package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

func seedEnrollment(t *testing.T, store *MemoryEnrollmentStore, id string, status models.EnrollmentStatus, credits int) *models.Enrollment {
	t.Helper()
	now := time.Now().UTC()
	e := &models.Enrollment{ID: id, StudentID: "stu-1", CourseID: "crs-" + id, SessionID: "2025-1", Status: status, CreditWeight: credits, Version: 1, CreatedAt: now, TransitionedAt: now}
	created, ok, err := store.Create(context.Background(), CreateEnrollmentParams{Enrollment: e}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	return created
}

func TestMemoryStoreCreateReturnsActiveDuplicate(t *testing.T) {
	store := NewMemoryEnrollmentStore(time.Second)
	first := seedEnrollment(t, store, "e1", models.EnrollmentStatusPendingInstructor, 3)

	dup := &models.Enrollment{ID: "e2", StudentID: "stu-1", CourseID: first.CourseID, SessionID: "2025-1", Status: models.EnrollmentStatusPendingInstructor, CreditWeight: 3}
	existing, created, err := store.Create(context.Background(), CreateEnrollmentParams{Enrollment: dup}, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "e1", existing.ID)
}

func TestMemoryStoreCreateAfterRejectionInsertsNewRecord(t *testing.T) {
	store := NewMemoryEnrollmentStore(time.Second)
	seedEnrollment(t, store, "e1", models.EnrollmentStatusRejected, 3)

	again := &models.Enrollment{ID: "e2", StudentID: "stu-1", CourseID: "crs-e1", SessionID: "2025-1", Status: models.EnrollmentStatusPendingInstructor, CreditWeight: 3}
	_, created, err := store.Create(context.Background(), CreateEnrollmentParams{Enrollment: again}, nil)
	require.NoError(t, err)
	assert.True(t, created)

	_, total, err := store.List(context.Background(), models.EnrollmentFilter{StudentID: "stu-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestMemoryStoreTransitionAppliesStagedWrite(t *testing.T) {
	store := NewMemoryEnrollmentStore(time.Second)
	seedEnrollment(t, store, "e1", models.EnrollmentStatusPendingInstructor, 3)

	result, err := store.Transition(context.Background(), "e1", func(ctx context.Context, current models.Enrollment, uow UnitOfWork) error {
		from := current.Status
		current.Status = models.EnrollmentStatusPendingAdvisor
		return uow.Save(ctx, &current, &models.EnrollmentTransition{ID: "t1", EnrollmentID: current.ID, FromStatus: &from, ToStatus: current.Status})
	})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPendingAdvisor, result.Status)
	assert.Equal(t, 2, result.Version)

	history, err := store.ListTransitions(context.Background(), "e1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemoryStoreTransitionErrorDiscardsStagedWrite(t *testing.T) {
	store := NewMemoryEnrollmentStore(time.Second)
	seedEnrollment(t, store, "e1", models.EnrollmentStatusPendingAdvisor, 3)

	_, err := store.Transition(context.Background(), "e1", func(ctx context.Context, current models.Enrollment, uow UnitOfWork) error {
		current.Status = models.EnrollmentStatusEnrolled
		require.NoError(t, uow.Save(ctx, &current, nil))
		return appErrors.Clone(appErrors.ErrCreditLimitExceeded, "")
	})
	assert.True(t, errors.Is(err, appErrors.ErrCreditLimitExceeded))

	stored, err := store.FindByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPendingAdvisor, stored.Status)
	assert.Equal(t, 1, stored.Version)
}

func TestMemoryStoreTransitionNotFound(t *testing.T) {
	store := NewMemoryEnrollmentStore(time.Second)
	_, err := store.Transition(context.Background(), "missing", func(context.Context, models.Enrollment, UnitOfWork) error { return nil })
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestMemoryStoreLedgerLockTimeoutIsConflict(t *testing.T) {
	store := NewMemoryEnrollmentStore(20 * time.Millisecond)
	seedEnrollment(t, store, "e1", models.EnrollmentStatusPendingAdvisor, 3)
	seedEnrollment(t, store, "e2", models.EnrollmentStatusPendingAdvisor, 3)

	holding := make(chan struct{})
	releaseHolder := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = store.Transition(context.Background(), "e1", func(ctx context.Context, current models.Enrollment, uow UnitOfWork) error {
			if err := uow.LockLedger(ctx, current.StudentID, current.SessionID); err != nil {
				return err
			}
			close(holding)
			<-releaseHolder
			return nil
		})
	}()
	<-holding

	_, err := store.Transition(context.Background(), "e2", func(ctx context.Context, current models.Enrollment, uow UnitOfWork) error {
		return uow.LockLedger(ctx, current.StudentID, current.SessionID)
	})
	close(releaseHolder)
	<-done

	assert.True(t, errors.Is(err, appErrors.ErrConcurrentConflict))
	assert.Zero(t, store.locks.Len())
}

func TestMemoryStoreSerialisesSameEnrollment(t *testing.T) {
	store := NewMemoryEnrollmentStore(5 * time.Second)
	seedEnrollment(t, store, "e1", models.EnrollmentStatusPendingInstructor, 3)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Transition(context.Background(), "e1", func(ctx context.Context, current models.Enrollment, uow UnitOfWork) error {
				return uow.Save(ctx, &current, &models.EnrollmentTransition{ID: fmt.Sprintf("t%d", i), EnrollmentID: current.ID, ToStatus: current.Status})
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := store.FindByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, 26, stored.Version)
	history, err := store.ListTransitions(context.Background(), "e1")
	require.NoError(t, err)
	assert.Len(t, history, 25)
	assert.Zero(t, store.locks.Len(), "idle enrollment keys must be released")
}

func TestMemoryStoreSumCreditsExcludes(t *testing.T) {
	store := NewMemoryEnrollmentStore(time.Second)
	seedEnrollment(t, store, "e1", models.EnrollmentStatusEnrolled, 3)
	seedEnrollment(t, store, "e2", models.EnrollmentStatusPendingAdvisor, 4)
	seedEnrollment(t, store, "e3", models.EnrollmentStatusRejected, 6)

	all := []models.EnrollmentStatus{models.EnrollmentStatusPendingInstructor, models.EnrollmentStatusPendingAdvisor, models.EnrollmentStatusEnrolled}
	total, err := store.SumCredits(context.Background(), "stu-1", "2025-1", all, "")
	require.NoError(t, err)
	assert.Equal(t, 7, total)

	total, err = store.SumCredits(context.Background(), "stu-1", "2025-1", all, "e2")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestMemoryStoreListPaginates(t *testing.T) {
	store := NewMemoryEnrollmentStore(time.Second)
	for i := 0; i < 5; i++ {
		seedEnrollment(t, store, fmt.Sprintf("e%d", i), models.EnrollmentStatusPendingInstructor, 1)
	}
	items, total, err := store.List(context.Background(), models.EnrollmentFilter{PageSize: 2, Page: 3, SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, items, 1)
}

func TestMemoryCatalogAdvisorUpsert(t *testing.T) {
	catalog := NewMemoryCatalog()
	prev, err := catalog.Upsert(context.Background(), &models.AdvisorAssignment{DepartmentCode: "IF", Year: 2021, AdvisorID: "adv-1"})
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = catalog.Upsert(context.Background(), &models.AdvisorAssignment{DepartmentCode: "IF", Year: 2021, AdvisorID: "adv-2"})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "adv-1", *prev)

	found, err := catalog.Find(context.Background(), "IF", 2021)
	require.NoError(t, err)
	assert.Equal(t, "adv-2", found.AdvisorID)

	missing, err := catalog.Find(context.Background(), "IF", 2020)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryCatalogSeedRejectsZeroCredits(t *testing.T) {
	catalog := NewMemoryCatalog()
	err := catalog.Seed(context.Background(), models.ReferenceData{Courses: []models.Course{{ID: "c1", Credits: 0}}})
	assert.Error(t, err)
}
