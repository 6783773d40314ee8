package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/krs-api/internal/dto"
	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/internal/repository"
)

const (
	testSession    = "2025-odd"
	testInstructor = "lect-1"
	testAdvisor    = "adv-1"
)

type fixtureOptions struct {
	entry models.EnrollmentStatus
	// optimistic turns the pending-credit reservation off, leaving only the approval gate.
	optimistic bool
	limit      int
	maxRetries int
}

type workflowFixture struct {
	t        *testing.T
	store    *repository.MemoryEnrollmentStore
	catalog  *repository.MemoryCatalog
	redis    *miniredis.Miniredis
	cache    *CacheService
	resolver *AdvisorResolver
	ledger   *CreditLedger
	machine  *EnrollmentStateMachine
	audit    *AuditService
	metrics  *MetricsService
	advisors *AdvisorService
	svc      *WorkflowService
}

func newWorkflowFixture(t *testing.T, opts fixtureOptions) *workflowFixture {
	t.Helper()
	if opts.limit == 0 {
		opts.limit = 24
	}
	if opts.entry == "" {
		opts.entry = models.EnrollmentStatusPendingInstructor
	}
	if opts.maxRetries == 0 {
		opts.maxRetries = 3
	}

	ctx := context.Background()
	f := &workflowFixture{t: t}
	f.store = repository.NewMemoryEnrollmentStore(2 * time.Second)
	f.catalog = repository.NewMemoryCatalog()
	require.NoError(t, f.catalog.Seed(ctx, models.ReferenceData{
		Sessions: []models.AcademicSession{{ID: testSession, Name: "2025/2026 Odd", IsActive: true}},
		Students: []models.Student{
			{ID: "stu-1", NIM: "21001", FullName: "Ayu", DepartmentCode: "IF", Year: 2021, Active: true},
			{ID: "stu-2", NIM: "22001", FullName: "Bima", DepartmentCode: "SI", Year: 2022, Active: true},
			{ID: "stu-3", NIM: "21002", FullName: "Citra", DepartmentCode: "IF", Year: 2021, Active: true},
		},
		Courses: []models.Course{
			{ID: "crs-a", Code: "IF201", Name: "Algorithms", SessionID: testSession, DepartmentCode: "IF", InstructorID: testInstructor, Credits: 4},
			{ID: "crs-b", Code: "IF202", Name: "Databases", SessionID: testSession, DepartmentCode: "IF", InstructorID: testInstructor, Credits: 3},
		},
		Advisors: []models.AdvisorAssignment{{DepartmentCode: "IF", Year: 2021, AdvisorID: testAdvisor}},
	}))

	f.redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: f.redis.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f.metrics = NewMetricsService()
	f.cache = NewCacheService(repository.NewCacheRepository(client, "krs-test", nil), f.metrics, time.Minute, zap.NewNop(), true)
	f.resolver = NewAdvisorResolver(f.catalog, f.cache, time.Minute, zap.NewNop())
	f.ledger = NewCreditLedger(opts.limit)
	f.machine = NewEnrollmentStateMachine(f.store, f.catalog, f.resolver, f.ledger, StateMachineConfig{
		EntryStatus:           opts.entry,
		ReservePendingCredits: !opts.optimistic,
	}, zap.NewNop())

	f.audit = NewAuditService(f.catalog, f.metrics, AuditConfig{Workers: 1, MaxRetries: 1, RetryDelay: time.Millisecond}, zap.NewNop())
	f.audit.Start(ctx)
	t.Cleanup(f.audit.Stop)

	f.advisors = NewAdvisorService(f.catalog, f.resolver, f.audit, nil, zap.NewNop())
	f.svc = NewWorkflowService(f.machine, f.store, f.ledger, f.cache, f.audit, f.metrics, nil, zap.NewNop(), WorkflowConfig{
		MaxAttempts:    opts.maxRetries,
		RetryBaseDelay: time.Millisecond,
		IdempotencyTTL: time.Hour,
	})
	return f
}

func claimsFor(id string, role models.UserRole, extra ...models.UserRole) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: role, Roles: extra}
}

func studentClaims(id string) *models.JWTClaims { return claimsFor(id, models.RoleStudent) }

func instructorClaims() *models.JWTClaims { return claimsFor(testInstructor, models.RoleInstructor) }

func advisorClaims() *models.JWTClaims { return claimsFor(testAdvisor, models.RoleAdvisor) }

// addCourse registers an extra offering taught by the test instructor.
func (f *workflowFixture) addCourse(id string, credits int) {
	f.t.Helper()
	require.NoError(f.t, f.catalog.Seed(context.Background(), models.ReferenceData{
		Courses: []models.Course{{ID: id, Code: id, Name: id, SessionID: testSession, DepartmentCode: "IF", InstructorID: testInstructor, Credits: credits}},
	}))
}

// seedEnrolled places an ENROLLED enrollment worth credits directly in the store.
func (f *workflowFixture) seedEnrolled(studentID string, credits int) {
	f.t.Helper()
	courseID := "seed-" + uuid.NewString()[:8]
	f.addCourse(courseID, credits)
	now := time.Now().UTC()
	_, created, err := f.store.Create(context.Background(), repository.CreateEnrollmentParams{Enrollment: &models.Enrollment{
		ID:             uuid.NewString(),
		StudentID:      studentID,
		CourseID:       courseID,
		SessionID:      testSession,
		Status:         models.EnrollmentStatusEnrolled,
		SemesterNumber: 5,
		Category:       "REGULAR",
		CreditWeight:   credits,
		Version:        1,
		CreatedAt:      now,
		TransitionedAt: now,
	}}, nil)
	require.NoError(f.t, err)
	require.True(f.t, created)
}

func (f *workflowFixture) request(studentID, courseID string) *models.Enrollment {
	f.t.Helper()
	res := f.svc.RequestEnrollment(context.Background(), studentClaims(studentID), dto.CreateEnrollmentRequest{
		StudentID:      studentID,
		CourseID:       courseID,
		SemesterNumber: 5,
	})
	require.True(f.t, res.Success, "request failed: %s %s", res.ErrorKind, res.Message)
	return res.Enrollment
}

func (f *workflowFixture) act(claims *models.JWTClaims, id string, action models.EnrollmentAction) *dto.ActionResult {
	return f.svc.SubmitAction(context.Background(), claims, dto.ActionRequest{EnrollmentID: id, Action: string(action)})
}

// pendingAdvisor drives a fresh request through instructor approval.
func (f *workflowFixture) pendingAdvisor(studentID, courseID string) *models.Enrollment {
	f.t.Helper()
	e := f.request(studentID, courseID)
	res := f.act(instructorClaims(), e.ID, models.ActionApprove)
	require.True(f.t, res.Success, "instructor approve failed: %s %s", res.ErrorKind, res.Message)
	require.Equal(f.t, models.EnrollmentStatusPendingAdvisor, res.Enrollment.Status)
	return res.Enrollment
}

func (f *workflowFixture) status(id string) models.EnrollmentStatus {
	f.t.Helper()
	e, err := f.store.FindByID(context.Background(), id)
	require.NoError(f.t, err)
	require.NotNil(f.t, e)
	return e.Status
}
