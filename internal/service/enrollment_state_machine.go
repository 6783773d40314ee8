package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/internal/repository"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
	"github.com/noah-isme/krs-api/pkg/tracing"
)

// actionRequest is the history label for the opening entry of an enrollment.
const actionRequest = "REQUEST"

type enrollmentStore interface {
	repository.LedgerReader
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
	ListTransitions(ctx context.Context, enrollmentID string) ([]models.EnrollmentTransition, error)
	Create(ctx context.Context, params repository.CreateEnrollmentParams, guard repository.CreateGuard) (*models.Enrollment, bool, error)
	Transition(ctx context.Context, id string, fn repository.TransitionFunc) (*models.Enrollment, error)
}

type catalogReader interface {
	GetStudent(ctx context.Context, id string) (*models.Student, error)
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	GetSession(ctx context.Context, id string) (*models.AcademicSession, error)
}

type advisorLookup interface {
	Resolve(ctx context.Context, departmentCode string, year int) (string, error)
}

// StateMachineConfig carries the institutional policy knobs.
type StateMachineConfig struct {
	EntryStatus           models.EnrollmentStatus
	ReservePendingCredits bool
}

// NewEnrollmentInput describes a student's request for a course offering.
type NewEnrollmentInput struct {
	StudentID      string
	CourseID       string
	SessionID      string
	SemesterNumber int
	Category       string
	Note           *string
}

// TransitionResult reports what a transition did.
type TransitionResult struct {
	Enrollment *models.Enrollment
	From       models.EnrollmentStatus
	NoOp       bool
}

// EnrollmentStateMachine validates and applies enrollment transitions. Every
// decision is taken inside the store's locked unit so the checks and the write
// see the same state.
type EnrollmentStateMachine struct {
	store    enrollmentStore
	catalog  catalogReader
	advisors advisorLookup
	ledger   *CreditLedger
	cfg      StateMachineConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewEnrollmentStateMachine constructs the state machine.
func NewEnrollmentStateMachine(store enrollmentStore, catalog catalogReader, advisors advisorLookup, ledger *CreditLedger, cfg StateMachineConfig, logger *zap.Logger) *EnrollmentStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.EntryStatus.Valid() {
		cfg.EntryStatus = models.EnrollmentStatusPendingInstructor
	}
	return &EnrollmentStateMachine{
		store:    store,
		catalog:  catalog,
		advisors: advisors,
		ledger:   ledger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Open creates an enrollment in the configured entry status. When the student
// already has a live enrollment for the offering that one is returned with
// created=false.
func (m *EnrollmentStateMachine) Open(ctx context.Context, actor models.Actor, in NewEnrollmentInput) (*models.Enrollment, bool, error) {
	ctx, span := tracing.Tracer().Start(ctx, "enrollment.open", trace.WithAttributes(
		attribute.String("enrollment.student_id", in.StudentID),
		attribute.String("enrollment.course_id", in.CourseID),
	))
	defer span.End()

	if !actor.Role.IsAdmin() && (actor.Role != models.RoleStudent || actor.ID != in.StudentID) {
		err := appErrors.Clone(appErrors.ErrNotAuthorized, "only the student or an administrator may request this enrollment")
		tracing.RecordError(span, err, appErrors.ErrNotAuthorized.Code)
		return nil, false, err
	}

	student, err := m.catalog.GetStudent(ctx, in.StudentID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if student == nil {
		return nil, false, appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	course, err := m.catalog.GetCourse(ctx, in.CourseID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if course == nil {
		return nil, false, appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	if in.SessionID != "" && in.SessionID != course.SessionID {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "course is not offered in the requested session")
	}
	session, err := m.catalog.GetSession(ctx, course.SessionID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if session == nil {
		return nil, false, appErrors.Clone(appErrors.ErrNotFound, "academic session not found")
	}
	if !session.IsActive {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "academic session is not open for enrollment")
	}

	now := m.now()
	actorID := actor.ID
	enrollment := &models.Enrollment{
		ID:             uuid.NewString(),
		StudentID:      student.ID,
		CourseID:       course.ID,
		SessionID:      course.SessionID,
		Status:         m.cfg.EntryStatus,
		SemesterNumber: in.SemesterNumber,
		Category:       strings.ToUpper(strings.TrimSpace(in.Category)),
		CreditWeight:   course.Credits,
		LastActorID:    &actorID,
		Version:        1,
		CreatedAt:      now,
		TransitionedAt: now,
	}
	if enrollment.Category == "" {
		enrollment.Category = "REGULAR"
	}
	history := &models.EnrollmentTransition{
		ID:           uuid.NewString(),
		EnrollmentID: enrollment.ID,
		ToStatus:     enrollment.Status,
		Action:       actionRequest,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Note:         in.Note,
		CreatedAt:    now,
	}

	var guard repository.CreateGuard
	if m.cfg.ReservePendingCredits && enrollment.Status == models.EnrollmentStatusPendingInstructor {
		guard = func(ctx context.Context, ledger repository.LedgerReader) error {
			limit := m.ledger.Limit()
			exceeds, err := m.ledger.WouldExceedLimit(ctx, ledger, enrollment.StudentID, enrollment.SessionID, enrollment.CreditWeight, limit)
			if err != nil || !exceeds {
				return err
			}
			reserved, err := m.ledger.CurrentLoad(ctx, ledger, enrollment.StudentID, enrollment.SessionID)
			if err != nil {
				return err
			}
			return CheckCreditLimit(reserved, enrollment.CreditWeight, limit)
		}
	}

	result, created, err := m.store.Create(ctx, repository.CreateEnrollmentParams{Enrollment: enrollment, Transition: history}, guard)
	if err != nil {
		tracing.RecordError(span, err, appErrors.FromError(err).Code)
		return nil, false, err
	}
	if !created && result.Status == models.EnrollmentStatusEnrolled {
		err := appErrors.Clone(appErrors.ErrAlreadyTerminal, "student is already enrolled in this course")
		tracing.RecordError(span, err, appErrors.ErrAlreadyTerminal.Code)
		return result, false, err
	}
	span.SetAttributes(attribute.String("enrollment.id", result.ID), attribute.Bool("enrollment.created", created))
	return result, created, nil
}

// RequestTransition applies action to the enrollment on behalf of actor.
//
// When an instructor approval cannot be routed because the cohort has no
// advisor, the enrollment keeps its status, a NO_ADVISOR_ASSIGNED marker and a
// history row are committed, and NoAdvisorAssigned is returned.
func (m *EnrollmentStateMachine) RequestTransition(ctx context.Context, enrollmentID string, actor models.Actor, action models.EnrollmentAction, note *string) (*TransitionResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "enrollment.transition", trace.WithAttributes(
		attribute.String("enrollment.id", enrollmentID),
		attribute.String("enrollment.action", string(action)),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	var (
		blocked error
		result  = &TransitionResult{}
	)
	saved, err := m.store.Transition(ctx, enrollmentID, func(ctx context.Context, current models.Enrollment, uow repository.UnitOfWork) error {
		blocked = nil
		result.From = current.Status

		plan, err := PlanTransition(current.Status, actor.Role, action)
		if err != nil {
			return err
		}
		input, err := m.gatherInput(ctx, current, actor, plan, uow)
		if err != nil {
			return err
		}
		decision, err := Evaluate(input)
		if err != nil {
			if plan.RequireRouting && isKind(err, appErrors.ErrNoAdvisorAssigned) {
				blocked = err
				return m.markBlocked(ctx, current, actor, action, uow)
			}
			return err
		}
		if decision.NoOp {
			result.NoOp = true
			return nil
		}

		now := m.now()
		actorID := actor.ID
		next := current
		next.Status = decision.Next
		next.LastActorID = &actorID
		next.TransitionedAt = now
		next.BlockedReason = nil
		if decision.AdvisorID != nil {
			next.FacultyAdvisorID = decision.AdvisorID
		}
		from := current.Status
		return uow.Save(ctx, &next, &models.EnrollmentTransition{
			ID:           uuid.NewString(),
			EnrollmentID: current.ID,
			FromStatus:   &from,
			ToStatus:     next.Status,
			Action:       string(action),
			ActorID:      actor.ID,
			ActorRole:    actor.Role,
			Note:         note,
			CreatedAt:    now,
		})
	})
	if err != nil {
		tracing.RecordError(span, err, appErrors.FromError(err).Code)
		return nil, err
	}
	result.Enrollment = saved
	span.SetAttributes(attribute.String("enrollment.status", string(saved.Status)), attribute.Bool("enrollment.noop", result.NoOp))

	if blocked != nil {
		m.logger.Warn("enrollment blocked awaiting advisor assignment",
			zap.String("enrollment_id", enrollmentID),
			zap.String("student_id", saved.StudentID),
		)
		tracing.RecordError(span, blocked, appErrors.ErrNoAdvisorAssigned.Code)
		return result, blocked
	}
	return result, nil
}

// gatherInput loads only what the plan's checks need.
func (m *EnrollmentStateMachine) gatherInput(ctx context.Context, current models.Enrollment, actor models.Actor, plan TransitionPlan, uow repository.UnitOfWork) (PolicyInput, error) {
	input := PolicyInput{
		Enrollment:            current,
		Actor:                 actor,
		Plan:                  plan,
		CreditLimit:           m.ledger.Limit(),
		ReservePendingCredits: m.cfg.ReservePendingCredits,
	}

	if plan.RequireCourseInstructor {
		course, err := m.catalog.GetCourse(ctx, current.CourseID)
		if err != nil {
			return input, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
		}
		input.Course = course
	}

	if plan.RequireAdvisor || (plan.RequireRouting && !plan.NoOp) {
		student, err := m.catalog.GetStudent(ctx, current.StudentID)
		if err != nil {
			return input, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
		}
		if student == nil {
			return input, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		advisorID, err := m.advisors.Resolve(ctx, student.DepartmentCode, student.Year)
		if err != nil && !isKind(err, appErrors.ErrNoAdvisorAssigned) {
			return input, err
		}
		input.ResolvedAdvisorID = advisorID
		input.AdvisorErr = err
	}

	gated := plan.Credit == CreditGateCommitted || (plan.Credit == CreditGateReserved && m.cfg.ReservePendingCredits)
	if gated && !plan.NoOp {
		if err := uow.LockLedger(ctx, current.StudentID, current.SessionID); err != nil {
			return input, err
		}
		figures, err := m.ledger.Figures(ctx, uow, current.StudentID, current.SessionID, current.ID)
		if err != nil {
			return input, err
		}
		input.Ledger = figures
	}
	return input, nil
}

// markBlocked records the routing failure once; repeated attempts leave the row alone.
func (m *EnrollmentStateMachine) markBlocked(ctx context.Context, current models.Enrollment, actor models.Actor, action models.EnrollmentAction, uow repository.UnitOfWork) error {
	if current.BlockedReason != nil && *current.BlockedReason == models.BlockedReasonNoAdvisor {
		return nil
	}
	reason := models.BlockedReasonNoAdvisor
	actorID := actor.ID
	next := current
	next.BlockedReason = &reason
	next.LastActorID = &actorID
	from := current.Status
	note := fmt.Sprintf("blocked: %s", reason)
	return uow.Save(ctx, &next, &models.EnrollmentTransition{
		ID:           uuid.NewString(),
		EnrollmentID: current.ID,
		FromStatus:   &from,
		ToStatus:     current.Status,
		Action:       string(action),
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Note:         &note,
		CreatedAt:    m.now(),
	})
}
