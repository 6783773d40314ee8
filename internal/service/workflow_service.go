package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/krs-api/internal/dto"
	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
	"github.com/noah-isme/krs-api/pkg/tracing"
)

const outcomeSuccess = "success"

type auditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// WorkflowConfig tunes retries and idempotency.
type WorkflowConfig struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	IdempotencyTTL time.Duration
}

// WorkflowService is the entry point for enrollment requests and approver actions.
type WorkflowService struct {
	machine   *EnrollmentStateMachine
	store     enrollmentStore
	ledger    *CreditLedger
	cache     *CacheService
	audit     auditRecorder
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       WorkflowConfig
}

// NewWorkflowService constructs WorkflowService. cache, audit and metrics may be nil.
func NewWorkflowService(machine *EnrollmentStateMachine, store enrollmentStore, ledger *CreditLedger, cache *CacheService, audit auditRecorder, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg WorkflowConfig) *WorkflowService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &WorkflowService{
		machine:   machine,
		store:     store,
		ledger:    ledger,
		cache:     cache,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// ResolveActor picks the role the caller acts in. An explicit acting role
// must be one the token grants.
func ResolveActor(claims *models.JWTClaims, actingRole string) (models.Actor, error) {
	if claims == nil || claims.UserID == "" {
		return models.Actor{}, appErrors.ErrUnauthorized
	}
	if strings.TrimSpace(actingRole) == "" {
		return models.Actor{ID: claims.UserID, Role: claims.Role}, nil
	}
	role, err := models.ParseUserRole(actingRole)
	if err != nil {
		return models.Actor{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid acting role")
	}
	if !claims.HasRole(role) {
		return models.Actor{}, appErrors.Clone(appErrors.ErrNotAuthorized, fmt.Sprintf("role %s is not granted to this user", role))
	}
	return models.Actor{ID: claims.UserID, Role: role}, nil
}

// SubmitAction applies one approver or owner action and reports the outcome.
func (s *WorkflowService) SubmitAction(ctx context.Context, claims *models.JWTClaims, req dto.ActionRequest) *dto.ActionResult {
	if err := s.validator.Struct(req); err != nil {
		return s.failure(appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid action payload"), nil)
	}
	action, err := models.ParseEnrollmentAction(req.Action)
	if err != nil {
		return s.failure(appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid action"), nil)
	}
	actor, err := ResolveActor(claims, req.ActingRole)
	if err != nil {
		return s.failure(err, nil)
	}

	ctx, span := tracing.Tracer().Start(ctx, "workflow.submit_action", trace.WithAttributes(
		attribute.String("enrollment.id", req.EnrollmentID),
		attribute.String("enrollment.action", string(action)),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	fingerprint := strings.Join([]string{"action", req.EnrollmentID, string(action), string(actor.Role)}, "|")
	return s.idempotent(ctx, actor, req.IdempotencyKey, fingerprint, func(ctx context.Context) *dto.ActionResult {
		start := time.Now()
		var result *TransitionResult
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			result, err = s.machine.RequestTransition(ctx, req.EnrollmentID, actor, action, req.Note)
			return err
		})

		var enrollment *models.Enrollment
		status := models.EnrollmentStatus("")
		if result != nil {
			enrollment = result.Enrollment
			if enrollment != nil {
				status = enrollment.Status
			}
		}
		s.metrics.ObserveAction(string(action), status, outcomeOf(err), time.Since(start))

		if err != nil {
			tracing.RecordError(span, err, appErrors.FromError(err).Code)
			if enrollment != nil {
				s.recordAudit(ctx, actor, models.AuditActionEnrollmentTransition, enrollment, result.From, action, req.Client)
			}
			s.logger.Info("enrollment action refused",
				zap.String("enrollment_id", req.EnrollmentID),
				zap.String("action", string(action)),
				zap.String("actor_id", actor.ID),
				zap.String("kind", appErrors.FromError(err).Code),
			)
			return s.failure(err, enrollment)
		}

		if !result.NoOp {
			s.recordAudit(ctx, actor, models.AuditActionEnrollmentTransition, enrollment, result.From, action, req.Client)
		}
		return &dto.ActionResult{Success: true, Enrollment: enrollment, NoOp: result.NoOp, Status: http.StatusOK}
	})
}

// RequestEnrollment opens an enrollment for the calling student.
func (s *WorkflowService) RequestEnrollment(ctx context.Context, claims *models.JWTClaims, req dto.CreateEnrollmentRequest) *dto.ActionResult {
	if err := s.validator.Struct(req); err != nil {
		return s.failure(appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload"), nil)
	}
	actor, err := ResolveActor(claims, requestingRole(claims, req.StudentID))
	if err != nil {
		return s.failure(err, nil)
	}

	ctx, span := tracing.Tracer().Start(ctx, "workflow.request_enrollment", trace.WithAttributes(
		attribute.String("enrollment.course_id", req.CourseID),
	))
	defer span.End()

	fingerprint := strings.Join([]string{"create", req.StudentID, req.CourseID, req.SessionID}, "|")
	return s.idempotent(ctx, actor, req.IdempotencyKey, fingerprint, func(ctx context.Context) *dto.ActionResult {
		start := time.Now()
		var (
			enrollment *models.Enrollment
			created    bool
		)
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			enrollment, created, err = s.machine.Open(ctx, actor, NewEnrollmentInput{
				StudentID:      req.StudentID,
				CourseID:       req.CourseID,
				SessionID:      req.SessionID,
				SemesterNumber: req.SemesterNumber,
				Category:       req.Category,
				Note:           req.Note,
			})
			return err
		})

		status := models.EnrollmentStatus("")
		if enrollment != nil {
			status = enrollment.Status
		}
		s.metrics.ObserveAction(actionRequest, status, outcomeOf(err), time.Since(start))
		if err != nil {
			tracing.RecordError(span, err, appErrors.FromError(err).Code)
			return s.failure(err, enrollment)
		}

		code := http.StatusOK
		if created {
			code = http.StatusCreated
			s.recordAudit(ctx, actor, models.AuditActionEnrollmentRequest, enrollment, "", "", req.Client)
		}
		return &dto.ActionResult{Success: true, Enrollment: enrollment, Created: created, Status: code}
	})
}

// Get returns one enrollment visible to the caller.
func (s *WorkflowService) Get(ctx context.Context, claims *models.JWTClaims, id string) (*models.Enrollment, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	enrollment, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	if !isStaff(claims) && enrollment.StudentID != claims.UserID {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "enrollment belongs to another student")
	}
	return enrollment, nil
}

// List returns enrollments matching the query. Students only see their own.
func (s *WorkflowService) List(ctx context.Context, claims *models.JWTClaims, query dto.EnrollmentListQuery) ([]models.Enrollment, *models.Pagination, error) {
	if claims == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(query); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment query")
	}
	filter := models.EnrollmentFilter{
		StudentID:        query.StudentID,
		CourseID:         query.CourseID,
		SessionID:        query.SessionID,
		FacultyAdvisorID: query.FacultyAdvisorID,
		Status:           models.EnrollmentStatus(strings.ToUpper(query.Status)),
		Page:             query.Page,
		PageSize:         query.PageSize,
		SortBy:           query.SortBy,
		SortOrder:        query.SortOrder,
	}
	switch {
	case !isStaff(claims):
		filter.StudentID = claims.UserID
	case query.Mine && claims.HasRole(models.RoleAdvisor):
		filter.FacultyAdvisorID = claims.UserID
	}

	items, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return items, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// History returns the transition log of a visible enrollment, oldest first.
func (s *WorkflowService) History(ctx context.Context, claims *models.JWTClaims, id string) ([]models.EnrollmentTransition, error) {
	if _, err := s.Get(ctx, claims, id); err != nil {
		return nil, err
	}
	history, err := s.store.ListTransitions(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment history")
	}
	return history, nil
}

// CreditLoad reports reserved and committed credits for a student in a session.
func (s *WorkflowService) CreditLoad(ctx context.Context, claims *models.JWTClaims, studentID, sessionID string) (*models.CreditLoad, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if studentID == "" || sessionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student and session are required")
	}
	if !isStaff(claims) && studentID != claims.UserID {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "credit load belongs to another student")
	}
	return s.ledger.Snapshot(ctx, s.store, studentID, sessionID)
}

// withRetry re-runs op on ConcurrentConflict with exponential backoff. Any other
// error stops immediately.
func (s *WorkflowService) withRetry(ctx context.Context, op func(context.Context) error) error {
	attempt := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.MaxInterval = s.cfg.RetryBaseDelay * 8

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case isKind(err, appErrors.ErrConcurrentConflict):
			if attempt < s.cfg.MaxAttempts {
				s.metrics.IncConflictRetry()
			}
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.cfg.MaxAttempts)))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if err != nil && !errors.As(err, new(*appErrors.Error)) && ctx.Err() != nil {
		return appErrors.Wrap(err, appErrors.ErrConcurrentConflict.Code, appErrors.ErrConcurrentConflict.Status, appErrors.ErrConcurrentConflict.Message)
	}
	return err
}

type idempotencyRecord struct {
	Fingerprint string            `json:"fingerprint"`
	Completed   bool              `json:"completed"`
	Status      int               `json:"status,omitempty"`
	Result      *dto.ActionResult `json:"result,omitempty"`
}

func idempotencyKey(actorID, key string) string {
	return "idempotency:" + actorID + ":" + key
}

// idempotent runs fn at most once per (actor, key) while the record lives.
// Without a key or a cache fn simply runs.
func (s *WorkflowService) idempotent(ctx context.Context, actor models.Actor, key, fingerprint string, fn func(context.Context) *dto.ActionResult) *dto.ActionResult {
	if key == "" || !s.cache.Enabled() {
		return fn(ctx)
	}
	cacheKey := idempotencyKey(actor.ID, key)

	var record idempotencyRecord
	if hit, _ := s.cache.Get(ctx, cacheKey, &record); hit {
		return s.replay(record, fingerprint)
	}
	claimed, err := s.cache.Claim(ctx, cacheKey, idempotencyRecord{Fingerprint: fingerprint}, s.cfg.IdempotencyTTL)
	if err != nil {
		return fn(ctx)
	}
	if !claimed {
		if hit, _ := s.cache.Get(ctx, cacheKey, &record); hit {
			return s.replay(record, fingerprint)
		}
		return fn(ctx)
	}

	result := fn(ctx)
	if result.ErrorKind == appErrors.ErrConcurrentConflict.Code || result.Status >= http.StatusInternalServerError {
		_ = s.cache.Delete(ctx, cacheKey)
		return result
	}
	_ = s.cache.Set(ctx, cacheKey, idempotencyRecord{Fingerprint: fingerprint, Completed: true, Status: result.Status, Result: result}, s.cfg.IdempotencyTTL)
	return result
}

func (s *WorkflowService) replay(record idempotencyRecord, fingerprint string) *dto.ActionResult {
	if record.Fingerprint != fingerprint {
		return s.failure(appErrors.Clone(appErrors.ErrValidation, "idempotency key was already used for a different request"), nil)
	}
	if !record.Completed || record.Result == nil {
		return s.failure(appErrors.Clone(appErrors.ErrConcurrentConflict, "a request with this idempotency key is still in progress"), nil)
	}
	s.metrics.IncIdempotentReplay()
	replayed := *record.Result
	replayed.Status = record.Status
	replayed.Replayed = true
	return &replayed
}

func (s *WorkflowService) failure(err error, enrollment *models.Enrollment) *dto.ActionResult {
	appErr := appErrors.FromError(err)
	result := &dto.ActionResult{
		ErrorKind:  appErr.Code,
		Message:    appErr.Message,
		Details:    appErr.Details,
		Enrollment: enrollment,
		Status:     appErr.Status,
	}
	if appErr.Status >= http.StatusInternalServerError {
		s.logger.Error("enrollment workflow failed", zap.Error(err))
		result.Message = appErrors.ErrInternal.Message
		result.Details = nil
	}
	return result
}

func (s *WorkflowService) recordAudit(ctx context.Context, actor models.Actor, auditAction string, enrollment *models.Enrollment, from models.EnrollmentStatus, action models.EnrollmentAction, client dto.RequestMeta) {
	if s.audit == nil || enrollment == nil {
		return
	}
	var old interface{}
	if from != "" {
		old = map[string]interface{}{"status": from}
	}
	next := map[string]interface{}{
		"status":     enrollment.Status,
		"actor_role": actor.Role,
		"version":    enrollment.Version,
	}
	if action != "" {
		next["action"] = action
	}
	if enrollment.BlockedReason != nil {
		next["blocked_reason"] = *enrollment.BlockedReason
	}
	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.ID,
		Action:     auditAction,
		Resource:   models.AuditResourceEnrollment,
		ResourceID: enrollment.ID,
		Old:        old,
		New:        next,
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
	})
}

func outcomeOf(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	return appErrors.FromError(err).Code
}

// requestingRole picks the role an enrollment request is filed under. An
// administrator filing for someone else acts as admin, everyone else as student.
func requestingRole(claims *models.JWTClaims, studentID string) string {
	if claims != nil && claims.UserID != studentID {
		switch {
		case claims.HasRole(models.RoleSuperAdmin):
			return string(models.RoleSuperAdmin)
		case claims.HasRole(models.RoleAdmin):
			return string(models.RoleAdmin)
		}
	}
	return string(models.RoleStudent)
}

func isStaff(claims *models.JWTClaims) bool {
	return claims.HasRole(models.RoleInstructor) ||
		claims.HasRole(models.RoleAdvisor) ||
		claims.HasRole(models.RoleAdmin) ||
		claims.HasRole(models.RoleSuperAdmin)
}
