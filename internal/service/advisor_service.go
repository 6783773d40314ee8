package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/krs-api/internal/dto"
	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

type advisorRepository interface {
	List(ctx context.Context, filter models.AdvisorFilter) ([]models.AdvisorAssignment, error)
	Upsert(ctx context.Context, assignment *models.AdvisorAssignment) (*string, error)
}

type advisorCacheInvalidator interface {
	Invalidate(ctx context.Context, departmentCode string, year int)
}

// AdvisorService manages (department, year) to advisor mappings.
type AdvisorService struct {
	repo      advisorRepository
	resolver  advisorCacheInvalidator
	audit     auditRecorder
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAdvisorService constructs AdvisorService.
func NewAdvisorService(repo advisorRepository, resolver advisorCacheInvalidator, audit auditRecorder, validate *validator.Validate, logger *zap.Logger) *AdvisorService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisorService{repo: repo, resolver: resolver, audit: audit, validator: validate, logger: logger}
}

// List returns advisor assignments matching the query.
func (s *AdvisorService) List(ctx context.Context, query dto.AdvisorListQuery) ([]models.AdvisorAssignment, error) {
	items, err := s.repo.List(ctx, models.AdvisorFilter{
		DepartmentCode: strings.ToUpper(strings.TrimSpace(query.DepartmentCode)),
		Year:           query.Year,
		AdvisorID:      query.AdvisorID,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list advisor assignments")
	}
	return items, nil
}

// Upsert assigns an advisor to a cohort. Only admins may change mappings.
func (s *AdvisorService) Upsert(ctx context.Context, claims *models.JWTClaims, req dto.UpsertAdvisorRequest, client dto.RequestMeta) (*models.AdvisorAssignment, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !claims.HasRole(models.RoleAdmin) && !claims.HasRole(models.RoleSuperAdmin) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can assign advisors")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid advisor assignment payload")
	}

	updatedBy := claims.UserID
	assignment := &models.AdvisorAssignment{
		DepartmentCode: strings.ToUpper(strings.TrimSpace(req.DepartmentCode)),
		Year:           req.Year,
		AdvisorID:      strings.TrimSpace(req.AdvisorID),
		UpdatedBy:      &updatedBy,
		UpdatedAt:      time.Now().UTC(),
	}
	previous, err := s.repo.Upsert(ctx, assignment)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save advisor assignment")
	}
	s.resolver.Invalidate(ctx, assignment.DepartmentCode, assignment.Year)

	s.logger.Info("advisor assignment updated",
		zap.String("department", assignment.DepartmentCode),
		zap.Int("year", assignment.Year),
		zap.String("advisor_id", assignment.AdvisorID),
	)
	if s.audit != nil {
		var old interface{}
		if previous != nil {
			old = map[string]string{"advisor_id": *previous}
		}
		s.audit.Record(ctx, AuditEntry{
			ActorID:    claims.UserID,
			Action:     models.AuditActionAdvisorAssign,
			Resource:   models.AuditResourceAdvisor,
			ResourceID: AdvisorCacheKey(assignment.DepartmentCode, assignment.Year),
			Old:        old,
			New:        map[string]string{"advisor_id": assignment.AdvisorID},
			IPAddress:  client.IPAddress,
			UserAgent:  client.UserAgent,
		})
	}
	return assignment, nil
}
