package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/krs-api/internal/dto"
	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

type advisorManagerMock struct {
	upserted  dto.UpsertAdvisorRequest
	query     dto.AdvisorListQuery
	upsertErr error
}

func (m *advisorManagerMock) List(ctx context.Context, query dto.AdvisorListQuery) ([]models.AdvisorAssignment, error) {
	m.query = query
	return []models.AdvisorAssignment{{DepartmentCode: "IF", Year: 2021, AdvisorID: "adv-1"}}, nil
}

func (m *advisorManagerMock) Upsert(ctx context.Context, claims *models.JWTClaims, req dto.UpsertAdvisorRequest, client dto.RequestMeta) (*models.AdvisorAssignment, error) {
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.upserted = req
	return &models.AdvisorAssignment{DepartmentCode: req.DepartmentCode, Year: req.Year, AdvisorID: req.AdvisorID}, nil
}

func TestAdvisorHandlerUpsert(t *testing.T) {
	mock := &advisorManagerMock{}
	handler := NewAdvisorHandler(mock)
	c, w := newJSONContext(t, http.MethodPut, "/advisors",
		dto.UpsertAdvisorRequest{DepartmentCode: "IF", Year: 2021, AdvisorID: "adv-2"},
		&models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	handler.Upsert(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "adv-2", mock.upserted.AdvisorID)
}

func TestAdvisorHandlerUpsertForbidden(t *testing.T) {
	handler := NewAdvisorHandler(&advisorManagerMock{upsertErr: appErrors.ErrForbidden})
	c, w := newJSONContext(t, http.MethodPut, "/advisors",
		dto.UpsertAdvisorRequest{DepartmentCode: "IF", Year: 2021, AdvisorID: "adv-2"},
		&models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})

	handler.Upsert(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdvisorHandlerListBindsQuery(t *testing.T) {
	mock := &advisorManagerMock{}
	handler := NewAdvisorHandler(mock)
	c, w := newJSONContext(t, http.MethodGet, "/advisors?department_code=if&year=2021", nil,
		&models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	handler.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "if", mock.query.DepartmentCode)
	assert.Equal(t, 2021, mock.query.Year)
}
