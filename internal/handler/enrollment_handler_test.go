package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/krs-api/internal/dto"
	"github.com/noah-isme/krs-api/internal/middleware"
	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
	"github.com/noah-isme/krs-api/pkg/response"
)

type workflowMock struct {
	actionReq dto.ActionRequest
	createReq dto.CreateEnrollmentRequest
	result    *dto.ActionResult
	listQuery dto.EnrollmentListQuery
	loadArgs  [2]string
	err       error
}

func (m *workflowMock) RequestEnrollment(ctx context.Context, claims *models.JWTClaims, req dto.CreateEnrollmentRequest) *dto.ActionResult {
	m.createReq = req
	return m.result
}

func (m *workflowMock) SubmitAction(ctx context.Context, claims *models.JWTClaims, req dto.ActionRequest) *dto.ActionResult {
	m.actionReq = req
	return m.result
}

func (m *workflowMock) Get(ctx context.Context, claims *models.JWTClaims, id string) (*models.Enrollment, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.Enrollment{ID: id, Status: models.EnrollmentStatusPendingInstructor}, nil
}

func (m *workflowMock) List(ctx context.Context, claims *models.JWTClaims, query dto.EnrollmentListQuery) ([]models.Enrollment, *models.Pagination, error) {
	m.listQuery = query
	return []models.Enrollment{{ID: "enr-1"}}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *workflowMock) History(ctx context.Context, claims *models.JWTClaims, id string) ([]models.EnrollmentTransition, error) {
	return []models.EnrollmentTransition{{EnrollmentID: id, ToStatus: models.EnrollmentStatusPendingInstructor}}, nil
}

func (m *workflowMock) CreditLoad(ctx context.Context, claims *models.JWTClaims, studentID, sessionID string) (*models.CreditLoad, error) {
	m.loadArgs = [2]string{studentID, sessionID}
	return &models.CreditLoad{StudentID: studentID, SessionID: sessionID, Limit: 24, Remaining: 24}, nil
}

func newJSONContext(t *testing.T, method, path string, body interface{}, claims *models.JWTClaims) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req, _ := http.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	if claims != nil {
		c.Set(middleware.ContextUserKey, claims)
	}
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestEnrollmentHandlerSubmitActionSuccess(t *testing.T) {
	mock := &workflowMock{result: &dto.ActionResult{
		Success:    true,
		Enrollment: &models.Enrollment{ID: "enr-1", Status: models.EnrollmentStatusPendingAdvisor},
		Status:     http.StatusOK,
	}}
	handler := NewEnrollmentHandler(mock)
	c, w := newJSONContext(t, http.MethodPost, "/enrollments/enr-1/actions", map[string]string{"action": "approve"},
		&models.JWTClaims{UserID: "lect-1", Role: models.RoleInstructor})
	c.Params = gin.Params{{Key: "id", Value: "enr-1"}}
	c.Request.Header.Set(IdempotencyHeader, " key-1 ")

	handler.SubmitAction(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "enr-1", mock.actionReq.EnrollmentID)
	assert.Equal(t, "approve", mock.actionReq.Action)
	assert.Equal(t, "key-1", mock.actionReq.IdempotencyKey)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "PENDING_ADVISOR", env["data"].(map[string]interface{})["status"])
	assert.Empty(t, w.Header().Get(response.ReplayHeader))
}

func TestEnrollmentHandlerSubmitActionRefusedCarriesEnrollment(t *testing.T) {
	mock := &workflowMock{result: &dto.ActionResult{
		ErrorKind:  appErrors.ErrNoAdvisorAssigned.Code,
		Message:    "no faculty advisor assigned for department SI year 2022",
		Enrollment: &models.Enrollment{ID: "enr-2", Status: models.EnrollmentStatusPendingInstructor},
		Status:     http.StatusUnprocessableEntity,
	}}
	handler := NewEnrollmentHandler(mock)
	c, w := newJSONContext(t, http.MethodPost, "/enrollments/enr-2/actions", map[string]string{"action": "APPROVE"},
		&models.JWTClaims{UserID: "lect-1", Role: models.RoleInstructor})
	c.Params = gin.Params{{Key: "id", Value: "enr-2"}}

	handler.SubmitAction(c)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	env := decodeEnvelope(t, w)
	errBody := env["error"].(map[string]interface{})
	assert.Equal(t, "NO_ADVISOR_ASSIGNED", errBody["code"])
	details := errBody["details"].(map[string]interface{})
	assert.Equal(t, "enr-2", details["enrollment"].(map[string]interface{})["id"])
}

func TestEnrollmentHandlerSubmitActionReplayHeader(t *testing.T) {
	mock := &workflowMock{result: &dto.ActionResult{
		Success:    true,
		Enrollment: &models.Enrollment{ID: "enr-1", Status: models.EnrollmentStatusEnrolled},
		Status:     http.StatusOK,
		Replayed:   true,
	}}
	handler := NewEnrollmentHandler(mock)
	c, w := newJSONContext(t, http.MethodPost, "/enrollments/enr-1/actions", map[string]string{"action": "APPROVE"},
		&models.JWTClaims{UserID: "adv-1", Role: models.RoleAdvisor})
	c.Params = gin.Params{{Key: "id", Value: "enr-1"}}

	handler.SubmitAction(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(response.ReplayHeader))
}

func TestEnrollmentHandlerSubmitActionInvalidBody(t *testing.T) {
	mock := &workflowMock{}
	handler := NewEnrollmentHandler(mock)
	c, w := newJSONContext(t, http.MethodPost, "/enrollments/enr-1/actions", "invalid", nil)

	handler.SubmitAction(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, mock.actionReq.EnrollmentID)
}

func TestEnrollmentHandlerCreateDefaultsStudent(t *testing.T) {
	mock := &workflowMock{result: &dto.ActionResult{
		Success:    true,
		Created:    true,
		Enrollment: &models.Enrollment{ID: "enr-9", Status: models.EnrollmentStatusPendingInstructor},
		Status:     http.StatusCreated,
	}}
	handler := NewEnrollmentHandler(mock)
	c, w := newJSONContext(t, http.MethodPost, "/enrollments",
		map[string]interface{}{"course_id": "crs-a", "semester_number": 3},
		&models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})

	handler.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "stu-1", mock.createReq.StudentID)
	assert.Equal(t, "crs-a", mock.createReq.CourseID)
}

func TestEnrollmentHandlerGetNotFound(t *testing.T) {
	handler := NewEnrollmentHandler(&workflowMock{err: appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")})
	c, w := newJSONContext(t, http.MethodGet, "/enrollments/missing", nil, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	c.Params = gin.Params{{Key: "id", Value: "missing"}}

	handler.Get(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnrollmentHandlerListBindsQuery(t *testing.T) {
	mock := &workflowMock{}
	handler := NewEnrollmentHandler(mock)
	c, w := newJSONContext(t, http.MethodGet, "/enrollments?status=PENDING_ADVISOR&mine=true&page=2", nil,
		&models.JWTClaims{UserID: "adv-1", Role: models.RoleAdvisor})

	handler.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING_ADVISOR", mock.listQuery.Status)
	assert.True(t, mock.listQuery.Mine)
	assert.Equal(t, 2, mock.listQuery.Page)
	env := decodeEnvelope(t, w)
	assert.NotNil(t, env["pagination"])
}

func TestEnrollmentHandlerCreditLoadParams(t *testing.T) {
	mock := &workflowMock{}
	handler := NewEnrollmentHandler(mock)
	c, w := newJSONContext(t, http.MethodGet, "/students/stu-1/sessions/2025-odd/load", nil,
		&models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	c.Params = gin.Params{{Key: "id", Value: "stu-1"}, {Key: "sessionId", Value: "2025-odd"}}

	handler.CreditLoad(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [2]string{"stu-1", "2025-odd"}, mock.loadArgs)
}
