package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/krs-api/internal/dto"
	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
	"github.com/noah-isme/krs-api/pkg/response"
)

type enrollmentWorkflow interface {
	RequestEnrollment(ctx context.Context, claims *models.JWTClaims, req dto.CreateEnrollmentRequest) *dto.ActionResult
	SubmitAction(ctx context.Context, claims *models.JWTClaims, req dto.ActionRequest) *dto.ActionResult
	Get(ctx context.Context, claims *models.JWTClaims, id string) (*models.Enrollment, error)
	List(ctx context.Context, claims *models.JWTClaims, query dto.EnrollmentListQuery) ([]models.Enrollment, *models.Pagination, error)
	History(ctx context.Context, claims *models.JWTClaims, id string) ([]models.EnrollmentTransition, error)
	CreditLoad(ctx context.Context, claims *models.JWTClaims, studentID, sessionID string) (*models.CreditLoad, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	workflow enrollmentWorkflow
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(workflow enrollmentWorkflow) *EnrollmentHandler {
	return &EnrollmentHandler{workflow: workflow}
}

// List godoc
// @Summary List enrollments
// @Description Students only see their own enrollments. Advisors may pass mine=true for their routed queue.
// @Tags Enrollments
// @Produce json
// @Param student_id query string false "Filter by student"
// @Param course_id query string false "Filter by course"
// @Param session_id query string false "Filter by session"
// @Param status query string false "Filter by status"
// @Param mine query bool false "Only enrollments routed to the calling advisor"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var query dto.EnrollmentListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}
	items, pagination, err := h.workflow.List(c.Request.Context(), claimsFromContext(c), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Create godoc
// @Summary Request enrollment in a course
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Idempotency key"
// @Param payload body dto.CreateEnrollmentRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Success 200 {object} response.Envelope "Existing open enrollment"
// @Failure 409 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Create(c *gin.Context) {
	var req dto.CreateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	claims := claimsFromContext(c)
	if req.StudentID == "" && claims != nil {
		req.StudentID = claims.UserID
	}
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	req.Client = requestMeta(c)

	writeActionResult(c, h.workflow.RequestEnrollment(c.Request.Context(), claims, req))
}

// Get godoc
// @Summary Get enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.workflow.Get(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// History godoc
// @Summary Enrollment transition history
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/history [get]
func (h *EnrollmentHandler) History(c *gin.Context) {
	history, err := h.workflow.History(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}

// SubmitAction godoc
// @Summary Submit a workflow action
// @Description Approve, reject, override-reject, withdraw or submit an enrollment.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param Idempotency-Key header string false "Idempotency key"
// @Param payload body dto.ActionRequest true "Action payload"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /enrollments/{id}/actions [post]
func (h *EnrollmentHandler) SubmitAction(c *gin.Context) {
	var req dto.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.EnrollmentID = c.Param("id")
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	req.Client = requestMeta(c)

	writeActionResult(c, h.workflow.SubmitAction(c.Request.Context(), claimsFromContext(c), req))
}

// CreditLoad godoc
// @Summary Student credit load in a session
// @Tags Enrollments
// @Produce json
// @Param id path string true "Student ID"
// @Param sessionId path string true "Academic session ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/sessions/{sessionId}/load [get]
func (h *EnrollmentHandler) CreditLoad(c *gin.Context) {
	load, err := h.workflow.CreditLoad(c.Request.Context(), claimsFromContext(c), c.Param("id"), c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, load, nil)
}
