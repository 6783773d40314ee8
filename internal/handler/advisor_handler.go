package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/krs-api/internal/dto"
	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
	"github.com/noah-isme/krs-api/pkg/response"
)

type advisorManager interface {
	List(ctx context.Context, query dto.AdvisorListQuery) ([]models.AdvisorAssignment, error)
	Upsert(ctx context.Context, claims *models.JWTClaims, req dto.UpsertAdvisorRequest, client dto.RequestMeta) (*models.AdvisorAssignment, error)
}

// AdvisorHandler manages faculty advisor assignments.
type AdvisorHandler struct {
	advisors advisorManager
}

// NewAdvisorHandler constructs AdvisorHandler.
func NewAdvisorHandler(advisors advisorManager) *AdvisorHandler {
	return &AdvisorHandler{advisors: advisors}
}

// List godoc
// @Summary List advisor assignments
// @Tags Advisors
// @Produce json
// @Param department_code query string false "Department"
// @Param year query int false "Cohort year"
// @Success 200 {object} response.Envelope
// @Router /advisors [get]
func (h *AdvisorHandler) List(c *gin.Context) {
	var query dto.AdvisorListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}
	items, err := h.advisors.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Upsert godoc
// @Summary Assign the faculty advisor for a department and year
// @Tags Advisors
// @Accept json
// @Produce json
// @Param payload body dto.UpsertAdvisorRequest true "Assignment"
// @Success 200 {object} response.Envelope
// @Router /advisors [put]
func (h *AdvisorHandler) Upsert(c *gin.Context) {
	var req dto.UpsertAdvisorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	assignment, err := h.advisors.Upsert(c.Request.Context(), claimsFromContext(c), req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, assignment, nil)
}
