package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/krs-api/internal/dto"
	"github.com/noah-isme/krs-api/internal/middleware"
	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
	"github.com/noah-isme/krs-api/pkg/response"
)

// IdempotencyHeader carries the client-chosen key for safely retrying writes.
const IdempotencyHeader = "Idempotency-Key"

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

func requestMeta(c *gin.Context) dto.RequestMeta {
	return dto.RequestMeta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// writeActionResult renders a workflow outcome. Refusals that still carry the
// enrollment (a blocked routing for example) include it in the error details.
func writeActionResult(c *gin.Context, result *dto.ActionResult) {
	if result == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	if result.Replayed {
		response.Replayed(c)
		middleware.SetReplayed(c, true)
	}

	if !result.Success {
		details := make(map[string]interface{}, len(result.Details)+1)
		for k, v := range result.Details {
			details[k] = v
		}
		if result.Enrollment != nil {
			details["enrollment"] = result.Enrollment
		}
		appErr := appErrors.New(result.ErrorKind, result.Status, result.Message)
		if len(details) > 0 {
			appErr = appErrors.WithDetails(appErr, details)
		}
		response.Error(c, appErr)
		return
	}

	meta := middleware.ExtractMeta(c)
	if result.NoOp {
		if meta == nil {
			meta = map[string]interface{}{}
		}
		meta["noop"] = true
	}
	if result.Created {
		response.Created(c, result.Enrollment, meta)
		return
	}
	response.JSON(c, result.Status, result.Enrollment, nil, meta)
}
