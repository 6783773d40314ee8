package dto

import "github.com/noah-isme/krs-api/internal/models"

// ActionRequest is a single workflow action submitted by an authenticated actor.
type ActionRequest struct {
	EnrollmentID string  `json:"-" validate:"required"`
	Action       string  `json:"action" validate:"required,oneof=SUBMIT APPROVE REJECT OVERRIDE_REJECT WITHDRAW submit approve reject override-reject override_reject withdraw"`
	ActingRole   string  `json:"acting_role,omitempty" validate:"omitempty,oneof=SUPERADMIN ADMIN INSTRUCTOR ADVISOR STUDENT"`
	Note         *string `json:"note,omitempty" validate:"omitempty,max=500"`

	IdempotencyKey string      `json:"-" validate:"omitempty,max=128"`
	Client         RequestMeta `json:"-"`
}

// RequestMeta carries caller details recorded in the audit trail.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// CreateEnrollmentRequest opens a new enrollment for a course offering.
type CreateEnrollmentRequest struct {
	StudentID      string  `json:"student_id" validate:"required"`
	CourseID       string  `json:"course_id" validate:"required"`
	SessionID      string  `json:"session_id,omitempty"`
	SemesterNumber int     `json:"semester_number" validate:"gte=1,lte=14"`
	Category       string  `json:"category,omitempty" validate:"omitempty,max=32"`
	Note           *string `json:"note,omitempty" validate:"omitempty,max=500"`

	IdempotencyKey string      `json:"-" validate:"omitempty,max=128"`
	Client         RequestMeta `json:"-"`
}

// ActionResult is the outcome of a workflow call: either the enrollment or an error kind.
type ActionResult struct {
	Success    bool                   `json:"success"`
	Enrollment *models.Enrollment     `json:"enrollment,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	// Created is false when a create call returned an existing enrollment.
	Created bool `json:"created,omitempty"`
	// NoOp is set when a reject-family action hit an already rejected enrollment.
	NoOp bool `json:"noop,omitempty"`

	Status   int  `json:"-"`
	Replayed bool `json:"-"`
}

// EnrollmentListQuery binds list filters from the query string.
type EnrollmentListQuery struct {
	StudentID        string `form:"student_id"`
	CourseID         string `form:"course_id"`
	SessionID        string `form:"session_id"`
	FacultyAdvisorID string `form:"faculty_advisor_id"`
	Status           string `form:"status" validate:"omitempty,oneof=REQUESTED PENDING_INSTRUCTOR PENDING_ADVISOR ENROLLED REJECTED"`
	Mine             bool   `form:"mine"`
	Page             int    `form:"page" validate:"omitempty,gte=1"`
	PageSize         int    `form:"page_size" validate:"omitempty,gte=1,lte=100"`
	SortBy           string `form:"sort_by" validate:"omitempty,oneof=created_at transitioned_at status"`
	SortOrder        string `form:"sort_order" validate:"omitempty,oneof=asc desc ASC DESC"`
}
