package models

import (
	"fmt"
	"strings"
	"time"
)

// EnrollmentStatus represents the lifecycle of an enrollment request.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusRequested         EnrollmentStatus = "REQUESTED"
	EnrollmentStatusPendingInstructor EnrollmentStatus = "PENDING_INSTRUCTOR"
	EnrollmentStatusPendingAdvisor    EnrollmentStatus = "PENDING_ADVISOR"
	EnrollmentStatusEnrolled          EnrollmentStatus = "ENROLLED"
	EnrollmentStatusRejected          EnrollmentStatus = "REJECTED"
)

// EnrollmentStatuses lists every valid status in workflow order.
var EnrollmentStatuses = []EnrollmentStatus{
	EnrollmentStatusRequested,
	EnrollmentStatusPendingInstructor,
	EnrollmentStatusPendingAdvisor,
	EnrollmentStatusEnrolled,
	EnrollmentStatusRejected,
}

// Valid reports whether s is a defined status.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusRequested,
		EnrollmentStatusPendingInstructor,
		EnrollmentStatusPendingAdvisor,
		EnrollmentStatusEnrolled,
		EnrollmentStatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentStatusEnrolled || s == EnrollmentStatusRejected
}

// ParseEnrollmentStatus normalises raw input into a defined status.
func ParseEnrollmentStatus(raw string) (EnrollmentStatus, error) {
	status := EnrollmentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown enrollment status %q", raw)
	}
	return status, nil
}

// EnrollmentAction is an approver or owner action on an enrollment.
type EnrollmentAction string

// Supported actions.
const (
	ActionSubmit         EnrollmentAction = "SUBMIT"
	ActionApprove        EnrollmentAction = "APPROVE"
	ActionReject         EnrollmentAction = "REJECT"
	ActionOverrideReject EnrollmentAction = "OVERRIDE_REJECT"
	ActionWithdraw       EnrollmentAction = "WITHDRAW"
)

// ParseEnrollmentAction accepts both "override-reject" and "OVERRIDE_REJECT" spellings.
func ParseEnrollmentAction(raw string) (EnrollmentAction, error) {
	normalised := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_"))
	action := EnrollmentAction(normalised)
	switch action {
	case ActionSubmit, ActionApprove, ActionReject, ActionOverrideReject, ActionWithdraw:
		return action, nil
	default:
		return "", fmt.Errorf("unknown enrollment action %q", raw)
	}
}

// Rejecting reports whether the action moves an enrollment to REJECTED.
func (a EnrollmentAction) Rejecting() bool {
	return a == ActionReject || a == ActionOverrideReject || a == ActionWithdraw
}

// BlockedReasonNoAdvisor marks an instructor-approved enrollment that could not be routed.
const BlockedReasonNoAdvisor = "NO_ADVISOR_ASSIGNED"

// Enrollment captures one student's request to join one course offering in one session.
type Enrollment struct {
	ID               string           `db:"id" json:"id"`
	StudentID        string           `db:"student_id" json:"student_id"`
	CourseID         string           `db:"course_id" json:"course_id"`
	SessionID        string           `db:"session_id" json:"session_id"`
	Status           EnrollmentStatus `db:"status" json:"status"`
	FacultyAdvisorID *string          `db:"faculty_advisor_id" json:"faculty_advisor_id,omitempty"`
	SemesterNumber   int              `db:"semester_number" json:"semester_number"`
	Category         string           `db:"category" json:"category"`
	Grade            *string          `db:"grade" json:"grade,omitempty"`
	Attendance       *float64         `db:"attendance" json:"attendance,omitempty"`
	CreditWeight     int              `db:"credit_weight" json:"credit_weight"`
	BlockedReason    *string          `db:"blocked_reason" json:"blocked_reason,omitempty"`
	LastActorID      *string          `db:"last_actor_id" json:"last_actor_id,omitempty"`
	Version          int              `db:"version" json:"version"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	TransitionedAt   time.Time        `db:"transitioned_at" json:"transitioned_at"`
}

// EnrollmentTransition is an append-only history row for an enrollment.
type EnrollmentTransition struct {
	ID           string            `db:"id" json:"id"`
	EnrollmentID string            `db:"enrollment_id" json:"enrollment_id"`
	FromStatus   *EnrollmentStatus `db:"from_status" json:"from_status,omitempty"`
	ToStatus     EnrollmentStatus  `db:"to_status" json:"to_status"`
	Action       string            `db:"action" json:"action"`
	ActorID      string            `db:"actor_id" json:"actor_id"`
	ActorRole    UserRole          `db:"actor_role" json:"actor_role"`
	Note         *string           `db:"note" json:"note,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID        string
	CourseID         string
	SessionID        string
	FacultyAdvisorID string
	Status           EnrollmentStatus
	Page             int
	PageSize         int
	SortBy           string
	SortOrder        string
}

// CreditLoad summarises a student's credit usage within a session.
type CreditLoad struct {
	StudentID string `json:"student_id"`
	SessionID string `json:"session_id"`
	Reserved  int    `json:"reserved"`
	Committed int    `json:"committed"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}
