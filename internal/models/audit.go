package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionEnrollmentRequest    = "ENROLLMENT_REQUEST"
	AuditActionEnrollmentTransition = "ENROLLMENT_TRANSITION"
	AuditActionAdvisorAssign        = "ADVISOR_ASSIGN"
)

// Audit resources.
const (
	AuditResourceEnrollment = "enrollment"
	AuditResourceAdvisor    = "advisor_assignment"
)

// AuditLog represents an audit trail record. Old and new values hold JSON documents.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  *string   `db:"old_values" json:"old_values,omitempty"`
	NewValues  *string   `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
