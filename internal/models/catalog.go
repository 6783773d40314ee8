package models

import "time"

// Student is the reference record used for advisor routing.
type Student struct {
	ID             string    `db:"id" json:"id" yaml:"id"`
	NIM            string    `db:"nim" json:"nim" yaml:"nim"`
	FullName       string    `db:"full_name" json:"full_name" yaml:"full_name"`
	DepartmentCode string    `db:"department_code" json:"department_code" yaml:"department_code"`
	Year           int       `db:"year" json:"year" yaml:"year"`
	Active         bool      `db:"active" json:"active" yaml:"active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at" yaml:"-"`
}

// Course is a course offering in one academic session.
type Course struct {
	ID             string    `db:"id" json:"id" yaml:"id"`
	Code           string    `db:"code" json:"code" yaml:"code"`
	Name           string    `db:"name" json:"name" yaml:"name"`
	SessionID      string    `db:"session_id" json:"session_id" yaml:"session_id"`
	DepartmentCode string    `db:"department_code" json:"department_code" yaml:"department_code"`
	InstructorID   string    `db:"instructor_id" json:"instructor_id" yaml:"instructor_id"`
	Credits        int       `db:"credits" json:"credits" yaml:"credits"`
	CreatedAt      time.Time `db:"created_at" json:"created_at" yaml:"-"`
}

// AcademicSession is an enrollment period such as "2025/2026 Odd".
type AcademicSession struct {
	ID       string `db:"id" json:"id" yaml:"id"`
	Name     string `db:"name" json:"name" yaml:"name"`
	IsActive bool   `db:"is_active" json:"is_active" yaml:"is_active"`
}

// AdvisorAssignment maps a (department, year) cohort to its faculty advisor.
type AdvisorAssignment struct {
	DepartmentCode string    `db:"department_code" json:"department_code" yaml:"department_code"`
	Year           int       `db:"year" json:"year" yaml:"year"`
	AdvisorID      string    `db:"advisor_id" json:"advisor_id" yaml:"advisor_id"`
	UpdatedBy      *string   `db:"updated_by" json:"updated_by,omitempty" yaml:"-"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at" yaml:"-"`
}

// AdvisorFilter narrows advisor assignment listings.
type AdvisorFilter struct {
	DepartmentCode string
	Year           int
	AdvisorID      string
}

// ReferenceData is a seed bundle for the catalog tables.
type ReferenceData struct {
	Sessions []AcademicSession   `yaml:"sessions"`
	Students []Student           `yaml:"students"`
	Courses  []Course            `yaml:"courses"`
	Advisors []AdvisorAssignment `yaml:"advisors"`
}
