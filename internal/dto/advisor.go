package dto

// UpsertAdvisorRequest assigns a faculty advisor to a (department, year) cohort.
type UpsertAdvisorRequest struct {
	DepartmentCode string `json:"department_code" validate:"required,max=32"`
	Year           int    `json:"year" validate:"required,gte=1900,lte=2200"`
	AdvisorID      string `json:"advisor_id" validate:"required"`
}

// AdvisorListQuery binds advisor listing filters.
type AdvisorListQuery struct {
	DepartmentCode string `form:"department_code"`
	Year           int    `form:"year"`
	AdvisorID      string `form:"advisor_id"`
}
