package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/krs-api/internal/models"
)

// AdvisorRepository persists (department, year) to advisor mappings.
type AdvisorRepository struct {
	db *sqlx.DB
}

// NewAdvisorRepository constructs the repository.
func NewAdvisorRepository(db *sqlx.DB) *AdvisorRepository {
	return &AdvisorRepository{db: db}
}

// Find returns the mapping for a cohort or nil when none exists.
func (r *AdvisorRepository) Find(ctx context.Context, departmentCode string, year int) (*models.AdvisorAssignment, error) {
	const query = `SELECT department_code, year, advisor_id, updated_by, updated_at FROM advisor_assignments
WHERE department_code = $1 AND year = $2`
	var assignment models.AdvisorAssignment
	if err := r.db.GetContext(ctx, &assignment, query, departmentCode, year); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get advisor assignment: %w", err)
	}
	return &assignment, nil
}

// List returns mappings matching the filter ordered by department then year.
func (r *AdvisorRepository) List(ctx context.Context, filter models.AdvisorFilter) ([]models.AdvisorAssignment, error) {
	var conditions []string
	var args []interface{}
	if filter.DepartmentCode != "" {
		args = append(args, filter.DepartmentCode)
		conditions = append(conditions, fmt.Sprintf("department_code = $%d", len(args)))
	}
	if filter.Year > 0 {
		args = append(args, filter.Year)
		conditions = append(conditions, fmt.Sprintf("year = $%d", len(args)))
	}
	if filter.AdvisorID != "" {
		args = append(args, filter.AdvisorID)
		conditions = append(conditions, fmt.Sprintf("advisor_id = $%d", len(args)))
	}

	query := `SELECT department_code, year, advisor_id, updated_by, updated_at FROM advisor_assignments`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY department_code ASC, year ASC"

	var assignments []models.AdvisorAssignment
	if err := r.db.SelectContext(ctx, &assignments, query, args...); err != nil {
		return nil, fmt.Errorf("list advisor assignments: %w", err)
	}
	return assignments, nil
}

// Upsert creates or replaces the mapping for a cohort and returns the previous advisor, if any.
func (r *AdvisorRepository) Upsert(ctx context.Context, assignment *models.AdvisorAssignment) (previous *string, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin advisor upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current string
	err = tx.GetContext(ctx, &current, `SELECT advisor_id FROM advisor_assignments WHERE department_code = $1 AND year = $2 FOR UPDATE`,
		assignment.DepartmentCode, assignment.Year)
	switch {
	case err == nil:
		previous = &current
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	default:
		return nil, fmt.Errorf("lock advisor assignment: %w", err)
	}

	if err = upsertAdvisor(ctx, tx, assignment); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit advisor upsert: %w", err)
	}
	return previous, nil
}

func upsertAdvisor(ctx context.Context, tx *sqlx.Tx, assignment *models.AdvisorAssignment) error {
	if assignment.UpdatedAt.IsZero() {
		assignment.UpdatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO advisor_assignments (department_code, year, advisor_id, updated_by, updated_at)
VALUES (:department_code, :year, :advisor_id, :updated_by, :updated_at)
ON CONFLICT (department_code, year) DO UPDATE SET advisor_id = EXCLUDED.advisor_id,
updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`
	if _, err := tx.NamedExecContext(ctx, query, assignment); err != nil {
		return fmt.Errorf("upsert advisor assignment %s/%d: %w", assignment.DepartmentCode, assignment.Year, err)
	}
	return nil
}
