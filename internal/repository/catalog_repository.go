package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/krs-api/internal/models"
)

// CatalogRepository reads students, course offerings and sessions. The write
// helpers exist for seeding only.
type CatalogRepository struct {
	db *sqlx.DB
}

// NewCatalogRepository constructs the repository.
func NewCatalogRepository(db *sqlx.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// GetStudent returns the student or nil when unknown.
func (r *CatalogRepository) GetStudent(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, nim, full_name, department_code, year, active, created_at FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get student: %w", err)
	}
	return &student, nil
}

// GetCourse returns the course offering or nil when unknown.
func (r *CatalogRepository) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, code, name, session_id, department_code, instructor_id, credits, created_at FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &course, nil
}

// GetSession returns the academic session or nil when unknown.
func (r *CatalogRepository) GetSession(ctx context.Context, id string) (*models.AcademicSession, error) {
	var session models.AcademicSession
	if err := r.db.GetContext(ctx, &session, `SELECT id, name, is_active FROM academic_sessions WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// Seed upserts a reference data bundle in one transaction.
func (r *CatalogRepository) Seed(ctx context.Context, data models.ReferenceData) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const sessionQuery = `INSERT INTO academic_sessions (id, name, is_active) VALUES (:id, :name, :is_active)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_active = EXCLUDED.is_active`
	for i := range data.Sessions {
		if _, err = tx.NamedExecContext(ctx, sessionQuery, &data.Sessions[i]); err != nil {
			return fmt.Errorf("seed session %s: %w", data.Sessions[i].ID, err)
		}
	}

	const studentQuery = `INSERT INTO students (id, nim, full_name, department_code, year, active) VALUES (:id, :nim, :full_name, :department_code, :year, :active)
ON CONFLICT (id) DO UPDATE SET nim = EXCLUDED.nim, full_name = EXCLUDED.full_name, department_code = EXCLUDED.department_code,
year = EXCLUDED.year, active = EXCLUDED.active`
	for i := range data.Students {
		if _, err = tx.NamedExecContext(ctx, studentQuery, &data.Students[i]); err != nil {
			return fmt.Errorf("seed student %s: %w", data.Students[i].ID, err)
		}
	}

	const courseQuery = `INSERT INTO courses (id, code, name, session_id, department_code, instructor_id, credits)
VALUES (:id, :code, :name, :session_id, :department_code, :instructor_id, :credits)
ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name, session_id = EXCLUDED.session_id,
department_code = EXCLUDED.department_code, instructor_id = EXCLUDED.instructor_id, credits = EXCLUDED.credits`
	for i := range data.Courses {
		if _, err = tx.NamedExecContext(ctx, courseQuery, &data.Courses[i]); err != nil {
			return fmt.Errorf("seed course %s: %w", data.Courses[i].ID, err)
		}
	}

	for i := range data.Advisors {
		if err = upsertAdvisor(ctx, tx, &data.Advisors[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}
