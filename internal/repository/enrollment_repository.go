package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/krs-api/internal/models"
)

const enrollmentColumns = `id, student_id, course_id, session_id, status, faculty_advisor_id, semester_number, category,
grade, attendance, credit_weight, blocked_reason, last_actor_id, version, created_at, transitioned_at`

// EnrollmentRepository handles persistence of enrollments in PostgreSQL.
type EnrollmentRepository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewEnrollmentRepository constructs the repository. lockTimeout bounds how long
// a transition waits on row and ledger locks.
func NewEnrollmentRepository(db *sqlx.DB, lockTimeout time.Duration) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, lockTimeout: lockTimeout}
}

// FindByID returns the enrollment or nil when it does not exist.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return &enrollment, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	var conditions []string
	var args []interface{}

	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("student_id", filter.StudentID)
	add("course_id", filter.CourseID)
	add("session_id", filter.SessionID)
	add("faculty_advisor_id", filter.FacultyAdvisorID)
	add("status", string(filter.Status))

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":      "created_at",
		"transitioned_at": "transitioned_at",
		"status":          "status",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page, size := normalisePage(filter.Page, filter.PageSize)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM enrollments`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`SELECT %s FROM enrollments%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d`,
		enrollmentColumns, clause, orderBy, order, len(args)-1, len(args))

	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	return enrollments, total, nil
}

// ListTransitions returns the history of an enrollment, oldest first.
func (r *EnrollmentRepository) ListTransitions(ctx context.Context, enrollmentID string) ([]models.EnrollmentTransition, error) {
	const query = `SELECT id, enrollment_id, from_status, to_status, action, actor_id, actor_role, note, created_at
FROM enrollment_transitions WHERE enrollment_id = $1 ORDER BY created_at ASC, id ASC`
	var transitions []models.EnrollmentTransition
	if err := r.db.SelectContext(ctx, &transitions, query, enrollmentID); err != nil {
		return nil, fmt.Errorf("list enrollment transitions: %w", err)
	}
	return transitions, nil
}

// SumCredits aggregates committed rows outside of any lock.
func (r *EnrollmentRepository) SumCredits(ctx context.Context, studentID, sessionID string, statuses []models.EnrollmentStatus, excludeID string) (int, error) {
	return sumCredits(ctx, r.db, studentID, sessionID, statuses, excludeID)
}

// Create inserts a new enrollment under the (student, session) ledger lock.
// When a non-rejected enrollment already exists for the same student, course
// and session it is returned with created=false and nothing is written.
func (r *EnrollmentRepository) Create(ctx context.Context, params CreateEnrollmentParams, guard CreateGuard) (result *models.Enrollment, created bool, err error) {
	e := params.Enrollment
	tx, err := r.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	unit := &pgUnit{tx: tx}
	if err = unit.LockLedger(ctx, e.StudentID, e.SessionID); err != nil {
		return nil, false, mapStoreError(err)
	}

	existing, err := findActiveIdentity(ctx, tx, e.StudentID, e.CourseID, e.SessionID)
	if err != nil {
		return nil, false, mapStoreError(err)
	}
	if existing != nil {
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit enrollment lookup: %w", err)
		}
		return existing, false, nil
	}

	if guard != nil {
		if err = guard(ctx, unit); err != nil {
			return nil, false, mapStoreError(err)
		}
	}

	const insert = `INSERT INTO enrollments (id, student_id, course_id, session_id, status, faculty_advisor_id, semester_number,
category, grade, attendance, credit_weight, blocked_reason, last_actor_id, version, created_at, transitioned_at)
VALUES (:id, :student_id, :course_id, :session_id, :status, :faculty_advisor_id, :semester_number,
:category, :grade, :attendance, :credit_weight, :blocked_reason, :last_actor_id, :version, :created_at, :transitioned_at)`
	if _, err = tx.NamedExecContext(ctx, insert, e); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			existing, findErr := r.findActiveIdentity(ctx, e.StudentID, e.CourseID, e.SessionID)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
			return nil, false, conflictError(err)
		}
		return nil, false, fmt.Errorf("insert enrollment: %w", mapStoreError(err))
	}
	if params.Transition != nil {
		if err = insertTransition(ctx, tx, params.Transition); err != nil {
			return nil, false, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, false, mapStoreError(fmt.Errorf("commit enrollment: %w", err))
	}
	return e, true, nil
}

// Transition locks the enrollment row for update and hands it to fn. Writes
// staged by fn commit atomically with the status change; an error from fn
// rolls everything back. The returned enrollment reflects the committed state.
func (r *EnrollmentRepository) Transition(ctx context.Context, id string, fn TransitionFunc) (result *models.Enrollment, err error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current models.Enrollment
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &current, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundEnrollment()
		}
		return nil, mapStoreError(fmt.Errorf("lock enrollment: %w", err))
	}

	unit := &pgUnit{tx: tx}
	if err = fn(ctx, current, unit); err != nil {
		return nil, mapStoreError(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, mapStoreError(fmt.Errorf("commit enrollment transition: %w", err))
	}
	if unit.saved != nil {
		return unit.saved, nil
	}
	return &current, nil
}

func (r *EnrollmentRepository) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enrollment transaction: %w", err)
	}
	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}
	return tx, nil
}

func (r *EnrollmentRepository) findActiveIdentity(ctx context.Context, studentID, courseID, sessionID string) (*models.Enrollment, error) {
	return findActiveIdentity(ctx, r.db, studentID, courseID, sessionID)
}

// pgUnit implements UnitOfWork on an open transaction.
type pgUnit struct {
	tx           *sqlx.Tx
	ledgerLocked map[string]struct{}
	saved        *models.Enrollment
}

func (u *pgUnit) LockLedger(ctx context.Context, studentID, sessionID string) error {
	key := LedgerKey(studentID, sessionID)
	if _, ok := u.ledgerLocked[key]; ok {
		return nil
	}
	if _, err := u.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return mapStoreError(fmt.Errorf("lock credit ledger: %w", err))
	}
	if u.ledgerLocked == nil {
		u.ledgerLocked = make(map[string]struct{})
	}
	u.ledgerLocked[key] = struct{}{}
	return nil
}

func (u *pgUnit) SumCredits(ctx context.Context, studentID, sessionID string, statuses []models.EnrollmentStatus, excludeID string) (int, error) {
	return sumCredits(ctx, u.tx, studentID, sessionID, statuses, excludeID)
}

func (u *pgUnit) Save(ctx context.Context, enrollment *models.Enrollment, transition *models.EnrollmentTransition) error {
	const update = `UPDATE enrollments SET status = $1, faculty_advisor_id = $2, blocked_reason = $3, last_actor_id = $4,
transitioned_at = $5, version = version + 1
WHERE id = $6 AND version = $7
RETURNING version`
	var version int
	err := u.tx.GetContext(ctx, &version, update,
		enrollment.Status,
		enrollment.FacultyAdvisorID,
		enrollment.BlockedReason,
		enrollment.LastActorID,
		enrollment.TransitionedAt,
		enrollment.ID,
		enrollment.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conflictError(fmt.Errorf("enrollment %s changed since it was read", enrollment.ID))
		}
		return mapStoreError(fmt.Errorf("update enrollment: %w", err))
	}
	enrollment.Version = version

	if transition != nil {
		if err := insertTransition(ctx, u.tx, transition); err != nil {
			return err
		}
	}
	saved := *enrollment
	u.saved = &saved
	return nil
}

func insertTransition(ctx context.Context, tx *sqlx.Tx, transition *models.EnrollmentTransition) error {
	const insert = `INSERT INTO enrollment_transitions (id, enrollment_id, from_status, to_status, action, actor_id, actor_role, note, created_at)
VALUES (:id, :enrollment_id, :from_status, :to_status, :action, :actor_id, :actor_role, :note, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, transition); err != nil {
		return mapStoreError(fmt.Errorf("insert enrollment transition: %w", err))
	}
	return nil
}

func sumCredits(ctx context.Context, q sqlx.QueryerContext, studentID, sessionID string, statuses []models.EnrollmentStatus, excludeID string) (int, error) {
	const query = `SELECT COALESCE(SUM(credit_weight), 0) FROM enrollments
WHERE student_id = $1 AND session_id = $2 AND status = ANY($3) AND ($4 = '' OR id::text <> $4)`
	var total int
	if err := sqlx.GetContext(ctx, q, &total, query, studentID, sessionID, pq.Array(statusStrings(statuses)), excludeID); err != nil {
		return 0, mapStoreError(fmt.Errorf("sum enrollment credits: %w", err))
	}
	return total, nil
}

func findActiveIdentity(ctx context.Context, q sqlx.QueryerContext, studentID, courseID, sessionID string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
WHERE student_id = $1 AND course_id = $2 AND session_id = $3 AND status <> 'REJECTED'
LIMIT 1`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, q, &enrollment, query, studentID, courseID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}
	return &enrollment, nil
}

func normalisePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}
