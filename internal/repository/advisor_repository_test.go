package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/krs-api/internal/models"
)

func TestAdvisorFind(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAdvisorRepository(db)

	rows := sqlmock.NewRows([]string{"department_code", "year", "advisor_id", "updated_by", "updated_at"}).
		AddRow("IF", 2021, "adv-1", nil, time.Now())
	mock.ExpectQuery("FROM advisor_assignments\\s+WHERE department_code = \\$1 AND year = \\$2").
		WithArgs("IF", 2021).
		WillReturnRows(rows)

	assignment, err := repo.Find(context.Background(), "IF", 2021)
	require.NoError(t, err)
	assert.Equal(t, "adv-1", assignment.AdvisorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisorFindMissing(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAdvisorRepository(db)

	mock.ExpectQuery("FROM advisor_assignments").WithArgs("MA", 2022).WillReturnError(sql.ErrNoRows)

	assignment, err := repo.Find(context.Background(), "MA", 2022)
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestAdvisorListFilters(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAdvisorRepository(db)

	mock.ExpectQuery("WHERE department_code = \\$1 AND year = \\$2 ORDER BY department_code ASC, year ASC").
		WithArgs("IF", 2021).
		WillReturnRows(sqlmock.NewRows([]string{"department_code", "year", "advisor_id", "updated_by", "updated_at"}).
			AddRow("IF", 2021, "adv-1", "admin-1", time.Now()))

	items, err := repo.List(context.Background(), models.AdvisorFilter{DepartmentCode: "IF", Year: 2021})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "admin-1", *items[0].UpdatedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisorUpsertReturnsPrevious(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAdvisorRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT advisor_id FROM advisor_assignments .* FOR UPDATE").
		WithArgs("IF", 2021).
		WillReturnRows(sqlmock.NewRows([]string{"advisor_id"}).AddRow("adv-old"))
	mock.ExpectExec("INSERT INTO advisor_assignments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prev, err := repo.Upsert(context.Background(), &models.AdvisorAssignment{DepartmentCode: "IF", Year: 2021, AdvisorID: "adv-new"})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "adv-old", *prev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisorUpsertCreates(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAdvisorRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO advisor_assignments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prev, err := repo.Upsert(context.Background(), &models.AdvisorAssignment{DepartmentCode: "IF", Year: 2022, AdvisorID: "adv-2"})
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.NoError(t, mock.ExpectationsWereMet())
}
