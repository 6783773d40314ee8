package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/krs-api/internal/models"
)

type cohortKey struct {
	department string
	year       int
}

// MemoryCatalog serves reference data, advisor mappings and audit logs from
// memory for the memory store driver.
type MemoryCatalog struct {
	mu       sync.RWMutex
	sessions map[string]models.AcademicSession
	students map[string]models.Student
	courses  map[string]models.Course
	advisors map[cohortKey]models.AdvisorAssignment
	audit    []models.AuditLog
}

// NewMemoryCatalog constructs an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		sessions: make(map[string]models.AcademicSession),
		students: make(map[string]models.Student),
		courses:  make(map[string]models.Course),
		advisors: make(map[cohortKey]models.AdvisorAssignment),
	}
}

// Seed upserts a reference data bundle.
func (c *MemoryCatalog) Seed(_ context.Context, data models.ReferenceData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	for _, s := range data.Sessions {
		c.sessions[s.ID] = s
	}
	for _, s := range data.Students {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		c.students[s.ID] = s
	}
	for _, course := range data.Courses {
		if course.Credits <= 0 {
			return fmt.Errorf("seed course %s: credits must be positive", course.ID)
		}
		if course.CreatedAt.IsZero() {
			course.CreatedAt = now
		}
		c.courses[course.ID] = course
	}
	for _, a := range data.Advisors {
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
		c.advisors[cohortKey{a.DepartmentCode, a.Year}] = a
	}
	return nil
}

// GetStudent returns the student or nil when unknown.
func (c *MemoryCatalog) GetStudent(_ context.Context, id string) (*models.Student, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.students[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// GetCourse returns the course offering or nil when unknown.
func (c *MemoryCatalog) GetCourse(_ context.Context, id string) (*models.Course, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	course, ok := c.courses[id]
	if !ok {
		return nil, nil
	}
	return &course, nil
}

// GetSession returns the session or nil when unknown.
func (c *MemoryCatalog) GetSession(_ context.Context, id string) (*models.AcademicSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// Find returns the advisor mapping for a cohort or nil.
func (c *MemoryCatalog) Find(_ context.Context, departmentCode string, year int) (*models.AdvisorAssignment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.advisors[cohortKey{departmentCode, year}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// List returns advisor mappings matching the filter.
func (c *MemoryCatalog) List(_ context.Context, filter models.AdvisorFilter) ([]models.AdvisorAssignment, error) {
	c.mu.RLock()
	out := make([]models.AdvisorAssignment, 0, len(c.advisors))
	for _, a := range c.advisors {
		if filter.DepartmentCode != "" && a.DepartmentCode != filter.DepartmentCode {
			continue
		}
		if filter.Year > 0 && a.Year != filter.Year {
			continue
		}
		if filter.AdvisorID != "" && a.AdvisorID != filter.AdvisorID {
			continue
		}
		out = append(out, a)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DepartmentCode != out[j].DepartmentCode {
			return out[i].DepartmentCode < out[j].DepartmentCode
		}
		return out[i].Year < out[j].Year
	})
	return out, nil
}

// Upsert stores the mapping and returns the previous advisor, if any.
func (c *MemoryCatalog) Upsert(_ context.Context, assignment *models.AdvisorAssignment) (*string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if assignment.UpdatedAt.IsZero() {
		assignment.UpdatedAt = time.Now().UTC()
	}
	key := cohortKey{assignment.DepartmentCode, assignment.Year}
	var previous *string
	if current, ok := c.advisors[key]; ok {
		prev := current.AdvisorID
		previous = &prev
	}
	c.advisors[key] = *assignment
	return previous, nil
}

// Create appends an audit log entry.
func (c *MemoryCatalog) Create(_ context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.audit = append(c.audit, *log)
	c.mu.Unlock()
	return nil
}

// AuditLogs returns a copy of recorded audit entries.
func (c *MemoryCatalog) AuditLogs() []models.AuditLog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.AuditLog, len(c.audit))
	copy(out, c.audit)
	return out
}
