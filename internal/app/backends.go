package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/krs-api/internal/handler"
	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/internal/repository"
	"github.com/noah-isme/krs-api/pkg/cache"
	"github.com/noah-isme/krs-api/pkg/config"
	"github.com/noah-isme/krs-api/pkg/database"
)

// EnrollmentStore is the persistence surface the workflow runs against.
type EnrollmentStore interface {
	repository.LedgerReader
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
	ListTransitions(ctx context.Context, enrollmentID string) ([]models.EnrollmentTransition, error)
	Create(ctx context.Context, params repository.CreateEnrollmentParams, guard repository.CreateGuard) (*models.Enrollment, bool, error)
	Transition(ctx context.Context, id string, fn repository.TransitionFunc) (*models.Enrollment, error)
}

// Catalog serves reference data and accepts seed bundles.
type Catalog interface {
	GetStudent(ctx context.Context, id string) (*models.Student, error)
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	GetSession(ctx context.Context, id string) (*models.AcademicSession, error)
	Seed(ctx context.Context, data models.ReferenceData) error
}

// AdvisorStore persists (department, year) to advisor mappings.
type AdvisorStore interface {
	Find(ctx context.Context, departmentCode string, year int) (*models.AdvisorAssignment, error)
	List(ctx context.Context, filter models.AdvisorFilter) ([]models.AdvisorAssignment, error)
	Upsert(ctx context.Context, assignment *models.AdvisorAssignment) (*string, error)
}

// AuditStore appends audit log rows.
type AuditStore interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// Backends groups the storage clients selected by configuration.
type Backends struct {
	DB    *sqlx.DB
	Redis *redis.Client

	Enrollments EnrollmentStore
	Catalog     Catalog
	Advisors    AdvisorStore
	Audit       AuditStore
}

// OpenBackends connects the configured store driver and the optional Redis cache.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backends, error) {
	b := &Backends{}

	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		catalog := repository.NewMemoryCatalog()
		b.Enrollments = repository.NewMemoryEnrollmentStore(cfg.Enrollment.LockTimeout)
		b.Catalog = catalog
		b.Advisors = catalog
		b.Audit = catalog
		logger.Warn("using in-memory store, data is lost on restart")
	case config.StoreDriverPostgres, "":
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.DB = db
		if cfg.Database.AutoMigrate {
			if err := Migrate(ctx, db, logger); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		b.Enrollments = repository.NewEnrollmentRepository(db, cfg.Enrollment.LockTimeout)
		b.Catalog = repository.NewCatalogRepository(db)
		b.Advisors = repository.NewAdvisorRepository(db)
		b.Audit = repository.NewAuditRepository(db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	client, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		if b.DB != nil {
			_ = b.DB.Close()
		}
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	b.Redis = client
	return b, nil
}

// Migrate applies pending schema migrations.
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	migrator, err := database.NewMigrator(db, logger)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied", zap.Int("count", applied))
	return nil
}

// Close releases every open connection.
func (b *Backends) Close() {
	if b == nil {
		return
	}
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
	if b.DB != nil {
		_ = b.DB.Close()
	}
}

// HealthCheckers returns readiness probes for the connected backends.
func (b *Backends) HealthCheckers() map[string]handler.HealthChecker {
	checks := make(map[string]handler.HealthChecker)
	if b.DB != nil {
		checks["database"] = b.DB.PingContext
	}
	if b.Redis != nil {
		client := b.Redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}
