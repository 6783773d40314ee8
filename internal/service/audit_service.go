package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/pkg/jobs"
)

const auditJobType = "audit_log"

type auditWriter interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AuditEntry describes one audited change before serialisation.
type AuditEntry struct {
	ActorID    string
	Action     string
	Resource   string
	ResourceID string
	Old        interface{}
	New        interface{}
	IPAddress  string
	UserAgent  string
}

// AuditConfig configures the background writer.
type AuditConfig struct {
	Workers        int
	MaxRetries     int
	RetryDelay     time.Duration
	EnqueueTimeout time.Duration
}

// AuditService writes audit logs off the request path through a job queue.
type AuditService struct {
	repo           auditWriter
	queue          *jobs.Queue
	metrics        *MetricsService
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

// NewAuditService wires the queue; call Start before recording.
func NewAuditService(repo auditWriter, metrics *MetricsService, cfg AuditConfig, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 100 * time.Millisecond
	}
	s := &AuditService{repo: repo, metrics: metrics, enqueueTimeout: cfg.EnqueueTimeout, logger: logger}
	s.queue = jobs.NewQueue("audit", s.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the writer workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains pending entries.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Stats exposes queue counters.
func (s *AuditService) Stats() jobs.Stats {
	return s.queue.Stats()
}

// Record enqueues an entry. It never fails the caller; dropped entries are counted.
func (s *AuditService) Record(ctx context.Context, entry AuditEntry) {
	if s == nil {
		return
	}
	log := &models.AuditLog{
		ID:        uuid.NewString(),
		Action:    entry.Action,
		Resource:  entry.Resource,
		OldValues: marshalAuditValue(entry.Old),
		NewValues: marshalAuditValue(entry.New),
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	if entry.ActorID != "" {
		actor := entry.ActorID
		log.UserID = &actor
	}
	if entry.ResourceID != "" {
		resourceID := entry.ResourceID
		log.ResourceID = &resourceID
	}
	if log.IPAddress == "" {
		log.IPAddress = "system"
	}

	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.enqueueTimeout)
	defer cancel()
	if err := s.queue.EnqueueContext(enqueueCtx, jobs.Job{ID: log.ID, Type: auditJobType, Payload: log}); err != nil {
		s.metrics.IncAuditDropped()
		s.logger.Warn("audit entry dropped", zap.String("action", entry.Action), zap.String("resource_id", entry.ResourceID), zap.Error(err))
	}
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	log, ok := job.Payload.(*models.AuditLog)
	if !ok {
		s.logger.Error("unexpected audit payload", zap.String("job_id", job.ID))
		return nil
	}
	return s.repo.Create(ctx, log)
}

func marshalAuditValue(v interface{}) *string {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := string(raw)
	return &out
}
