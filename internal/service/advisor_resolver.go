package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

type advisorSource interface {
	Find(ctx context.Context, departmentCode string, year int) (*models.AdvisorAssignment, error)
}

// AdvisorResolver answers "who advises this cohort". Positive answers are
// cached; misses always reach the source so a new mapping is visible at once.
//
// Each cohort has a generation counter that Invalidate bumps. Cached entries
// carry the generation they were read under and are ignored once it moves on,
// so a lookup that finishes after an invalidation cannot resurrect the old
// advisor.
type AdvisorResolver struct {
	source advisorSource
	cache  *CacheService
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]int64
}

type advisorEntry struct {
	AdvisorID  string `json:"advisor_id"`
	Generation int64  `json:"generation"`
}

// NewAdvisorResolver constructs the resolver. cache may be nil.
func NewAdvisorResolver(source advisorSource, cache *CacheService, ttl time.Duration, logger *zap.Logger) *AdvisorResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisorResolver{source: source, cache: cache, ttl: ttl, logger: logger, local: make(map[string]int64)}
}

// AdvisorCacheKey is the cache key for a cohort mapping.
func AdvisorCacheKey(departmentCode string, year int) string {
	return fmt.Sprintf("advisor:%s:%d", departmentCode, year)
}

// AdvisorGenerationKey is the counter bumped whenever a cohort mapping changes.
func AdvisorGenerationKey(departmentCode string, year int) string {
	return fmt.Sprintf("advisor-gen:%s:%d", departmentCode, year)
}

// Resolve returns the advisor for (departmentCode, year) or NoAdvisorAssigned.
func (r *AdvisorResolver) Resolve(ctx context.Context, departmentCode string, year int) (string, error) {
	key := AdvisorCacheKey(departmentCode, year)

	local := r.localGeneration(key)
	shared, err := r.cache.Counter(ctx, AdvisorGenerationKey(departmentCode, year))
	cacheable := err == nil
	if cacheable {
		var entry advisorEntry
		if hit, _ := r.cache.Get(ctx, key, &entry); hit && entry.AdvisorID != "" && entry.Generation == shared {
			return entry.AdvisorID, nil
		}
	}

	flight := fmt.Sprintf("%s|%d|%d|%d", departmentCode, year, local, shared)
	v, err, _ := r.group.Do(flight, func() (interface{}, error) {
		// Detached from ctx: every waiter on this flight shares the result.
		lookupCtx := context.WithoutCancel(ctx)
		assignment, err := r.source.Find(lookupCtx, departmentCode, year)
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve faculty advisor")
		}
		if assignment == nil || assignment.AdvisorID == "" {
			return "", nil
		}
		if cacheable {
			_ = r.cache.Set(lookupCtx, key, advisorEntry{AdvisorID: assignment.AdvisorID, Generation: shared}, r.ttl)
		}
		return assignment.AdvisorID, nil
	})
	if err != nil {
		return "", err
	}
	advisorID, _ := v.(string)
	if advisorID == "" {
		return "", appErrors.Clone(appErrors.ErrNoAdvisorAssigned, fmt.Sprintf("no faculty advisor assigned for department %s year %d", departmentCode, year))
	}
	return advisorID, nil
}

// Invalidate retires every cached answer for the cohort after an assignment changes.
func (r *AdvisorResolver) Invalidate(ctx context.Context, departmentCode string, year int) {
	key := AdvisorCacheKey(departmentCode, year)

	r.mu.Lock()
	r.local[key]++
	r.mu.Unlock()

	if _, err := r.cache.Bump(ctx, AdvisorGenerationKey(departmentCode, year)); err != nil {
		r.logger.Warn("failed to bump advisor generation", zap.String("department", departmentCode), zap.Int("year", year), zap.Error(err))
	}
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("failed to invalidate advisor cache", zap.String("department", departmentCode), zap.Int("year", year), zap.Error(err))
	}
}

func (r *AdvisorResolver) localGeneration(key string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local[key]
}
