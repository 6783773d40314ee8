package models

import "time"

// WorkflowMetricsSnapshot summarises in-process instrumentation for the admin summary endpoint.
type WorkflowMetricsSnapshot struct {
	TransitionsTotal         uint64            `json:"transitions_total"`
	TransitionFailures       map[string]uint64 `json:"transition_failures"`
	ConflictRetries          uint64            `json:"conflict_retries"`
	IdempotentReplays        uint64            `json:"idempotent_replays"`
	CacheHitRatio            float64           `json:"cache_hit_ratio"`
	CacheHits                uint64            `json:"cache_hits"`
	CacheMisses              uint64            `json:"cache_misses"`
	RequestsTotal            uint64            `json:"requests_total"`
	AverageRequestDurationMs float64           `json:"average_request_duration_ms"`
	Goroutines               int               `json:"goroutines"`
	GeneratedAt              time.Time         `json:"generated_at"`
}
