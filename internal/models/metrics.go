package models

import "time"

// SystemMetrics is a lightweight aggregate snapshot exposed for
// operational dashboards alongside the Prometheus endpoint.
type SystemMetrics struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	DBQueryCount             uint64    `json:"db_query_count"`
	AverageDBQueryDurationMs float64   `json:"average_db_query_duration_ms"`
	NodesExecuted            uint64    `json:"nodes_executed"`
	Suspensions              uint64    `json:"suspensions"`
	Resumes                  uint64    `json:"resumes"`
	DuplicateCallbacks       uint64    `json:"duplicate_callbacks"`
	BlockedNotifications     uint64    `json:"blocked_notifications"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
