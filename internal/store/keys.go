package store

import "fmt"

// Scalar markers and single-key structures.
const (
	FreshnessKey         = "freshness:last_update"
	WorkerLastSuccessKey = "worker:last_success_ts"
	BulkLastSuccessKey   = "bulk:last_success_ts"
	BulkLastDurationKey  = "bulk:last_duration_ms"
	BulkLastErrorKey     = "bulk:last_error"
	StaticLockKey        = "lock:static_data_update"
	DLQIndexKey          = "dlq:jobs"
	UniverseKey          = "universe:symbols"
	healthKeyPrefix      = "worker:health:"
	dlqJobKeyPrefix      = "dlq:job:"
	referenceKeyPrefix   = "ref:"
)

// RankKey is the sorted set for one (date, session, field).
func RankKey(date, session, field string) string {
	return fmt.Sprintf("rank:%s:%s:%s", date, session, field)
}

// LastKey is the LastRecord hash for one symbol.
func LastKey(date, session, symbol string) string {
	return fmt.Sprintf("last:%s:%s:%s", date, session, symbol)
}

// StatsKey is the precomputed min/max hash for one (date, session).
func StatsKey(date, session string) string {
	return fmt.Sprintf("stats:%s:%s", date, session)
}

// HealthKey is the per-operation health hash.
func HealthKey(operation string) string {
	return healthKeyPrefix + operation
}

// DLQJobKey is the per-job hash.
func DLQJobKey(id string) string {
	return dlqJobKeyPrefix + id
}

// ReferenceKey is the cached static reference hash for one symbol.
func ReferenceKey(symbol string) string {
	return referenceKeyPrefix + symbol
}
