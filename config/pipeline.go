package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Pipeline tunables. Every value is read on each call so tests can use t.Setenv.

// IngestPageSize is the page size requested from upstream sources that do not declare one.
// Set via env:
// - INGEST_PAGE_SIZE (default 1000)
// - INGEST_MAX_PAGE_SIZE (default 5000) caps per-source overrides
func IngestPageSize(sourcePageSize int) int {
	size := sourcePageSize
	if size <= 0 {
		size = intFromEnv("INGEST_PAGE_SIZE", 1000)
	}
	maxSize := intFromEnv("INGEST_MAX_PAGE_SIZE", 5000)
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	if size <= 0 {
		size = 1000
	}
	return size
}

func IngestPageTimeout() time.Duration {
	return durationFromEnv("INGEST_PAGE_TIMEOUT_SECONDS", 30*time.Second)
}

func IngestLeaseTTL() time.Duration {
	return durationFromEnv("INGEST_LEASE_TTL_SECONDS", 60*time.Second)
}

// IngestDispatchMode is "pubsub" (default) or "local". Local runs the ingestion in-process,
// which is what a single-instance deployment without a Pub/Sub topic wants.
func IngestDispatchMode() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("INGEST_DISPATCH_MODE")))
	if v == "local" {
		return "local"
	}
	return "pubsub"
}

func IngestTopic() string {
	return stringFromEnv("INGEST_TOPIC", "ingestion-runs")
}

// TransformTopic receives batch-completed events. Empty disables publishing.
func TransformTopic() string {
	return strings.TrimSpace(os.Getenv("TRANSFORM_TOPIC"))
}

func TransformChunkSize() int {
	n := intFromEnv("TRANSFORM_CHUNK_SIZE", 500)
	if n <= 0 {
		return 500
	}
	return n
}

func TransformChunkTimeout() time.Duration {
	return durationFromEnv("TRANSFORM_CHUNK_TIMEOUT_SECONDS", 60*time.Second)
}

func FingerprintSampleSize() int {
	n := intFromEnv("FINGERPRINT_SAMPLE_SIZE", 100)
	if n <= 0 {
		return 100
	}
	return n
}

// DriftCriticalFields lists field names that always count as critical in addition
// to the identifier/monetary name heuristics.
// Set via env:
// - DRIFT_CRITICAL_FIELDS="sku,customer_ref"
func DriftCriticalFields() []string {
	return csvFromEnv("DRIFT_CRITICAL_FIELDS")
}

func KpiParallelism() int {
	n := intFromEnv("KPI_PARALLELISM", 8)
	if n <= 0 {
		return 1
	}
	return n
}

func UpstreamRateLimitPerMin() int {
	n := intFromEnv("UPSTREAM_RATE_LIMIT_PER_MIN", 60)
	if n <= 0 {
		return 60
	}
	return n
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationFromEnv(secondsKey string, def time.Duration) time.Duration {
	n := intFromEnv(secondsKey, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func boolFromEnv(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func stringFromEnv(key string, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func csvFromEnv(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
