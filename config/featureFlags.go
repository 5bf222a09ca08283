package config

import (
	"os"
	"strings"
)

const (
	AllocationLockRedis = "redis"
	AllocationLockDB    = "db"
	AllocationLockLocal = "local"
	AllocationLockNone  = "none"
)

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// OnePerStorefront limits each storefront to one combination per product.
//
// Set via env:
// - ONE_PER_STOREFRONT=true (default true)
func OnePerStorefront() bool {
	return envBool("ONE_PER_STOREFRONT", true)
}

// SeasonFilterEnabled turns on seasonal eligibility filtering in bulk fetch.
//
// Set via env:
// - SEASON_FILTER_ENABLED=true (default true)
func SeasonFilterEnabled() bool {
	return envBool("SEASON_FILTER_ENABLED", true)
}

// AllocationLockMode picks how concurrent claims in one channel are serialized.
//
// Set via env:
// - ALLOCATION_LOCK_MODE="redis" | "db" | "local" | "none" (default redis; redis and db fall back to local when unavailable)
func AllocationLockMode() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ALLOCATION_LOCK_MODE")))
	switch v {
	case AllocationLockRedis, AllocationLockDB, AllocationLockLocal, AllocationLockNone:
		return v
	default:
		return AllocationLockRedis
	}
}

// SeasonWorkbookPath is the workbook loaded when no path is passed explicitly.
func SeasonWorkbookPath() string {
	return strings.TrimSpace(os.Getenv("SEASON_WORKBOOK_PATH"))
}
