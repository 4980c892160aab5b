// Package ha lets several study-mdr replicas share one database: schema
// migrations run under a database-wide lock so only one replica changes
// the schema at a time.
package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// HAConfig holds configuration for multi-replica deployments.
type HAConfig struct {
	// MigrationLockEnabled controls whether migrations run under the lock.
	MigrationLockEnabled bool

	// Identity is recorded on the fallback lock row. Defaults to POD_NAME
	// or the hostname.
	Identity string

	// LockRetries and LockRetryInterval bound how long the fallback lock
	// waits for another replica.
	LockRetries       int
	LockRetryInterval time.Duration

	// StaleLockAge is the age after which a fallback lock row left by a
	// crashed replica is removed.
	StaleLockAge time.Duration
}

// DefaultHAConfig returns an HAConfig with sensible defaults.
func DefaultHAConfig() *HAConfig {
	return &HAConfig{
		MigrationLockEnabled: true,
		Identity:             defaultIdentity(),
		LockRetries:          30,
		LockRetryInterval:    time.Second,
		StaleLockAge:         5 * time.Minute,
	}
}

// HAConfigFromEnv reads HA configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - STUDY_MDR_MIGRATION_LOCK_ENABLED: "true" or "false" (default: "true")
//   - STUDY_MDR_MIGRATION_LOCK_RETRIES: attempts (default: 30)
//   - STUDY_MDR_MIGRATION_LOCK_STALE_AGE: seconds (default: 300)
//   - POD_NAME: replica identity
func HAConfigFromEnv() *HAConfig {
	cfg := DefaultHAConfig()

	if v := os.Getenv("STUDY_MDR_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.MigrationLockEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("STUDY_MDR_MIGRATION_LOCK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LockRetries = n
		}
	}
	if v := os.Getenv("STUDY_MDR_MIGRATION_LOCK_STALE_AGE"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.StaleLockAge = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
