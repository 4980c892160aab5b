package ha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultHAConfig(t *testing.T) {
	t.Setenv("POD_NAME", "study-mdr-0")
	cfg := DefaultHAConfig()
	assert.True(t, cfg.MigrationLockEnabled)
	assert.Equal(t, "study-mdr-0", cfg.Identity)
	assert.Equal(t, 30, cfg.LockRetries)
	assert.Equal(t, 5*time.Minute, cfg.StaleLockAge)
}

func TestHAConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		enabled bool
		retries int
		stale   time.Duration
	}{
		{"defaults", nil, true, 30, 5 * time.Minute},
		{"disabled", map[string]string{"STUDY_MDR_MIGRATION_LOCK_ENABLED": "false"}, false, 30, 5 * time.Minute},
		{"numeric true", map[string]string{"STUDY_MDR_MIGRATION_LOCK_ENABLED": "1"}, true, 30, 5 * time.Minute},
		{"retries and stale age", map[string]string{
			"STUDY_MDR_MIGRATION_LOCK_RETRIES":   "5",
			"STUDY_MDR_MIGRATION_LOCK_STALE_AGE": "60",
		}, true, 5, time.Minute},
		{"invalid numbers ignored", map[string]string{
			"STUDY_MDR_MIGRATION_LOCK_RETRIES":   "-1",
			"STUDY_MDR_MIGRATION_LOCK_STALE_AGE": "soon",
		}, true, 30, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{
				"STUDY_MDR_MIGRATION_LOCK_ENABLED",
				"STUDY_MDR_MIGRATION_LOCK_RETRIES",
				"STUDY_MDR_MIGRATION_LOCK_STALE_AGE",
			} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := HAConfigFromEnv()
			assert.Equal(t, tt.enabled, cfg.MigrationLockEnabled)
			assert.Equal(t, tt.retries, cfg.LockRetries)
			assert.Equal(t, tt.stale, cfg.StaleLockAge)
		})
	}
}
