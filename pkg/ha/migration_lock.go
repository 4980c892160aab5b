package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

// MigrationLockName identifies the study-mdr schema migration lock.
const MigrationLockName = "study-mdr-migration"

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker creates a MigrationLocker for the database dialect.
// PostgreSQL uses a session advisory lock; other databases use a lock row.
// A nil db or a disabled config yields a locker that just runs fn.
func NewMigrationLocker(db *gorm.DB, cfg *HAConfig) (MigrationLocker, error) {
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	if db == nil || !cfg.MigrationLockEnabled {
		return noopMigrationLock{}, nil
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(MigrationLockName))),
		}, nil
	}
	// The table must exist before concurrent callers race for the row.
	if err := db.AutoMigrate(&migrationLockRecord{}); err != nil {
		return nil, fmt.Errorf("create migration lock table: %w", err)
	}
	return &fallbackMigrationLock{db: db, cfg: *cfg}, nil
}

// Migrate runs every migration under the lock, stopping at the first error.
func Migrate(ctx context.Context, locker MigrationLocker, migrations ...func() error) error {
	return locker.WithLock(ctx, func() error {
		for _, m := range migrations {
			if err := m(); err != nil {
				return err
			}
		}
		return nil
	})
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock uses PostgreSQL advisory locks for migration serialization.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("failed to acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

// migrationLockRecord is the lock row for non-PostgreSQL databases.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// fallbackMigrationLock holds the lock while its row exists. Insertion
// fails while another replica holds it; stale rows are removed.
type fallbackMigrationLock struct {
	db  *gorm.DB
	cfg HAConfig
}

func (l *fallbackMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	row := migrationLockRecord{ID: MigrationLockName, LockedBy: l.cfg.Identity}
	retries := max(l.cfg.LockRetries, 1)

	for i := 0; ; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", MigrationLockName, time.Now().Add(-l.cfg.StaleLockAge)).
			Delete(&migrationLockRecord{})

		row.LockedAt = time.Now()
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			break
		}
		if i == retries-1 {
			return fmt.Errorf("failed to acquire migration lock after %d attempts: %w", retries, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.LockRetryInterval):
		}
	}

	defer func() {
		l.db.Where("id = ?", MigrationLockName).Delete(&migrationLockRecord{})
	}()
	return fn()
}
