package kvstore

import (
	"context"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	columnEntryKey   = "entry_key"
	columnEntryValue = "entry_value"
	columnRevision   = "revision"
	columnUpdatedAt  = "updated_at_ms"
	queryEntryKey    = columnEntryKey + " = ?"
	queryKeyRevision = columnEntryKey + " = ? AND " + columnRevision + " = ?"
	queryKeyPrefix   = "substr(" + columnEntryKey + ", 1, ?) = ?"
	orderEntryKeyAsc = columnEntryKey + " ASC"
)

// kvEntry is the row backing a single key.
type kvEntry struct {
	Key         string `gorm:"column:entry_key;primaryKey;size:512;not null"`
	Value       string `gorm:"column:entry_value;type:text;not null"`
	Revision    uint64 `gorm:"column:revision;not null;default:1"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (kvEntry) TableName() string {
	return "kv_entries"
}

// SQLiteStore keeps entries in a single GORM-managed table.
type SQLiteStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// OpenSQLite opens the database at path and migrates the entry table.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return store, nil
}

// NewSQLiteStore wraps an existing GORM handle and ensures the schema is present.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("kvstore: database handle is required")
	}
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// Get returns the entry stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, ErrInvalidKey
	}
	row, found, err := findEntry(s.db.WithContext(ctx), key)
	if err != nil || !found {
		return Entry{}, false, err
	}
	return Entry{Key: row.Key, Value: row.Value, Revision: row.Revision}, true, nil
}

// Put upserts value and bumps the revision.
func (s *SQLiteStore) Put(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	now := s.clock().UTC().UnixMilli()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: columnEntryKey}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			columnEntryValue: value,
			columnRevision:   gorm.Expr(columnRevision + " + 1"),
			columnUpdatedAt:  now,
		}),
	}).Create(&kvEntry{Key: key, Value: value, Revision: 1, UpdatedAtMs: now}).Error
}

// Apply runs the whole batch inside one transaction, so it never returns a
// *PartialBatchError.
func (s *SQLiteStore) Apply(ctx context.Context, batch Batch) error {
	if err := validateBatch(batch); err != nil {
		return err
	}
	now := s.clock().UTC().UnixMilli()
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, merge := range batch.Prepare {
			if err := applyMerge(transaction, merge, now); err != nil {
				return err
			}
		}
		for _, write := range batch.Writes {
			if err := applyGuardedWrite(transaction, write, now); err != nil {
				return err
			}
		}
		for _, merge := range batch.Merges {
			if err := applyMerge(transaction, merge, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Keys lists stored keys that start with prefix.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	query := s.db.WithContext(ctx).Model(&kvEntry{})
	if prefix != "" {
		query = query.Where(queryKeyPrefix, len(prefix), prefix)
	}
	if err := query.Order(orderEntryKeyAsc).Pluck(columnEntryKey, &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func applyGuardedWrite(transaction *gorm.DB, write Write, now int64) error {
	if write.Revision == 0 {
		result := transaction.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&kvEntry{Key: write.Key, Value: write.Value, Revision: 1, UpdatedAtMs: now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s already exists", ErrRevisionMismatch, write.Key)
		}
		return nil
	}

	result := transaction.Model(&kvEntry{}).
		Where(queryKeyRevision, write.Key, write.Revision).
		Updates(map[string]interface{}{
			columnEntryValue: write.Value,
			columnRevision:   gorm.Expr(columnRevision + " + 1"),
			columnUpdatedAt:  now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not at revision %d", ErrRevisionMismatch, write.Key, write.Revision)
	}
	return nil
}

func applyMerge(transaction *gorm.DB, merge Merge, now int64) error {
	existing, exists, err := findEntry(transaction, merge.Key)
	if err != nil {
		return err
	}

	next, err := merge.Fn(existing.Value, exists)
	if err != nil {
		return err
	}
	if !exists {
		return applyGuardedWrite(transaction, Write{Key: merge.Key, Value: next}, now)
	}
	if next == existing.Value {
		return nil
	}
	return applyGuardedWrite(transaction, Write{Key: merge.Key, Value: next, Revision: existing.Revision}, now)
}

// findEntry reads one row without raising gorm.ErrRecordNotFound for a missing key.
func findEntry(db *gorm.DB, key string) (kvEntry, bool, error) {
	var rows []kvEntry
	result := db.Where(queryEntryKey, key).Limit(1).Find(&rows)
	if result.Error != nil {
		return kvEntry{}, false, result.Error
	}
	if result.RowsAffected == 0 || len(rows) == 0 {
		return kvEntry{}, false, nil
	}
	return rows[0], true, nil
}
