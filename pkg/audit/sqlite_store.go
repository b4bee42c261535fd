package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// auditRow is the gorm model backing SQLiteStore.
type auditRow struct {
	Instance  string `gorm:"primaryKey;size:64"`
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	RecordID  string `gorm:"size:36;uniqueIndex"`
	Type      string `gorm:"size:64;index"`
	Entity    string `gorm:"size:32"`
	EntityID  string `gorm:"size:128;index"`
	Actor     string `gorm:"size:42"`
	Before    string
	After     string
	Reason    string
	Timestamp time.Time
}

func (auditRow) TableName() string {
	return "audit_records"
}

// SQLiteStore persists audit records in SQLite through gorm. Rows are keyed by
// (instance, seq).
type SQLiteStore struct {
	db       *gorm.DB
	instance string
}

// NewSQLiteStore opens (or creates) the database at path. An empty path uses a
// shared in-memory database.
func NewSQLiteStore(path string, opts ...StoreOption) (*SQLiteStore, error) {
	o := buildStoreOptions(opts)
	dsn := "file::memory:?cache=shared"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		dsn = path
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.AutoMigrate(&auditRow{}); err != nil {
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	return &SQLiteStore{db: db, instance: o.instance}, nil
}

func (s *SQLiteStore) scoped(ctx context.Context) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&auditRow{})
	if s.instance != "" {
		q = q.Where("instance = ?", s.instance)
	}
	return q
}

// Write inserts rec.
func (s *SQLiteStore) Write(ctx context.Context, rec Record) error {
	if rec.Instance == "" {
		rec.Instance = s.instance
	}
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert audit record %d: %w", rec.Seq, err)
	}
	return nil
}

// List returns records ordered by instance, then sequence number.
func (s *SQLiteStore) List(ctx context.Context, offset, limit int) ([]Record, error) {
	q := s.scoped(ctx).Order("instance asc").Order("seq asc")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []auditRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.scoped(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec Record) (auditRow, error) {
	before, err := encodeFields(rec.Before)
	if err != nil {
		return auditRow{}, err
	}
	after, err := encodeFields(rec.After)
	if err != nil {
		return auditRow{}, err
	}
	return auditRow{
		Seq:       rec.Seq,
		RecordID:  rec.ID.String(),
		Instance:  rec.Instance,
		Type:      string(rec.Type),
		Entity:    rec.Entity,
		EntityID:  rec.EntityID,
		Actor:     rec.Actor.Hex(),
		Before:    before,
		After:     after,
		Reason:    rec.Reason,
		Timestamp: rec.Timestamp.UTC(),
	}, nil
}

func fromRow(row auditRow) (Record, error) {
	id, err := uuid.Parse(row.RecordID)
	if err != nil {
		return Record{}, fmt.Errorf("decode audit record %d id: %w", row.Seq, err)
	}
	before, err := decodeFields(row.Before)
	if err != nil {
		return Record{}, err
	}
	after, err := decodeFields(row.After)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:        id,
		Seq:       row.Seq,
		Instance:  row.Instance,
		Type:      EventType(row.Type),
		Entity:    row.Entity,
		EntityID:  row.EntityID,
		Actor:     common.HexToAddress(row.Actor),
		Before:    before,
		After:     after,
		Reason:    row.Reason,
		Timestamp: row.Timestamp,
	}, nil
}

func encodeFields(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode audit fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode audit fields: %w", err)
	}
	return m, nil
}
