// Package sqlite implements metadata.Store on an embedded SQLite database through GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/metadata"
)

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	dirPerm = 0750

	// WAL lets readers proceed while a writer holds the lock; busy_timeout waits
	// on a locked database instead of failing.
	dsnOptions = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
)

// fileRecord is the row layout of the file_metadata table.
type fileRecord struct {
	Path        string `gorm:"primaryKey;column:path"`
	ContentHash string `gorm:"column:content_hash;not null"`
	Size        int64  `gorm:"column:size;not null"`
	ModifiedAt  int64  `gorm:"column:modified_at"` // Unix nanoseconds
	Mode        uint32 `gorm:"column:mode"`
}

// TableName sets the table name.
func (fileRecord) TableName() string {
	return "file_metadata"
}

func toRecord(md *metadata.FileMetadata) *fileRecord {
	rec := &fileRecord{
		Path:        md.Path,
		ContentHash: md.ContentHash,
		Size:        md.Size,
		Mode:        uint32(md.Mode),
	}
	if !md.ModifiedAt.IsZero() {
		rec.ModifiedAt = md.ModifiedAt.UnixNano()
	}
	return rec
}

func (r *fileRecord) toMetadata() *metadata.FileMetadata {
	md := &metadata.FileMetadata{
		Path:        r.Path,
		ContentHash: r.ContentHash,
		Size:        r.Size,
		Mode:        os.FileMode(r.Mode),
	}
	if r.ModifiedAt != 0 {
		md.ModifiedAt = time.Unix(0, r.ModifiedAt).UTC()
	}
	return md
}

// Store is a metadata.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures Store.
type Option func(*Store)

// WithLogger sets a custom logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open opens (or creates) the database at path and migrates the schema.
// Use MemoryPath for a throwaway in-memory index.
func Open(path string, opts ...Option) (*Store, error) {
	store := &Store{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(store)
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty database path", apperrors.ErrInvalidPath)
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+dsnOptions), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// Writes go through WithTx, which owns BEGIN/COMMIT on a pinned connection.
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database: %w", err)
	}
	// A single connection serializes writers in this process and keeps an
	// in-memory database alive for the lifetime of the store.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&fileRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	store.db = db
	store.logger.Debug("opened sqlite metadata store", "path", path)
	return store, nil
}

// GetMetadata returns the row for path.
func (s *Store) GetMetadata(ctx context.Context, path string) (*metadata.FileMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getMetadata(s.db.WithContext(ctx), path)
}

// ListMetadata returns rows whose path starts with prefix.
func (s *Store) ListMetadata(ctx context.Context, prefix string) ([]*metadata.FileMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return listMetadata(s.db.WithContext(ctx), prefix)
}

// SaveMetadata upserts md.
func (s *Store) SaveMetadata(ctx context.Context, md *metadata.FileMetadata) error {
	return s.WithTx(ctx, func(tx metadata.Querier) error {
		return tx.SaveMetadata(ctx, md)
	})
}

// DeleteMetadata removes the row for path if present.
func (s *Store) DeleteMetadata(ctx context.Context, path string) error {
	return s.WithTx(ctx, func(tx metadata.Querier) error {
		return tx.DeleteMetadata(ctx, path)
	})
}

// WithTx runs fn inside a BEGIN IMMEDIATE transaction, so the write lock is
// held from the start rather than upgraded on the first write.
func (s *Store) WithTx(ctx context.Context, fn func(tx metadata.Querier) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("BEGIN IMMEDIATE").Error; err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		committed := false
		defer func() {
			if committed {
				return
			}
			// The request context may be done already; rollback must still run.
			if rbErr := conn.WithContext(context.WithoutCancel(ctx)).Exec("ROLLBACK").Error; rbErr != nil {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
			if r := recover(); r != nil {
				panic(r)
			}
		}()

		if err := fn(&querier{db: conn}); err != nil {
			return err
		}
		if err := conn.Exec("COMMIT").Error; err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		committed = true
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying database: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite database: %w", err)
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return apperrors.ErrStoreClosed
	}
	return nil
}

// querier runs statements on a transaction handle.
type querier struct {
	db *gorm.DB
}

func (q *querier) GetMetadata(ctx context.Context, path string) (*metadata.FileMetadata, error) {
	return getMetadata(q.db.WithContext(ctx), path)
}

func (q *querier) ListMetadata(ctx context.Context, prefix string) ([]*metadata.FileMetadata, error) {
	return listMetadata(q.db.WithContext(ctx), prefix)
}

func (q *querier) SaveMetadata(ctx context.Context, md *metadata.FileMetadata) error {
	if md == nil || md.Path == "" {
		return fmt.Errorf("%w: metadata without path", apperrors.ErrInvalidPath)
	}
	err := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			UpdateAll: true,
		}).
		Create(toRecord(md)).Error
	if err != nil {
		return fmt.Errorf("save metadata %s: %w", md.Path, err)
	}
	return nil
}

func (q *querier) DeleteMetadata(ctx context.Context, path string) error {
	err := q.db.WithContext(ctx).Where("path = ?", path).Delete(&fileRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete metadata %s: %w", path, err)
	}
	return nil
}

func getMetadata(db *gorm.DB, path string) (*metadata.FileMetadata, error) {
	var rec fileRecord
	if err := db.Where("path = ?", path).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, path)
		}
		return nil, fmt.Errorf("get metadata %s: %w", path, err)
	}
	return rec.toMetadata(), nil
}

func listMetadata(db *gorm.DB, prefix string) ([]*metadata.FileMetadata, error) {
	var recs []fileRecord
	q := db.Order("path")
	if prefix != "" {
		// LIKE is case-insensitive in SQLite; compare the leading characters instead.
		q = q.Where("substr(path, 1, length(?)) = ?", prefix, prefix)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list metadata %q: %w", prefix, err)
	}

	out := make([]*metadata.FileMetadata, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toMetadata())
	}
	return out, nil
}

var _ metadata.Store = (*Store)(nil)
