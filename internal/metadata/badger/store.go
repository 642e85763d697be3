// Package badger implements metadata.Store on BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/metadata"
)

const prefixFile = "file/"

func keyFile(path string) []byte {
	return []byte(prefixFile + path)
}

// Config holds BadgerDB settings.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM, for tests.
	InMemory bool
}

// Store is a metadata.Store backed by BadgerDB.
//
// Badger transactions are optimistic and only detect conflicts at commit.
// writeMu is taken before a read-write transaction starts, so writers queue
// up front instead of failing late.
type Store struct {
	db      *badgerdb.DB
	logger  *slog.Logger
	writeMu sync.Mutex

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

// Open opens the Badger database described by cfg.
func Open(cfg Config, opts ...Option) (*Store, error) {
	store := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(store)
	}

	var bopts badgerdb.Options
	if cfg.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("%w: empty badger directory", apperrors.ErrInvalidPath)
		}
		bopts = badgerdb.DefaultOptions(cfg.Dir)
	}
	// Rows are small; compression is not worth it and badger's own logger is noisy.
	bopts = bopts.WithCompression(options.None).WithLogger(nil)

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Dir, err)
	}

	store.db = db
	store.logger.Debug("opened badger metadata store", "dir", cfg.Dir, "in_memory", cfg.InMemory)
	return store, nil
}

// GetMetadata returns the row for path.
func (s *Store) GetMetadata(ctx context.Context, path string) (*metadata.FileMetadata, error) {
	var md *metadata.FileMetadata
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		var getErr error
		md, getErr = (&querier{txn: txn}).GetMetadata(ctx, path)
		return getErr
	})
	return md, err
}

// ListMetadata returns rows whose path starts with prefix.
func (s *Store) ListMetadata(ctx context.Context, prefix string) ([]*metadata.FileMetadata, error) {
	var out []*metadata.FileMetadata
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		var listErr error
		out, listErr = (&querier{txn: txn}).ListMetadata(ctx, prefix)
		return listErr
	})
	return out, err
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

// WithTx runs fn inside a read-write transaction holding the writer lock.
func (s *Store) WithTx(ctx context.Context, fn func(tx metadata.Querier) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return fn(&querier{txn: txn})
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

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func (s *Store) view(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return apperrors.ErrStoreClosed
	}
	return nil
}

// querier runs operations on one badger transaction.
type querier struct {
	txn *badgerdb.Txn
}

func (q *querier) GetMetadata(ctx context.Context, path string) (*metadata.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	item, err := q.txn.Get(keyFile(path))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata %s: %w", path, err)
	}

	var md metadata.FileMetadata
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &md)
	}); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", path, err)
	}
	return &md, nil
}

func (q *querier) ListMetadata(ctx context.Context, prefix string) ([]*metadata.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = keyFile(prefix)
	it := q.txn.NewIterator(opts)
	defer it.Close()

	out := []*metadata.FileMetadata{}
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		var md metadata.FileMetadata
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &md)
		}); err != nil {
			key := strings.TrimPrefix(string(item.Key()), prefixFile)
			return nil, fmt.Errorf("decode metadata %s: %w", key, err)
		}
		out = append(out, &md)
	}
	return out, nil
}

func (q *querier) SaveMetadata(ctx context.Context, md *metadata.FileMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if md == nil || md.Path == "" {
		return fmt.Errorf("%w: metadata without path", apperrors.ErrInvalidPath)
	}

	stored := md.Clone()
	stored.ModifiedAt = stored.ModifiedAt.UTC()
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", md.Path, err)
	}
	if err := q.txn.Set(keyFile(md.Path), data); err != nil {
		return fmt.Errorf("save metadata %s: %w", md.Path, err)
	}
	return nil
}

func (q *querier) DeleteMetadata(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.txn.Delete(keyFile(path)); err != nil {
		return fmt.Errorf("delete metadata %s: %w", path, err)
	}
	return nil
}

var _ metadata.Store = (*Store)(nil)
