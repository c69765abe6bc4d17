// Package badger implements the page cache on BadgerDB. Keys are the same
// relative paths the filesystem cache uses, so both backends address a page
// identically.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/storage"
)

const maxConflictRetries = 10

// Config captures the BadgerDB options.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// InMemory keeps the database off disk.
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// Store is a BadgerDB-backed cache store.
type Store struct {
	db     *badgerdb.DB
	dir    string
	layout *storage.Layout
	logger *zap.Logger
}

// New opens (or creates) the database.
func New(cfg Config, layout *storage.Layout, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if layout == nil {
		layout = storage.NewLayout(nil)
	}

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Dir) == "" {
			return nil, fmt.Errorf("badger directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Dir, err)
		}
		opts = badgerdb.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithLogger(newZapAdapter(logger.Named("badgerdb"))).
		WithNumVersionsToKeep(1)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	logger.Info("badger cache opened", zap.String("dir", cfg.Dir), zap.Bool("in_memory", cfg.InMemory))
	return &Store{db: db, dir: cfg.Dir, layout: layout, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}

// Exists reports which parts of a page are cached.
func (s *Store) Exists(_ context.Context, key crawler.PageKey) crawler.CacheState {
	var state crawler.CacheState
	_ = s.db.View(func(txn *badgerdb.Txn) error {
		_, errHTML := txn.Get([]byte(s.layout.Path(key, crawler.KindHTML)))
		_, errJSON := txn.Get([]byte(s.layout.Path(key, crawler.KindJSON)))
		state.HasHTML = errHTML == nil
		state.HasJSON = errJSON == nil
		return nil
	})
	return state
}

// ReadJSON returns the parsed records cached for a page.
func (s *Store) ReadJSON(_ context.Context, key crawler.PageKey) ([]crawler.Review, error) {
	path := s.layout.Path(key, crawler.KindJSON)
	data, err := s.get(path)
	if err != nil {
		return nil, err
	}
	reviews, err := storage.DecodeReviews(data)
	if err != nil {
		return nil, crawler.CacheIOError{Op: "decode", Path: path, Err: err}
	}
	return reviews, nil
}

// ReadHTML returns the raw markup cached for a page.
func (s *Store) ReadHTML(_ context.Context, key crawler.PageKey) ([]byte, error) {
	return s.get(s.layout.Path(key, crawler.KindHTML))
}

// Write stores every non-empty part of the entry in one transaction.
func (s *Store) Write(_ context.Context, key crawler.PageKey, entry crawler.CacheEntry) error {
	parts := make(map[string][]byte, 3)
	if len(entry.HTML) > 0 {
		parts[s.layout.Path(key, crawler.KindHTML)] = entry.HTML
	}
	if entry.Reviews != nil {
		path := s.layout.Path(key, crawler.KindJSON)
		data, err := storage.EncodeReviews(entry.Reviews)
		if err != nil {
			return crawler.CacheIOError{Op: "encode", Path: path, Err: err}
		}
		parts[path] = data
	}
	if len(entry.Screenshot) > 0 {
		parts[s.layout.Path(key, crawler.KindScreenshot)] = entry.Screenshot
	}
	if len(parts) == 0 {
		return nil
	}

	err := s.update(func(txn *badgerdb.Txn) error {
		for path, data := range parts {
			if err := txn.Set([]byte(path), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return crawler.CacheIOError{Op: "write", Path: s.layout.Path(key, crawler.KindJSON), Err: err}
	}
	return nil
}

// Delete drops every part of a page.
func (s *Store) Delete(_ context.Context, key crawler.PageKey) error {
	err := s.update(func(txn *badgerdb.Txn) error {
		for _, kind := range []crawler.CacheKind{crawler.KindHTML, crawler.KindJSON, crawler.KindScreenshot} {
			if err := txn.Delete([]byte(s.layout.Path(key, kind))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return crawler.CacheIOError{Op: "delete", Path: s.layout.Path(key, crawler.KindJSON), Err: err}
	}
	return nil
}

// URI returns a badger:// URI for one part of a page.
func (s *Store) URI(key crawler.PageKey, kind crawler.CacheKind) string {
	return fmt.Sprintf("badger://%s", s.layout.Path(key, kind))
}

func (s *Store) get(path string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, crawler.ErrCacheMiss
	}
	if err != nil {
		return nil, crawler.CacheIOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// update retries transaction conflicts, which resolve in microseconds.
func (s *Store) update(fn func(txn *badgerdb.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		s.logger.Debug("badger transaction conflict, retrying", zap.Int("attempt", i+1))
	}
	return fmt.Errorf("transaction conflict not resolved after %d retries", maxConflictRetries)
}
