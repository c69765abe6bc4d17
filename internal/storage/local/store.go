// Package local implements the page cache on the local filesystem as three
// parallel trees (html, json, screenshot) under a base directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/storage"
)

// Config captures the parameters for the local filesystem cache.
type Config struct {
	// BaseDir is the root directory holding the html/, json/ and screenshot/ trees.
	BaseDir string `mapstructure:"dir" yaml:"dir"`
}

// Store writes cache entries to the local filesystem.
type Store struct {
	baseDir string
	layout  *storage.Layout
}

// New creates a filesystem-backed cache store. A nil layout uses the default
// SHA-256 normalization.
func New(cfg Config, layout *storage.Layout) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if layout == nil {
		layout = storage.NewLayout(nil)
	}
	return &Store{baseDir: baseDir, layout: layout}, nil
}

// Exists reports which parts of a page are cached.
func (s *Store) Exists(_ context.Context, key crawler.PageKey) crawler.CacheState {
	return crawler.CacheState{
		HasHTML: s.isFile(key, crawler.KindHTML),
		HasJSON: s.isFile(key, crawler.KindJSON),
	}
}

// ReadJSON returns the parsed records cached for a page.
func (s *Store) ReadJSON(_ context.Context, key crawler.PageKey) ([]crawler.Review, error) {
	data, fullPath, err := s.read(key, crawler.KindJSON)
	if err != nil {
		return nil, err
	}
	reviews, err := storage.DecodeReviews(data)
	if err != nil {
		return nil, crawler.CacheIOError{Op: "decode", Path: fullPath, Err: err}
	}
	return reviews, nil
}

// ReadHTML returns the raw markup cached for a page.
func (s *Store) ReadHTML(_ context.Context, key crawler.PageKey) ([]byte, error) {
	data, _, err := s.read(key, crawler.KindHTML)
	return data, err
}

// Write persists every non-empty part of the entry, overwriting older copies.
func (s *Store) Write(_ context.Context, key crawler.PageKey, entry crawler.CacheEntry) error {
	var errs []error
	if len(entry.HTML) > 0 {
		errs = append(errs, s.write(key, crawler.KindHTML, entry.HTML))
	}
	if entry.Reviews != nil {
		data, err := storage.EncodeReviews(entry.Reviews)
		if err != nil {
			errs = append(errs, crawler.CacheIOError{Op: "encode", Path: s.layout.Path(key, crawler.KindJSON), Err: err})
		} else {
			errs = append(errs, s.write(key, crawler.KindJSON, data))
		}
	}
	if len(entry.Screenshot) > 0 {
		errs = append(errs, s.write(key, crawler.KindScreenshot, entry.Screenshot))
	}
	return errors.Join(errs...)
}

// Delete removes every cached part of a page. Missing parts are ignored.
func (s *Store) Delete(_ context.Context, key crawler.PageKey) error {
	var errs []error
	for _, kind := range []crawler.CacheKind{crawler.KindHTML, crawler.KindJSON, crawler.KindScreenshot} {
		fullPath, err := s.resolve(key, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, crawler.CacheIOError{Op: "delete", Path: fullPath, Err: err})
		}
	}
	return errors.Join(errs...)
}

// URI returns a file:// URI for one part of a page.
func (s *Store) URI(key crawler.PageKey, kind crawler.CacheKind) string {
	return fmt.Sprintf("file://%s", filepath.Join(s.baseDir, filepath.FromSlash(s.layout.Path(key, kind))))
}

func (s *Store) resolve(key crawler.PageKey, kind crawler.CacheKind) (string, error) {
	rel := s.layout.Path(key, kind)
	fullPath := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(rel)))
	// Verify the path stays within baseDir to prevent path traversal.
	rootPrefix := strings.TrimSuffix(s.baseDir, string(filepath.Separator)) + string(filepath.Separator)
	if !strings.HasPrefix(fullPath, rootPrefix) {
		return "", crawler.CacheIOError{Op: "resolve", Path: rel, Err: fmt.Errorf("path traversal detected")}
	}
	return fullPath, nil
}

func (s *Store) isFile(key crawler.PageKey, kind crawler.CacheKind) bool {
	fullPath, err := s.resolve(key, kind)
	if err != nil {
		return false
	}
	info, err := os.Stat(fullPath)
	return err == nil && info.Mode().IsRegular()
}

func (s *Store) read(key crawler.PageKey, kind crawler.CacheKind) ([]byte, string, error) {
	fullPath, err := s.resolve(key, kind)
	if err != nil {
		return nil, "", err
	}
	// #nosec G304 -- fullPath is confined to baseDir by resolve.
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fullPath, crawler.ErrCacheMiss
		}
		return nil, fullPath, crawler.CacheIOError{Op: "read", Path: fullPath, Err: err}
	}
	return data, fullPath, nil
}

func (s *Store) write(key crawler.PageKey, kind crawler.CacheKind, data []byte) error {
	fullPath, err := s.resolve(key, kind)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return crawler.CacheIOError{Op: "mkdir", Path: fullPath, Err: err}
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return crawler.CacheIOError{Op: "write", Path: fullPath, Err: err}
	}
	return nil
}
