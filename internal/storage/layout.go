// Package storage derives the on-disk layout of the page cache. Every backend
// addresses entries through Layout so repeated runs hit the same slot.
package storage

import (
	"fmt"
	"path"
	"regexp"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/hash/sha256"
)

var (
	safeTarget  = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Layout maps cache keys to slash-separated relative paths.
type Layout struct {
	hasher crawler.Hasher
}

// NewLayout builds a Layout. A nil hasher defaults to SHA-256.
func NewLayout(hasher crawler.Hasher) *Layout {
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Layout{hasher: hasher}
}

// Normalize returns the directory-safe form of a target ID. Safe IDs are kept
// verbatim; anything else is replaced by its digest.
func (l *Layout) Normalize(target string) string {
	if safeTarget.MatchString(target) && target != "." && target != ".." {
		return target
	}
	digest, err := l.hasher.Hash([]byte(target))
	if err != nil || digest == "" {
		return unsafeChars.ReplaceAllString(target, "_")
	}
	return digest
}

// Path returns the relative location of one part of a cached page, e.g.
// html/B07PHPXHQS/B07PHPXHQS-2.html.
func (l *Layout) Path(key crawler.PageKey, kind crawler.CacheKind) string {
	norm := l.Normalize(key.Target)
	return path.Join(string(kind), norm, fmt.Sprintf("%s-%d.%s", norm, key.PageNumber, Extension(kind)))
}

// Extension returns the file extension used for a cache tree.
func Extension(kind crawler.CacheKind) string {
	if kind == crawler.KindScreenshot {
		return "png"
	}
	return string(kind)
}
