// Package config parses the small set of options that drive an Engine:
// where it stores its files, how big its pages and page cache are, which
// eviction policy the cache uses, and how often it checkpoints.
//
// Grounded on tinySQL's internal/storage/storage_backend.go
// (ParseStorageMode/String() enum-parsing idiom), generalized from one
// mode enum to a small options struct with the same parse-and-validate
// shape per option.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/avaish/nanodb/internal/storage/buffer"
)

// CachePolicy mirrors buffer.ReplacementPolicy at the config layer so
// this package does not need to import buffer's internals beyond the
// type itself.
type CachePolicy = buffer.ReplacementPolicy

// ParseCachePolicy parses "lru" or "fifo" (case-insensitive).
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch strings.ToLower(s) {
	case "", "lru":
		return buffer.LRU, nil
	case "fifo":
		return buffer.FIFO, nil
	default:
		return 0, fmt.Errorf("config: unknown page-cache-policy %q (want \"lru\" or \"fifo\")", s)
	}
}

// Options are the fully parsed, validated configuration values an
// Engine is constructed from.
type Options struct {
	BaseDir         string
	PageSize        int
	PageCacheSize   int64
	PageCachePolicy CachePolicy
	Transactions    bool
	CheckpointCron  string
}

// DefaultOptions returns the options an Engine uses when the caller sets
// nothing beyond a base directory.
func DefaultOptions(baseDir string) Options {
	return Options{
		BaseDir:         baseDir,
		PageSize:        8192,
		PageCacheSize:   64 * 1024 * 1024,
		PageCachePolicy: buffer.LRU,
		Transactions:    true,
		CheckpointCron:  "",
	}
}

// ParsePageSize parses and validates a page size string (bytes, must be
// a power of two in [512, 65536]).
func ParsePageSize(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid page-size %q: %w", s, err)
	}
	if n < 512 || n > 65536 || n&(n-1) != 0 {
		return 0, fmt.Errorf("config: page-size must be a power of two in [512,65536], got %d", n)
	}
	return n, nil
}

// ParseCacheSize parses a byte count, accepting a trailing k/m/g suffix
// (case-insensitive, base 1024).
func ParseCacheSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty page-cache-size")
	}
	mult := int64(1)
	suffix := strings.ToLower(s[len(s)-1:])
	switch suffix {
	case "k":
		mult = 1024
	case "m":
		mult = 1024 * 1024
	case "g":
		mult = 1024 * 1024 * 1024
	}
	numPart := s
	if mult != 1 {
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid page-cache-size %q: %w", s, err)
	}
	return n * mult, nil
}
