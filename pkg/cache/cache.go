// Package cache provides the content store package tarballs are read from.
//
// A [Cache] is a plain byte store addressed by string keys. A [Keyer] maps a
// package identity to its key: content-addressed by integrity when the
// lockfile records one, by name and version otherwise. Backends:
//   - [FileCache]: a directory tree, the default for a single machine
//   - [RedisCache]: a shared store for CI fleets
//   - [NullCache]: always misses; useful for tests
//
// # Usage
//
//	c, err := cache.NewFileCache(dir)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	key := cache.NewDefaultKeyer().TarballKey("lodash", "4.17.21", integrity)
//	data, hit, err := c.Get(ctx, key)
package cache

import (
	"context"
	"time"
)

// TTLTarball is the lifetime of a stored tarball. Tarballs are immutable, so
// entries never expire.
const TTLTarball time.Duration = 0

// Cache is a byte store. Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the stored bytes and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores data under key. A zero ttl keeps the entry forever.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the backend's resources.
	Close() error
}

// Keyer generates cache keys for package content.
type Keyer interface {
	// TarballKey returns the key of a package version's tarball.
	TarballKey(name, version, integrity string) string
}

// DefaultKeyer keys tarballs by integrity when known, so identical content
// published under different names is stored once.
type DefaultKeyer struct{}

// NewDefaultKeyer creates the default keyer.
func NewDefaultKeyer() Keyer { return DefaultKeyer{} }

// TarballKey implements Keyer.
func (DefaultKeyer) TarballKey(name, version, integrity string) string {
	if integrity != "" {
		return "tarball:" + integrity
	}
	return "tarball:" + name + "@" + version
}
