// Package history records install runs.
//
// Every install run, successful or not, produces a [Record]. The
// CLI's history command lists them, which makes it easy to see when a CI
// job's dependency tree changed size or started failing.
//
// Backends:
//   - [FileStore]: JSON files under the user's state directory (default)
//   - [MongoStore]: a MongoDB collection shared across machines
//   - [NullStore]: discards records
package history

import (
	"context"
	"time"
)

// DefaultLimit is the number of records List returns when no limit is set.
const DefaultLimit = 20

// Record describes one install run.
type Record struct {
	ID         string        `json:"id" bson:"_id"`
	Name       string        `json:"name" bson:"name"`
	Version    string        `json:"version" bson:"version"`
	Prefix     string        `json:"prefix" bson:"prefix"`
	Lockfile   string        `json:"lockfile,omitempty" bson:"lockfile,omitempty"`
	StartedAt  time.Time     `json:"started_at" bson:"started_at"`
	Duration   time.Duration `json:"duration" bson:"duration"`
	PkgCount   int           `json:"pkg_count" bson:"pkg_count"`
	ScriptsRun int           `json:"scripts_run" bson:"scripts_run"`
	Failures   []string      `json:"failures,omitempty" bson:"failures,omitempty"`
	Warnings   []string      `json:"warnings,omitempty" bson:"warnings,omitempty"`
	Code       string        `json:"code,omitempty" bson:"code,omitempty"` // error code of a failed run
	Error      string        `json:"error,omitempty" bson:"error,omitempty"`
}

// Succeeded reports whether the run completed without a fatal error.
func (r *Record) Succeeded() bool { return r.Error == "" }

// ListOptions filters List results.
type ListOptions struct {
	// Prefix restricts results to runs installed into this directory.
	Prefix string

	// Limit caps the number of records. Zero means DefaultLimit.
	Limit int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultLimit
	}
	return o.Limit
}

// Store persists install records.
type Store interface {
	// Add stores a record.
	Add(ctx context.Context, r *Record) error

	// List returns records newest first.
	List(ctx context.Context, opts ListOptions) ([]*Record, error)

	// Close releases the store's resources.
	Close() error
}

// NullStore discards records.
type NullStore struct{}

// NewNullStore creates a store that keeps nothing.
func NewNullStore() NullStore { return NullStore{} }

func (NullStore) Add(context.Context, *Record) error { return nil }

func (NullStore) List(context.Context, ListOptions) ([]*Record, error) { return nil, nil }

func (NullStore) Close() error { return nil }
