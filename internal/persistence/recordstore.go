package persistence

import (
	"context"
	"fmt"
	"strings"
)

// RecordStore is the storage seam all entity operations go through. A
// collection is a slash-separated path (e.g. "agents/scribe/tasks"); records
// are JSON values under (collection, key); logs are ordered append-only
// streams under (collection, key). The same orchestration logic runs against
// the flat-file backend or the embedded SQLite backend.
type RecordStore interface {
	// Get returns the record value, or ErrNotFound.
	Get(ctx context.Context, collection, key string) ([]byte, error)
	// Create inserts a new record, failing with ErrAlreadyExists if present.
	Create(ctx context.Context, collection, key string, value []byte) error
	// Put upserts a record.
	Put(ctx context.Context, collection, key string, value []byte) error
	// Delete removes a record, or returns ErrNotFound.
	Delete(ctx context.Context, collection, key string) error
	// ListKeys returns the record keys in a collection, sorted ascending.
	// A missing collection is an empty list, not an error.
	ListKeys(ctx context.Context, collection string) ([]string, error)
	// ListCollections returns the immediate child collection names under
	// prefix, sorted ascending.
	ListCollections(ctx context.Context, prefix string) ([]string, error)
	// DeleteTree removes every record and log under prefix, recursively.
	DeleteTree(ctx context.Context, prefix string) error
	// Append adds an entry to the end of a log stream.
	Append(ctx context.Context, collection, key string, value []byte) error
	// ReadLog returns all entries of a log stream in append order. A missing
	// stream is an empty list, not an error.
	ReadLog(ctx context.Context, collection, key string) ([][]byte, error)
	Close() error
}

// validatePath rejects collection or key components that could escape the
// store root when mapped onto the filesystem backend.
func validatePath(parts ...string) error {
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("empty path component")
		}
		for _, seg := range strings.Split(p, "/") {
			if seg == "" || seg == "." || seg == ".." {
				return fmt.Errorf("invalid path component %q", p)
			}
		}
		if strings.ContainsAny(p, "\\\x00") {
			return fmt.Errorf("invalid path component %q", p)
		}
	}
	return nil
}
