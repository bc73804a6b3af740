package cache

import (
	"context"
	"errors"
	"time"
)

var ErrBucketNotFound = errors.New("bucket not found")

// Storage is a set of named cache buckets.
// Exactly one bucket is in use by a cache version; the others are
// leftovers from earlier versions until they are deleted.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the bucket with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Bucket, error)
	// Keys returns the names of all buckets in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Has checks if a bucket with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the bucket and all its entries.
	// It returns false if there was no such bucket.
	Delete(ctx context.Context, name string) (bool, error)
}

// Bucket stores serialized responses under request keys.
// Writes to a bucket that has been deleted from its storage are dropped.
type Bucket interface {
	Name() string
	// Match returns the entry for the given key, if it exists.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes the entry for the given key.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys in the bucket in insertion order.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
