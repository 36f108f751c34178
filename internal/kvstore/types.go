// Package kvstore is the key-value persistence collaborator behind the
// message store. Values are opaque strings; callers own serialization.
package kvstore

import "context"

// Store is a best-effort string key-value store.
type Store interface {
	// Get returns the value at key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}
