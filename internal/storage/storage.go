// Package storage persists screenshot artifacts produced by the comparison
// checks. Implementations live in the local and gcs subpackages; both return
// a URI that is embedded in the stored check result.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// Store is the write-side contract shared by the blob store implementations.
type Store interface {
	PutObject(ctx context.Context, objectPath, contentType string, data io.Reader) (string, error)
}

// Prefixed wraps a Store and prepends a fixed key prefix to every object path.
type Prefixed struct {
	inner  Store
	prefix string
}

// WithPrefix returns a Store that namespaces all objects under prefix.
// An empty prefix returns the inner store unchanged.
func WithPrefix(inner Store, prefix string) Store {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return inner
	}
	return &Prefixed{inner: inner, prefix: prefix}
}

// PutObject implements Store.
func (p *Prefixed) PutObject(ctx context.Context, objectPath, contentType string, data io.Reader) (string, error) {
	return p.inner.PutObject(ctx, path.Join(p.prefix, objectPath), contentType, data)
}
