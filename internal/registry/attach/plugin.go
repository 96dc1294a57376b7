// Package attach defines the AttachmentStore interface and its plugin
// registry, so the attachment object-storage backend (local disk, S3,
// a mock) can be selected by name at startup.
package attach

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"
)

// FileStoreResult reports where a Store call landed a file and how to
// verify it came back intact.
type FileStoreResult struct {
	StorageKey string
	Size       int64
	SHA256     string
}

// AttachmentStore is the interface every attachment storage backend
// implements: write bytes in, get a storage key back, and later
// retrieve, delete, or sign a URL for the same key.
type AttachmentStore interface {
	Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*FileStoreResult, error)
	Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error)
	Delete(ctx context.Context, storageKey string) error
	// GetSignedURL returns a time-limited signed download URL, or nil
	// if this backend has no notion of one (e.g. local disk).
	GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error)
}

// Loader constructs an AttachmentStore once its backend's configuration
// has been resolved.
type Loader func(ctx context.Context) (AttachmentStore, error)

// Plugin names one attachment store implementation.
type Plugin struct {
	Name   string
	Loader Loader
}

// namedLoaders keeps Loaders addressable by name while preserving the
// order they were registered in, which Names() surfaces directly in
// its error message when an unknown name is selected.
type namedLoaders struct {
	order []string
	byName map[string]Loader
}

func (r *namedLoaders) add(name string, loader Loader) {
	if r.byName == nil {
		r.byName = map[string]Loader{}
	}
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = loader
}

var registry namedLoaders

// Register adds an attachment store plugin, typically from an init()
// in the plugin's own package.
func Register(p Plugin) {
	registry.add(p.Name, p.Loader)
}

// Names lists every registered attachment store plugin, in
// registration order.
func Names() []string {
	out := make([]string, len(registry.order))
	copy(out, registry.order)
	return out
}

// Select returns the loader registered under name.
func Select(name string) (Loader, error) {
	loader, ok := registry.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown attachment store %q; valid: %v", name, Names())
	}
	return loader, nil
}
