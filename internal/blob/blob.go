// Package blob replicates backup archives to off-machine storage.
// A Store holds immutable-ish archive objects keyed by file name;
// re-replicating a name overwrites, matching how default backup names
// collide within a day.
package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"medidash/internal/config"
	mederrors "medidash/internal/errors"
)

// Driver identifies a blob store implementation.
type Driver string

const (
	DriverFS Driver = "fs"
	DriverS3 Driver = "s3"
)

// ErrUnsupported is returned for operations a driver cannot provide.
var ErrUnsupported = errors.New("operation not supported by blob driver")

// Info describes a stored object.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"contentType,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"lastModified"`
	URL          string            `json:"url,omitempty"`
}

// PutOptions carries optional object attributes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is the replication target interface.
type Store interface {
	// Put streams an object into the store, overwriting any existing
	// object under the same key.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Get opens an object for reading.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// Head returns object metadata without the body.
	Head(ctx context.Context, key string) (Info, error)
	// Delete removes an object. Returns false if it did not exist.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns objects whose keys begin with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	// PresignURL returns a time-limited fetch URL for an object.
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	// Driver identifies the implementation.
	Driver() Driver
}

// Open constructs the store selected by the replication config.
// Returns (nil, nil) when replication is disabled.
func Open(ctx context.Context, cfg config.ReplicationConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case "":
		return nil, nil
	case DriverFS:
		return NewFSStore(cfg.FS.Root)
	case DriverS3:
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, mederrors.Validationf("unknown replication driver %q", cfg.Driver)
	}
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
