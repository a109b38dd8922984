package objstore

import (
	"context"
	"io"
	"strings"
	"time"
)

// BlobStore is the capability interface every storage backend implements.
// Containers and blobs are addressed by name.
type BlobStore interface {
	// Create a container and attach metadata to it in a single logical step.
	// Fails with ContainerAlreadyExists if the name is taken.
	CreateContainer(ctx context.Context, name string, metadata map[string]string) error

	// Returns the container's metadata, or ContainerNotFound.
	GetContainerMetadata(ctx context.Context, name string) (map[string]string, error)

	// Replace the container's metadata.
	SetContainerMetadata(ctx context.Context, name string, metadata map[string]string) error

	// Delete a container together with every blob inside it.
	DeleteContainer(ctx context.Context, name string) error

	GetBlobProperties(ctx context.Context, container, blob string) (*BlobProperties, error)

	// Write a blob, replacing any existing blob of the same name. The blob
	// and its metadata appear together or not at all.
	UploadBlob(ctx context.Context, container, blob string, body io.ReadSeeker, size int64, opts UploadOptions) error

	// Copy the full blob contents to w, returning the number of bytes copied.
	DownloadBlob(ctx context.Context, container, blob string, w io.Writer) (int64, error)

	SetBlobMetadata(ctx context.Context, container, blob string, metadata map[string]string) error

	DeleteBlob(ctx context.Context, container, blob string) error
}

type UploadOptions struct {
	ContentType string
	// Nil if the caller did not compute it.
	MD5      []byte
	Metadata map[string]string
}

// BlobProperties are the store-side attributes of a blob.
type BlobProperties struct {
	ContentType  string
	Size         int64
	MD5          []byte
	ETag         string
	CreationTime time.Time
	Metadata     map[string]string
}

// Lookup finds key in metadata ignoring case. Some stores canonicalise
// metadata names on the way back (Azure turns "tenant_id" into "Tenant_id").
func Lookup(metadata map[string]string, key string) (string, bool) {
	if v, ok := metadata[key]; ok {
		return v, true
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// CopyMetadata returns a shallow copy of metadata that is safe to mutate.
func CopyMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
