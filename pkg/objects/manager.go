// Package objects moves blobs in and out of tenant-owned repositories. Every
// operation is gated by the parent repository's ownership, never by the
// object's own metadata.
package objects

import (
	"context"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/serverlessresearch/srkstore/pkg/srk"
	"github.com/serverlessresearch/srkstore/pkg/tenant"
)

const defaultContentType = "application/octet-stream"

// Info describes a stored object.
type Info struct {
	ObjectName   string    `json:"objectName"`
	ObjectSize   int64     `json:"objectSize"`
	MD5Sum       string    `json:"md5sum"`
	ContentType  string    `json:"contentType"`
	ETag         string    `json:"etag"`
	TenantID     string    `json:"tenantID"`
	CreationTime time.Time `json:"creationTime"`
}

// Payload is a single uploaded file.
type Payload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Config bounds the spill buffers used for transfers.
type Config struct {
	// Where spilled payloads are written. Empty means os.TempDir().
	SpillDir string
	// Payloads up to this size stay in memory.
	MemoryThreshold int64
	// Uploads larger than this are rejected. Zero means unlimited.
	MaxUploadBytes int64
}

type Manager struct {
	store objstore.BlobStore
	authz *tenant.Authorizer
	cfg   Config
	log   srk.Logger
}

func NewManager(logger srk.Logger, store objstore.BlobStore, authz *tenant.Authorizer, cfg Config) *Manager {
	return &Manager{store: store, authz: authz, cfg: cfg, log: logger}
}

func (m *Manager) newBuffer(max int64) *srk.SpillBuffer {
	return srk.NewSpillBuffer(m.cfg.SpillDir, m.cfg.MemoryThreshold, max)
}

// GetInfo reports the store-side properties of an object.
func (m *Manager) GetInfo(ctx context.Context, repository, object string, id tenant.Identity) (*Info, error) {
	log := m.log.WithField("repository", repository).WithField("object", object)
	log.Infof("Retrieving object info from '%s/%s' ...", repository, object)

	owner, err := m.authz.Check(ctx, repository, id)
	if err != nil {
		log.Errorf("Retrieving object info from '%s/%s': FAILED - %v", repository, object, err)
		return nil, errors.Wrap(err, "Retrieving object info: FAILED")
	}

	props, err := m.store.GetBlobProperties(ctx, repository, object)
	if err != nil {
		log.Errorf("Retrieving object info from '%s/%s': FAILED - %v", repository, object, err)
		return nil, errors.Wrap(err, "Retrieving object info: FAILED")
	}

	log.Infof("Retrieving object info from '%s/%s': OK", repository, object)
	return &Info{
		ObjectName:   object,
		ObjectSize:   props.Size,
		MD5Sum:       hex.EncodeToString(props.MD5),
		ContentType:  props.ContentType,
		ETag:         props.ETag,
		TenantID:     owner,
		CreationTime: props.CreationTime,
	}, nil
}

// Download is a fully received object. It must be closed.
type Download struct {
	Name        string
	ContentType string
	Size        int64

	buf *srk.SpillBuffer
}

func (d *Download) Read(p []byte) (int, error) { return d.buf.Read(p) }

func (d *Download) Seek(offset int64, whence int) (int64, error) { return d.buf.Seek(offset, whence) }

func (d *Download) Close() error { return d.buf.Close() }

// Download fetches the whole object before returning it, so a transfer that
// fails halfway is reported as an error instead of a truncated body.
func (m *Manager) Download(ctx context.Context, repository, object string, id tenant.Identity) (*Download, error) {
	log := m.log.WithField("repository", repository).WithField("object", object)
	log.Infof("Object download from '%s/%s' ...", repository, object)

	if _, err := m.authz.Check(ctx, repository, id); err != nil {
		log.Errorf("Object download from '%s/%s': FAILED - %v", repository, object, err)
		return nil, errors.Wrap(err, "Object download: FAILED")
	}

	props, err := m.store.GetBlobProperties(ctx, repository, object)
	if err != nil {
		log.Errorf("Object download from '%s/%s': FAILED - %v", repository, object, err)
		return nil, errors.Wrap(err, "Object download: FAILED")
	}

	buf := m.newBuffer(0)
	n, err := m.store.DownloadBlob(ctx, repository, object, buf)
	if err == nil {
		_, err = buf.Reader()
	}
	if err != nil {
		buf.Close()
		log.Errorf("Object download from '%s/%s': FAILED - %v", repository, object, err)
		return nil, errors.Wrap(err, "Object download: FAILED")
	}

	contentType := props.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	log.Infof("Object download from '%s/%s': OK", repository, object)
	return &Download{Name: object, ContentType: contentType, Size: n, buf: buf}, nil
}

// ObjectName reduces an uploaded filename to a bare object name.
func ObjectName(filename string) (string, error) {
	name := filename
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", errors.Wrapf(srk.ErrBadRequest, "invalid object file name %q", filename)
	}
	return name, nil
}

// Upload stores p under its filename in repository. Nothing is read from the
// payload or written to the store unless the caller's tenant owns the
// repository. The repository's metadata is copied onto the new object.
func (m *Manager) Upload(ctx context.Context, repository string, p Payload, id tenant.Identity) (*Info, error) {
	log := m.log.WithField("repository", repository)
	log.Infof("Object upload to '%s' ...", repository)

	if p.Body == nil {
		err := errors.Wrap(srk.ErrBadRequest, "unable to get form parameter 'object' from multipart form")
		log.Errorf("Object upload to '%s': FAILED - %v", repository, err)
		return nil, err
	}
	name, err := ObjectName(p.Filename)
	if err != nil {
		log.Errorf("Object upload to '%s': FAILED - %v", repository, err)
		return nil, err
	}
	log = log.WithField("object", name)

	owner, err := m.authz.Check(ctx, repository, id)
	if err != nil {
		log.Errorf("Object upload to '%s': FAILED - %v", repository, err)
		return nil, errors.Wrap(err, "Object upload error")
	}

	buf := m.newBuffer(m.cfg.MaxUploadBytes)
	defer func() {
		if cerr := buf.Close(); cerr != nil {
			log.Warnf("Object upload to '%s': failed to release spill buffer - %v", repository, cerr)
		}
	}()

	if _, err := buf.ReadFrom(p.Body); err != nil {
		log.Errorf("Object upload to '%s': FAILED - %v", repository, err)
		return nil, errors.Wrap(err, "Object upload error")
	}
	if buf.Spilled() {
		log.Infof("Object upload to '%s': spilled %d bytes to '%s'", repository, buf.Size(), buf.File().Name())
	}

	body, err := buf.Reader()
	if err != nil {
		return nil, errors.Wrap(err, "Object upload error")
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	// The ownership metadata goes out with the blob itself so an object is
	// never visible without it.
	metadata, err := m.store.GetContainerMetadata(ctx, repository)
	if err != nil {
		log.Errorf("Object upload to '%s': FAILED to read ownership metadata - %v", repository, err)
		return nil, errors.Wrap(err, "Object upload error")
	}

	sum := buf.MD5()
	err = m.store.UploadBlob(ctx, repository, name, body, buf.Size(), objstore.UploadOptions{
		ContentType: contentType,
		MD5:         sum,
		Metadata:    metadata,
	})
	if err != nil {
		log.Errorf("Object upload to '%s': FAILED - %v", repository, err)
		return nil, errors.Wrap(err, "Object upload error")
	}

	log.Infof("Object upload to '%s': OK", repository)
	return &Info{
		ObjectName:  name,
		ObjectSize:  buf.Size(),
		MD5Sum:      hex.EncodeToString(sum),
		ContentType: contentType,
		TenantID:    owner,
	}, nil
}

// Delete removes an object. Deleting an object that does not exist is an
// error.
func (m *Manager) Delete(ctx context.Context, repository, object string, id tenant.Identity) error {
	log := m.log.WithField("repository", repository).WithField("object", object)
	log.Infof("Deleting object '%s/%s' ...", repository, object)

	if _, err := m.authz.Check(ctx, repository, id); err != nil {
		log.Errorf("Deleting object '%s/%s': FAILED - %v", repository, object, err)
		return errors.Wrap(err, "Deleting object: FAILED")
	}

	if err := m.store.DeleteBlob(ctx, repository, object); err != nil {
		log.Errorf("Deleting object '%s/%s': FAILED - %v", repository, object, err)
		return errors.Wrap(err, "Deleting object: FAILED")
	}

	log.Infof("Deleting object '%s/%s': OK", repository, object)
	return nil
}
