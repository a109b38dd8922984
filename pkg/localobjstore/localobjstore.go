// Package localobjstore keeps containers and blobs on the local filesystem.
//
// Layout under the root directory:
//
//	<container>/.meta.json          container metadata
//	<container>/<blob>              blob contents
//	<container>/.props/<blob>.json  blob properties and metadata
//
// Containers are assembled in a hidden temporary directory and renamed into
// place, so a container is never visible without its metadata.
package localobjstore

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/serverlessresearch/srkstore/pkg/srk"
)

const (
	containerMetaFile = ".meta.json"
	propsDir          = ".props"
)

type LocalObjStore struct {
	storageDir string
	log        srk.Logger
}

var _ objstore.BlobStore = (*LocalObjStore)(nil)

type blobProps struct {
	ContentType  string            `json:"contentType"`
	Size         int64             `json:"size"`
	MD5          []byte            `json:"md5"`
	ETag         string            `json:"etag"`
	CreationTime time.Time         `json:"creationTime"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func NewConfig(logger srk.Logger, storageDir string) (*LocalObjStore, error) {
	if storageDir == "" {
		return nil, errors.New("local blob store requires a storage directory")
	}
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return nil, errors.Wrap(err, "Failed to create storage directory "+storageDir)
	}
	return &LocalObjStore{storageDir: storageDir, log: logger}, nil
}

func errorHandler(err error) error {
	if os.IsExist(err) {
		return &objstore.StoreError{StatusCode: http.StatusConflict, Code: "AlreadyExists", Message: "entity already exists"}
	} else if os.IsNotExist(err) {
		return &objstore.StoreError{StatusCode: http.StatusNotFound, Code: "NotFound", Message: "requested entity was not found"}
	} else if os.IsPermission(err) {
		return &objstore.StoreError{StatusCode: http.StatusForbidden, Code: "PermissionDenied", Message: "permission denied"}
	}
	return &objstore.StoreError{StatusCode: http.StatusInternalServerError, Code: "InternalError", Message: err.Error()}
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func (o *LocalObjStore) containerPath(name string) string {
	return filepath.Join(o.storageDir, name)
}

// Returns the container directory after checking that it exists.
func (o *LocalObjStore) existingContainer(name string) (string, error) {
	if !validName(name) {
		return "", objstore.InvalidResourceName(name)
	}
	dir := o.containerPath(name)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return "", objstore.ContainerNotFound(name)
	} else if err != nil {
		return "", errorHandler(err)
	}
	if !info.IsDir() {
		return "", objstore.ContainerNotFound(name)
	}
	return dir, nil
}

func (o *LocalObjStore) CreateContainer(ctx context.Context, name string, metadata map[string]string) error {
	if !validName(name) {
		return objstore.InvalidResourceName(name)
	}
	final := o.containerPath(name)
	if _, err := os.Stat(final); err == nil {
		return objstore.ContainerAlreadyExists(name)
	}

	tmp, err := ioutil.TempDir(o.storageDir, ".create-")
	if err != nil {
		return errorHandler(err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	if err := os.Mkdir(filepath.Join(tmp, propsDir), 0755); err != nil {
		return errorHandler(err)
	}
	if err := writeJSON(filepath.Join(tmp, containerMetaFile), metadata); err != nil {
		return errorHandler(err)
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		return errorHandler(err)
	}
	if err := os.Rename(tmp, final); err != nil {
		if os.IsExist(err) {
			return objstore.ContainerAlreadyExists(name)
		}
		return errorHandler(err)
	}
	committed = true
	return nil
}

func (o *LocalObjStore) GetContainerMetadata(ctx context.Context, name string) (map[string]string, error) {
	dir, err := o.existingContainer(name)
	if err != nil {
		return nil, err
	}
	metadata := map[string]string{}
	if err := readJSON(filepath.Join(dir, containerMetaFile), &metadata); err != nil && !os.IsNotExist(err) {
		return nil, errorHandler(err)
	}
	return metadata, nil
}

func (o *LocalObjStore) SetContainerMetadata(ctx context.Context, name string, metadata map[string]string) error {
	dir, err := o.existingContainer(name)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, containerMetaFile), metadata); err != nil {
		return errorHandler(err)
	}
	return nil
}

func (o *LocalObjStore) DeleteContainer(ctx context.Context, name string) error {
	dir, err := o.existingContainer(name)
	if err != nil {
		return err
	}
	// Move out of the namespace first so the container disappears in one step.
	trash := filepath.Join(o.storageDir, ".delete-"+uuid.New().String())
	if err := os.Rename(dir, trash); err != nil {
		if os.IsNotExist(err) {
			return objstore.ContainerNotFound(name)
		}
		return errorHandler(err)
	}
	if err := os.RemoveAll(trash); err != nil {
		o.log.WithField("path", trash).Warnf("Failed to remove deleted container contents: %v", err)
	}
	return nil
}

func (o *LocalObjStore) blobPaths(container, blob string) (data, props string, err error) {
	dir, err := o.existingContainer(container)
	if err != nil {
		return "", "", err
	}
	if !validName(blob) {
		return "", "", objstore.InvalidResourceName(blob)
	}
	return filepath.Join(dir, blob), filepath.Join(dir, propsDir, blob+".json"), nil
}

func (o *LocalObjStore) readProps(container, blob, propsPath string) (*blobProps, error) {
	var p blobProps
	if err := readJSON(propsPath, &p); err != nil {
		if os.IsNotExist(err) {
			return nil, objstore.BlobNotFound(container, blob)
		}
		return nil, errorHandler(err)
	}
	return &p, nil
}

func (o *LocalObjStore) GetBlobProperties(ctx context.Context, container, blob string) (*objstore.BlobProperties, error) {
	_, propsPath, err := o.blobPaths(container, blob)
	if err != nil {
		return nil, err
	}
	p, err := o.readProps(container, blob, propsPath)
	if err != nil {
		return nil, err
	}
	return &objstore.BlobProperties{
		ContentType:  p.ContentType,
		Size:         p.Size,
		MD5:          p.MD5,
		ETag:         p.ETag,
		CreationTime: p.CreationTime,
		Metadata:     objstore.CopyMetadata(p.Metadata),
	}, nil
}

func (o *LocalObjStore) UploadBlob(ctx context.Context, container, blob string, body io.ReadSeeker, size int64, opts objstore.UploadOptions) error {
	dataPath, propsPath, err := o.blobPaths(container, blob)
	if err != nil {
		return err
	}

	tmp, err := ioutil.TempFile(filepath.Dir(dataPath), ".upload-")
	if err != nil {
		return errorHandler(err)
	}
	defer os.Remove(tmp.Name())

	hasher := md5.New()
	written, err := io.Copy(tmp, io.TeeReader(body, hasher))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errorHandler(err)
	}
	if size >= 0 && written != size {
		return &objstore.StoreError{
			StatusCode: http.StatusBadRequest,
			Code:       "InvalidContentLength",
			Message:    "body length does not match the declared size",
		}
	}
	calculated := hasher.Sum(nil)
	if len(opts.MD5) > 0 && string(opts.MD5) != string(calculated) {
		return &objstore.StoreError{
			StatusCode: http.StatusBadRequest,
			Code:       "Md5Mismatch",
			Message:    "the MD5 value specified in the request did not match the stored content",
		}
	}

	props := blobProps{
		ContentType:  opts.ContentType,
		Size:         written,
		MD5:          calculated,
		ETag:         `"` + uuid.New().String() + `"`,
		CreationTime: time.Now().UTC(),
		Metadata:     objstore.CopyMetadata(opts.Metadata),
	}
	if err := writeJSON(propsPath, props); err != nil {
		return errorHandler(err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return errorHandler(err)
	}
	return nil
}

func (o *LocalObjStore) DownloadBlob(ctx context.Context, container, blob string, w io.Writer) (int64, error) {
	dataPath, _, err := o.blobPaths(container, blob)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(dataPath)
	if os.IsNotExist(err) {
		return 0, objstore.BlobNotFound(container, blob)
	} else if err != nil {
		return 0, errorHandler(err)
	}
	defer f.Close()

	// Transfer errors are not store errors; callers treat them as internal.
	return io.Copy(w, f)
}

func (o *LocalObjStore) SetBlobMetadata(ctx context.Context, container, blob string, metadata map[string]string) error {
	_, propsPath, err := o.blobPaths(container, blob)
	if err != nil {
		return err
	}
	p, err := o.readProps(container, blob, propsPath)
	if err != nil {
		return err
	}
	p.Metadata = objstore.CopyMetadata(metadata)
	if err := writeJSON(propsPath, p); err != nil {
		return errorHandler(err)
	}
	return nil
}

func (o *LocalObjStore) DeleteBlob(ctx context.Context, container, blob string) error {
	dataPath, propsPath, err := o.blobPaths(container, blob)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if os.IsNotExist(err) {
			return objstore.BlobNotFound(container, blob)
		}
		return errorHandler(err)
	}
	if err := os.Remove(propsPath); err != nil && !os.IsNotExist(err) {
		return errorHandler(err)
	}
	return nil
}

// Writes v next to path and renames it into place.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := ioutil.TempFile(filepath.Dir(path), ".json-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v interface{}) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
