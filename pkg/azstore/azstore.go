// Package azstore implements objstore.BlobStore on Azure Blob Storage.
// Repositories are containers and blobs are block blobs.
package azstore

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/serverlessresearch/srkstore/pkg/srk"
)

type Config struct {
	// Account endpoint, e.g. https://account.blob.core.windows.net/
	Endpoint string
	// Service principal. When ClientSecret is empty the default Azure
	// credential chain is used instead.
	TenantID     string
	ClientID     string
	ClientSecret string
}

type AzStore struct {
	client *azblob.Client
	log    srk.Logger
}

func NewConfig(logger srk.Logger, cfg Config) (*AzStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("azure blob endpoint is not configured")
	}

	var cred azcore.TokenCredential
	var err error
	if cfg.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Azure credential")
	}

	client, err := azblob.NewClient(cfg.Endpoint, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Azure blob client")
	}
	return New(logger, client), nil
}

// New wraps an existing client.
func New(logger srk.Logger, client *azblob.Client) *AzStore {
	return &AzStore{client: client, log: logger.WithField("module", "azstore")}
}

func translate(err error, containerName, blobName string) error {
	switch {
	case err == nil:
		return nil
	case bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.ContainerBeingDeleted):
		return objstore.ContainerNotFound(containerName)
	case bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
		return objstore.ContainerAlreadyExists(containerName)
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return objstore.BlobNotFound(containerName, blobName)
	case bloberror.HasCode(err, bloberror.InvalidResourceName):
		name := containerName
		if blobName != "" {
			name = blobName
		}
		return objstore.InvalidResourceName(name)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return &objstore.StoreError{
			StatusCode: respErr.StatusCode,
			Code:       respErr.ErrorCode,
			Message:    serviceMessage(respErr),
		}
	}
	return err
}

// storageError is the XML body of a failed Blob service request.
type storageError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// serviceMessage returns the message the service put in the error body,
// without the RequestId and Time lines it appends. HEAD responses have no
// body, so those fall back to the error code.
func serviceMessage(respErr *azcore.ResponseError) string {
	if respErr.RawResponse != nil {
		if body, err := runtime.Payload(respErr.RawResponse); err == nil && len(body) > 0 {
			var se storageError
			if xml.Unmarshal(body, &se) == nil && se.Message != "" {
				return strings.TrimSpace(strings.SplitN(se.Message, "\n", 2)[0])
			}
		}
	}
	if respErr.ErrorCode != "" {
		return respErr.ErrorCode
	}
	return http.StatusText(respErr.StatusCode)
}

func toAzure(metadata map[string]string) map[string]*string {
	out := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		v := v
		out[k] = &v
	}
	return out
}

func fromAzure(metadata map[string]*string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func (self *AzStore) container(name string) *container.Client {
	return self.client.ServiceClient().NewContainerClient(name)
}

func (self *AzStore) blockBlob(containerName, blobName string) *blockblob.Client {
	return self.container(containerName).NewBlockBlobClient(blobName)
}

// CreateContainer creates the container with its metadata in a single call.
func (self *AzStore) CreateContainer(ctx context.Context, name string, metadata map[string]string) error {
	_, err := self.container(name).Create(ctx, &container.CreateOptions{Metadata: toAzure(metadata)})
	return translate(err, name, "")
}

func (self *AzStore) GetContainerMetadata(ctx context.Context, name string) (map[string]string, error) {
	props, err := self.container(name).GetProperties(ctx, nil)
	if err != nil {
		return nil, translate(err, name, "")
	}
	return fromAzure(props.Metadata), nil
}

func (self *AzStore) SetContainerMetadata(ctx context.Context, name string, metadata map[string]string) error {
	_, err := self.container(name).SetMetadata(ctx, &container.SetMetadataOptions{Metadata: toAzure(metadata)})
	return translate(err, name, "")
}

func (self *AzStore) DeleteContainer(ctx context.Context, name string) error {
	_, err := self.container(name).Delete(ctx, nil)
	return translate(err, name, "")
}

func (self *AzStore) GetBlobProperties(ctx context.Context, containerName, blobName string) (*objstore.BlobProperties, error) {
	props, err := self.blockBlob(containerName, blobName).GetProperties(ctx, nil)
	if err != nil {
		return nil, translate(err, containerName, blobName)
	}

	out := &objstore.BlobProperties{
		MD5:      props.ContentMD5,
		Metadata: fromAzure(props.Metadata),
	}
	if props.ContentType != nil {
		out.ContentType = *props.ContentType
	}
	if props.ContentLength != nil {
		out.Size = *props.ContentLength
	}
	if props.ETag != nil {
		out.ETag = string(*props.ETag)
	}
	if props.CreationTime != nil {
		out.CreationTime = *props.CreationTime
	}
	return out, nil
}

// UploadBlob sends small payloads in one request validated by the service
// against opts.MD5, and larger ones as staged blocks. Metadata is committed
// with the blob either way.
func (self *AzStore) UploadBlob(ctx context.Context, containerName, blobName string, body io.ReadSeeker, size int64, opts objstore.UploadOptions) error {
	contentType := opts.ContentType
	headers := &blob.HTTPHeaders{BlobContentType: &contentType, BlobContentMD5: opts.MD5}
	metadata := toAzure(opts.Metadata)
	bb := self.blockBlob(containerName, blobName)

	var err error
	if size <= blockblob.MaxUploadBlobBytes {
		uploadOpts := &blockblob.UploadOptions{HTTPHeaders: headers, Metadata: metadata}
		if len(opts.MD5) > 0 {
			uploadOpts.TransactionalValidation = blob.TransferValidationTypeMD5(opts.MD5)
		}
		_, err = bb.Upload(ctx, streaming.NopCloser(body), uploadOpts)
	} else {
		self.log.Infof("Uploading %s/%s in blocks (%d bytes)", containerName, blobName, size)
		_, err = bb.UploadStream(ctx, body, &blockblob.UploadStreamOptions{HTTPHeaders: headers, Metadata: metadata})
	}
	return translate(err, containerName, blobName)
}

func (self *AzStore) DownloadBlob(ctx context.Context, containerName, blobName string, w io.Writer) (int64, error) {
	resp, err := self.blockBlob(containerName, blobName).DownloadStream(ctx, nil)
	if err != nil {
		return 0, translate(err, containerName, blobName)
	}
	body := resp.NewRetryReader(ctx, &blob.RetryReaderOptions{})
	defer body.Close()

	n, err := io.Copy(w, body)
	if err != nil {
		return n, errors.Wrapf(err, "Failed to read %s/%s", containerName, blobName)
	}
	return n, nil
}

func (self *AzStore) SetBlobMetadata(ctx context.Context, containerName, blobName string, metadata map[string]string) error {
	_, err := self.blockBlob(containerName, blobName).SetMetadata(ctx, toAzure(metadata), nil)
	return translate(err, containerName, blobName)
}

func (self *AzStore) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := self.blockBlob(containerName, blobName).Delete(ctx, nil)
	return translate(err, containerName, blobName)
}
