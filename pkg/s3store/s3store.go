// Package s3store implements objstore.BlobStore on Amazon S3 or any
// S3-compatible service. Repositories are buckets and their metadata is kept
// as bucket tags.
package s3store

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/serverlessresearch/srkstore/pkg/srk"
)

// Multipart uploads have no whole-object MD5, so the checksum is carried in
// user metadata and hidden from callers.
const md5MetadataKey = "srkstore-md5"

type Config struct {
	Region string
	// Non-empty for S3-compatible services such as MinIO.
	Endpoint       string
	ForcePathStyle bool
}

type S3Store struct {
	client s3iface.S3API
	region string
	log    srk.Logger
}

func NewConfig(logger srk.Logger, cfg Config) (*S3Store, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create AWS session")
	}
	return New(logger, s3.New(sess), cfg.Region), nil
}

// New wraps an existing client.
func New(logger srk.Logger, client s3iface.S3API, region string) *S3Store {
	return &S3Store{client: client, region: region, log: logger.WithField("module", "s3store")}
}

func (self *S3Store) translate(err error, bucket, key string) error {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return err
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchBucket:
		return objstore.ContainerNotFound(bucket)
	case s3.ErrCodeNoSuchKey:
		return objstore.BlobNotFound(bucket, key)
	case s3.ErrCodeBucketAlreadyExists, s3.ErrCodeBucketAlreadyOwnedByYou:
		return objstore.ContainerAlreadyExists(bucket)
	case "InvalidBucketName":
		return objstore.InvalidResourceName(bucket)
	}

	status := http.StatusInternalServerError
	if rf, ok := err.(awserr.RequestFailure); ok {
		status = rf.StatusCode()
	}
	return &objstore.StoreError{StatusCode: status, Code: aerr.Code(), Message: aerr.Message()}
}

func isStatus(err error, code int) bool {
	rf, ok := err.(awserr.RequestFailure)
	return ok && rf.StatusCode() == code
}

func toTagging(metadata map[string]string) *s3.Tagging {
	tags := make([]*s3.Tag, 0, len(metadata))
	for k, v := range metadata {
		tags = append(tags, &s3.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return &s3.Tagging{TagSet: tags}
}

// CreateContainer creates the bucket and then tags it. S3 cannot do both in
// one call, so a failed tagging removes the bucket again.
func (self *S3Store) CreateContainer(ctx context.Context, name string, metadata map[string]string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if self.region != "" && self.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(self.region),
		}
	}
	if _, err := self.client.CreateBucketWithContext(ctx, input); err != nil {
		return self.translate(err, name, "")
	}

	if len(metadata) == 0 {
		return nil
	}
	if err := self.SetContainerMetadata(ctx, name, metadata); err != nil {
		if _, derr := self.client.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); derr != nil {
			self.log.Errorf("Failed to remove untagged bucket %s: %v", name, derr)
		}
		return err
	}
	return nil
}

func (self *S3Store) GetContainerMetadata(ctx context.Context, name string) (map[string]string, error) {
	out, err := self.client.GetBucketTaggingWithContext(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "NoSuchTagSet" {
			return map[string]string{}, nil
		}
		return nil, self.translate(err, name, "")
	}

	metadata := make(map[string]string, len(out.TagSet))
	for _, tag := range out.TagSet {
		metadata[aws.StringValue(tag.Key)] = aws.StringValue(tag.Value)
	}
	return metadata, nil
}

func (self *S3Store) SetContainerMetadata(ctx context.Context, name string, metadata map[string]string) error {
	_, err := self.client.PutBucketTaggingWithContext(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(name),
		Tagging: toTagging(metadata),
	})
	if err != nil {
		return self.translate(err, name, "")
	}
	return nil
}

// DeleteContainer empties the bucket and removes it.
func (self *S3Store) DeleteContainer(ctx context.Context, name string) error {
	iter := s3manager.NewDeleteListIterator(self.client, &s3.ListObjectsInput{Bucket: aws.String(name)})
	if err := s3manager.NewBatchDeleteWithClient(self.client).Delete(ctx, iter); err != nil {
		if berr, ok := err.(*s3manager.BatchError); ok && len(berr.Errors) > 0 {
			return self.translate(berr.Errors[0].OrigErr, name, "")
		}
		return self.translate(err, name, "")
	}

	if _, err := self.client.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
		return self.translate(err, name, "")
	}
	return nil
}

// HEAD responses carry no error code, so a 404 is told apart by checking the
// bucket.
func (self *S3Store) notFound(ctx context.Context, bucket, key string) error {
	_, err := self.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil && isStatus(err, http.StatusNotFound) {
		return objstore.ContainerNotFound(bucket)
	}
	return objstore.BlobNotFound(bucket, key)
}

func (self *S3Store) GetBlobProperties(ctx context.Context, container, blob string) (*objstore.BlobProperties, error) {
	out, err := self.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(blob),
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, self.notFound(ctx, container, blob)
		}
		return nil, self.translate(err, container, blob)
	}

	metadata := make(map[string]string, len(out.Metadata))
	var sum []byte
	for k, v := range out.Metadata {
		if strings.EqualFold(k, md5MetadataKey) {
			sum, _ = base64.StdEncoding.DecodeString(aws.StringValue(v))
			continue
		}
		metadata[k] = aws.StringValue(v)
	}

	etag := aws.StringValue(out.ETag)
	if sum == nil {
		sum = etagMD5(etag)
	}

	return &objstore.BlobProperties{
		ContentType:  aws.StringValue(out.ContentType),
		Size:         aws.Int64Value(out.ContentLength),
		MD5:          sum,
		ETag:         etag,
		CreationTime: aws.TimeValue(out.LastModified),
		Metadata:     metadata,
	}, nil
}

// etagMD5 recovers the checksum from the ETag of an object that was not
// uploaded in parts. Multipart ETags ("<hash>-<parts>") yield nil.
func etagMD5(etag string) []byte {
	sum, err := hex.DecodeString(strings.Trim(etag, `"`))
	if err != nil || len(sum) != md5.Size {
		return nil
	}
	return sum
}

func (self *S3Store) UploadBlob(ctx context.Context, container, blob string, body io.ReadSeeker, size int64, opts objstore.UploadOptions) error {
	encoded := base64.StdEncoding.EncodeToString(opts.MD5)
	metadata := aws.StringMap(opts.Metadata)
	metadata[md5MetadataKey] = aws.String(encoded)

	input := &s3manager.UploadInput{
		Bucket:      aws.String(container),
		Key:         aws.String(blob),
		Body:        body,
		ContentType: aws.String(opts.ContentType),
		Metadata:    metadata,
	}
	if len(opts.MD5) > 0 {
		input.ContentMD5 = aws.String(encoded)
	}

	uploader := s3manager.NewUploaderWithClient(self.client)
	if _, err := uploader.UploadWithContext(ctx, input); err != nil {
		if merr, ok := err.(s3manager.MultiUploadFailure); ok {
			self.log.Errorf("Multipart upload %s failed for %s/%s", merr.UploadID(), container, blob)
		}
		return self.translate(err, container, blob)
	}
	return nil
}

func (self *S3Store) DownloadBlob(ctx context.Context, container, blob string, w io.Writer) (int64, error) {
	out, err := self.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(blob),
	})
	if err != nil {
		return 0, self.translate(err, container, blob)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, errors.Wrapf(err, "Failed to read %s/%s", container, blob)
	}
	return n, nil
}

// SetBlobMetadata replaces the object's user metadata with an in-place copy.
func (self *S3Store) SetBlobMetadata(ctx context.Context, container, blob string, metadata map[string]string) error {
	current, err := self.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(blob),
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return self.notFound(ctx, container, blob)
		}
		return self.translate(err, container, blob)
	}

	replaced := aws.StringMap(metadata)
	for k, v := range current.Metadata {
		if strings.EqualFold(k, md5MetadataKey) {
			replaced[md5MetadataKey] = v
		}
	}

	_, err = self.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(container),
		Key:               aws.String(blob),
		CopySource:        aws.String(url.PathEscape(container) + "/" + url.PathEscape(blob)),
		ContentType:       current.ContentType,
		Metadata:          replaced,
		MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
	})
	if err != nil {
		return self.translate(err, container, blob)
	}
	return nil
}

// DeleteBlob reports a missing object as an error, which S3's own delete
// does not.
func (self *S3Store) DeleteBlob(ctx context.Context, container, blob string) error {
	if _, err := self.GetBlobProperties(ctx, container, blob); err != nil {
		return err
	}
	_, err := self.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(blob),
	})
	if err != nil {
		return self.translate(err, container, blob)
	}
	return nil
}
