package s3store

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failure(code string, status int) error {
	return awserr.NewRequestFailure(awserr.New(code, code+" happened", nil), status, "req-1")
}

type object struct {
	data        []byte
	contentType string
	metadata    map[string]*string
}

// fakeS3 keeps buckets in memory and covers the calls that do not go
// through s3manager.
type fakeS3 struct {
	s3iface.S3API

	mu          sync.Mutex
	buckets     map[string]map[string]string
	objects     map[string]map[string]*object
	failTagging error
	deleted     []string
}

func newFake() *fakeS3 {
	return &fakeS3{buckets: map[string]map[string]string{}, objects: map[string]map[string]*object{}}
}

func (f *fakeS3) CreateBucketWithContext(_ aws.Context, in *s3.CreateBucketInput, _ ...request.Option) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, failure(s3.ErrCodeBucketAlreadyOwnedByYou, http.StatusConflict)
	}
	f.buckets[name] = nil
	f.objects[name] = map[string]*object{}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) DeleteBucketWithContext(_ aws.Context, in *s3.DeleteBucketInput, _ ...request.Option) (*s3.DeleteBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.Bucket)
	delete(f.buckets, name)
	delete(f.objects, name)
	f.deleted = append(f.deleted, name)
	return &s3.DeleteBucketOutput{}, nil
}

func (f *fakeS3) HeadBucketWithContext(_ aws.Context, in *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[aws.StringValue(in.Bucket)]; !ok {
		return nil, failure("NotFound", http.StatusNotFound)
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutBucketTaggingWithContext(_ aws.Context, in *s3.PutBucketTaggingInput, _ ...request.Option) (*s3.PutBucketTaggingOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTagging != nil {
		return nil, f.failTagging
	}
	name := aws.StringValue(in.Bucket)
	if _, ok := f.buckets[name]; !ok {
		return nil, failure(s3.ErrCodeNoSuchBucket, http.StatusNotFound)
	}
	tags := map[string]string{}
	for _, t := range in.Tagging.TagSet {
		tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	f.buckets[name] = tags
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeS3) GetBucketTaggingWithContext(_ aws.Context, in *s3.GetBucketTaggingInput, _ ...request.Option) (*s3.GetBucketTaggingOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags, ok := f.buckets[aws.StringValue(in.Bucket)]
	if !ok {
		return nil, failure(s3.ErrCodeNoSuchBucket, http.StatusNotFound)
	}
	if tags == nil {
		return nil, failure("NoSuchTagSet", http.StatusNotFound)
	}
	out := &s3.GetBucketTaggingOutput{}
	for k, v := range tags {
		out.TagSet = append(out.TagSet, &s3.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out, nil
}

func (f *fakeS3) lookup(bucket, key *string) (*object, error) {
	objs, ok := f.objects[aws.StringValue(bucket)]
	if !ok {
		return nil, failure(s3.ErrCodeNoSuchBucket, http.StatusNotFound)
	}
	obj, ok := objs[aws.StringValue(key)]
	if !ok {
		return nil, failure(s3.ErrCodeNoSuchKey, http.StatusNotFound)
	}
	return obj, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, err := f.lookup(in.Bucket, in.Key)
	if err != nil {
		// HEAD responses have no body, so S3 reports a bare 404.
		return nil, failure("NotFound", http.StatusNotFound)
	}
	return &s3.HeadObjectOutput{
		ContentType:   aws.String(obj.contentType),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(`"etag"`),
		LastModified:  aws.Time(time.Unix(1600000000, 0)),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, err := f.lookup(in.Bucket, in.Key)
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) CopyObjectWithContext(_ aws.Context, in *s3.CopyObjectInput, _ ...request.Option) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, err := f.lookup(in.Bucket, in.Key)
	if err != nil {
		return nil, err
	}
	if aws.StringValue(in.MetadataDirective) == s3.MetadataDirectiveReplace {
		obj.metadata = in.Metadata
		obj.contentType = aws.StringValue(in.ContentType)
	}
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects[aws.StringValue(in.Bucket)], aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func newStore(t *testing.T) (*S3Store, *fakeS3) {
	logger, _ := test.NewNullLogger()
	fake := newFake()
	return New(logger, fake, "us-west-2"), fake
}

func TestTranslate(t *testing.T) {
	store, _ := newStore(t)

	err := store.translate(failure(s3.ErrCodeNoSuchBucket, 404), "b", "")
	assert.True(t, objstore.IsContainerNotFound(err))

	err = store.translate(failure(s3.ErrCodeNoSuchKey, 404), "b", "k")
	assert.True(t, objstore.IsBlobNotFound(err))

	err = store.translate(failure(s3.ErrCodeBucketAlreadyExists, 409), "b", "")
	assert.True(t, objstore.IsContainerAlreadyExists(err))

	err = store.translate(failure("SlowDown", http.StatusServiceUnavailable), "b", "k")
	se, ok := objstore.AsStoreError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "SlowDown", se.Code)
}

func TestContainerTags(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	require.NoError(t, store.CreateContainer(ctx, "repo1", map[string]string{"tenant_id": "t1"}))
	md, err := store.GetContainerMetadata(ctx, "repo1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tenant_id": "t1"}, md)

	err = store.CreateContainer(ctx, "repo1", map[string]string{"tenant_id": "t2"})
	assert.True(t, objstore.IsContainerAlreadyExists(err))

	_, err = store.GetContainerMetadata(ctx, "missing")
	assert.True(t, objstore.IsContainerNotFound(err))
}

func TestUntaggedBucketHasNoMetadata(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	require.NoError(t, store.CreateContainer(ctx, "repo1", nil))
	md, err := store.GetContainerMetadata(ctx, "repo1")
	require.NoError(t, err)
	assert.Empty(t, md)
}

func TestCreateRemovesBucketWhenTaggingFails(t *testing.T) {
	ctx := context.Background()
	store, fake := newStore(t)
	fake.failTagging = failure("AccessDenied", http.StatusForbidden)

	err := store.CreateContainer(ctx, "repo1", map[string]string{"tenant_id": "t1"})
	se, ok := objstore.AsStoreError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, []string{"repo1"}, fake.deleted)
	assert.NotContains(t, fake.buckets, "repo1")
}

func TestBlobPropertiesAndMetadata(t *testing.T) {
	ctx := context.Background()
	store, fake := newStore(t)
	require.NoError(t, store.CreateContainer(ctx, "repo1", nil))
	fake.objects["repo1"]["a.txt"] = &object{
		data:        []byte("hello"),
		contentType: "text/plain",
		metadata:    map[string]*string{"Srkstore-Md5": aws.String("XUFAKrxLKna5cZ2REBfFkg==")},
	}

	require.NoError(t, store.SetBlobMetadata(ctx, "repo1", "a.txt", map[string]string{"tenant_id": "t1"}))

	props, err := store.GetBlobProperties(ctx, "repo1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), props.Size)
	assert.Equal(t, "text/plain", props.ContentType)
	assert.Len(t, props.MD5, 16)
	assert.Equal(t, map[string]string{"tenant_id": "t1"}, props.Metadata, "checksum key is hidden")

	var buf bytes.Buffer
	n, err := store.DownloadBlob(ctx, "repo1", "a.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", buf.String())
}

func TestMissingBlobOrBucket(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.CreateContainer(ctx, "repo1", nil))

	_, err := store.GetBlobProperties(ctx, "repo1", "nope")
	assert.True(t, objstore.IsBlobNotFound(err), "got %v", err)

	_, err = store.GetBlobProperties(ctx, "gone", "nope")
	assert.True(t, objstore.IsContainerNotFound(err), "got %v", err)

	err = store.DeleteBlob(ctx, "repo1", "nope")
	assert.True(t, objstore.IsBlobNotFound(err), "got %v", err)

	_, err = store.DownloadBlob(ctx, "repo1", "nope", ioutil.Discard)
	assert.True(t, objstore.IsBlobNotFound(err), "got %v", err)
}

func TestDeleteBlob(t *testing.T) {
	ctx := context.Background()
	store, fake := newStore(t)
	require.NoError(t, store.CreateContainer(ctx, "repo1", nil))
	fake.objects["repo1"]["a.txt"] = &object{data: []byte("x")}

	require.NoError(t, store.DeleteBlob(ctx, "repo1", "a.txt"))
	assert.Empty(t, fake.objects["repo1"])
}

func TestChecksumFromETag(t *testing.T) {
	ctx := context.Background()
	store, fake := newStore(t)
	require.NoError(t, store.CreateContainer(ctx, "repo1", nil))
	fake.objects["repo1"]["a.txt"] = &object{data: []byte("x")}

	props, err := store.GetBlobProperties(ctx, "repo1", "a.txt")
	require.NoError(t, err)
	assert.Nil(t, props.MD5, "the fake's etag is not a checksum")

	assert.Len(t, etagMD5(`"5d41402abc4b2a76b9719d911017c592"`), 16)
	assert.Nil(t, etagMD5(`"5d41402abc4b2a76b9719d911017c592-3"`))
}
