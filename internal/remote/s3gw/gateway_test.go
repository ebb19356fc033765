package s3gw

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axolotl-bucket/axolotl-bucket/internal/remote"
)

// fakeS3 只实现网关用到的同步调用，其余方法保持 nil 接口。
type fakeS3 struct {
	s3iface.S3API

	pages   []*s3.ListObjectVersionsOutput
	listIn  []*s3.ListObjectVersionsInput
	uploads []*s3.MultipartUpload
	heads   map[string]*s3.HeadObjectOutput
	put     *s3.PutObjectInput
	deleted []*s3.DeleteObjectInput
	err     error
}

func (f *fakeS3) ListObjectVersionsWithContext(_ aws.Context, in *s3.ListObjectVersionsInput, _ ...request.Option) (*s3.ListObjectVersionsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.listIn = append(f.listIn, in)
	idx := len(f.listIn) - 1
	if idx >= len(f.pages) {
		return &s3.ListObjectVersionsOutput{}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeS3) ListMultipartUploadsWithContext(_ aws.Context, _ *s3.ListMultipartUploadsInput, _ ...request.Option) (*s3.ListMultipartUploadsOutput, error) {
	return &s3.ListMultipartUploadsOutput{Uploads: f.uploads}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if out, ok := f.heads[aws.StringValue(in.VersionId)]; ok {
		return out, nil
	}
	return nil, awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), 404, "req")
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.put = in
	return &s3.PutObjectOutput{VersionId: aws.String("v-new")}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, in)
	return &s3.DeleteObjectOutput{}, nil
}

func objectVersion(key, id string, at time.Time, latest bool) *s3.ObjectVersion {
	return &s3.ObjectVersion{
		Key:          aws.String(key),
		VersionId:    aws.String(id),
		LastModified: aws.Time(at),
		IsLatest:     aws.Bool(latest),
		Size:         aws.Int64(3),
	}
}

func TestListVersionsMergesDeleteMarkersAndPaginates(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeS3{pages: []*s3.ListObjectVersionsOutput{
		{
			Versions: []*s3.ObjectVersion{
				objectVersion("packs/a.zip", "a1", base, true),
				objectVersion("packs/b.zip", "b1", base, false),
			},
			DeleteMarkers: []*s3.DeleteMarkerEntry{{
				Key:          aws.String("packs/b.zip"),
				VersionId:    aws.String("b-hide"),
				LastModified: aws.Time(base.Add(time.Minute)),
				IsLatest:     aws.Bool(true),
			}},
			IsTruncated:         aws.Bool(true),
			NextKeyMarker:       aws.String("packs/b.zip"),
			NextVersionIdMarker: aws.String("b1"),
		},
		{
			Versions: []*s3.ObjectVersion{objectVersion("packs/c.zip", "c1", base, true)},
		},
	}}
	gw := NewWithClient(api, "bucket", 0)

	var ids []string
	var committed []bool
	for v, err := range gw.ListVersions(context.Background(), "packs/", "packs/b.zip") {
		require.NoError(t, err)
		ids = append(ids, v.ID)
		committed = append(committed, v.Committed)
	}

	assert.Equal(t, []string{"b-hide", "b1", "c1"}, ids)
	assert.Equal(t, []bool{false, true, true}, committed)
	require.Len(t, api.listIn, 2)
	assert.Equal(t, "packs/b.zip", aws.StringValue(api.listIn[1].KeyMarker))
	assert.Equal(t, "b1", aws.StringValue(api.listIn[1].VersionIdMarker))
}

func TestFileInfoReportsCommitState(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("committed", func(t *testing.T) {
		api := &fakeS3{
			pages: []*s3.ListObjectVersionsOutput{{
				Versions: []*s3.ObjectVersion{objectVersion("packs/a.zip", "a1", base, true)},
			}},
			heads: map[string]*s3.HeadObjectOutput{
				"a1": {
					ContentType: aws.String(remote.ContentTypeZip),
					Metadata:    map[string]*string{"Sha1": aws.String("abc"), "Original-Name": aws.String("mods.zip")},
				},
			},
		}
		info, err := NewWithClient(api, "bucket", 0).FileInfo(ctx, "packs/a.zip")
		require.NoError(t, err)
		assert.True(t, info.Committed)
		assert.Equal(t, "abc", info.SHA1)
		assert.Equal(t, "mods.zip", info.Metadata[remote.MetaOriginalName])
	})

	t.Run("hidden", func(t *testing.T) {
		api := &fakeS3{pages: []*s3.ListObjectVersionsOutput{{
			Versions: []*s3.ObjectVersion{objectVersion("packs/a.zip", "a1", base, false)},
			DeleteMarkers: []*s3.DeleteMarkerEntry{{
				Key:          aws.String("packs/a.zip"),
				VersionId:    aws.String("hide"),
				LastModified: aws.Time(base),
				IsLatest:     aws.Bool(true),
			}},
		}}}
		info, err := NewWithClient(api, "bucket", 0).FileInfo(ctx, "packs/a.zip")
		require.NoError(t, err)
		assert.False(t, info.Committed)
		assert.Equal(t, "hide", info.ID)
	})

	t.Run("started", func(t *testing.T) {
		api := &fakeS3{uploads: []*s3.MultipartUpload{{
			Key:      aws.String("packs/a.zip"),
			UploadId: aws.String("upload-1"),
		}}}
		info, err := NewWithClient(api, "bucket", 0).FileInfo(ctx, "packs/a.zip")
		require.NoError(t, err)
		assert.False(t, info.Committed)
	})

	t.Run("missing", func(t *testing.T) {
		api := &fakeS3{pages: []*s3.ListObjectVersionsOutput{{
			Versions: []*s3.ObjectVersion{objectVersion("packs/a.zip.bak", "x", base, true)},
		}}}
		_, err := NewWithClient(api, "bucket", 0).FileInfo(ctx, "packs/a.zip")
		assert.ErrorIs(t, err, remote.ErrNotFound)
	})
}

func TestUploadSmallSendsMetadata(t *testing.T) {
	api := &fakeS3{}
	gw := NewWithClient(api, "bucket", 0)

	v, err := gw.UploadSmall(context.Background(), remote.UploadRequest{
		Name:        "packs/a.zip",
		ContentType: remote.ContentTypeZip,
		Body:        bytes.NewReader([]byte("abc")),
		Size:        3,
		SHA1:        "a9993e364706816aba3e25717850c26c9cd0d89d",
		Metadata:    map[string]string{remote.MetaOriginalName: "mods.zip"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v-new", v.ID)
	assert.True(t, v.Committed)

	require.NotNil(t, api.put)
	assert.Equal(t, "bucket", aws.StringValue(api.put.Bucket))
	assert.Equal(t, remote.ContentTypeZip, aws.StringValue(api.put.ContentType))
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", aws.StringValue(api.put.Metadata[remote.MetaSHA1]))
	assert.Equal(t, "mods.zip", aws.StringValue(api.put.Metadata[remote.MetaOriginalName]))
}

func TestDeleteVersionTargetsVersionID(t *testing.T) {
	api := &fakeS3{}
	gw := NewWithClient(api, "bucket", 0)

	require.NoError(t, gw.DeleteVersion(context.Background(), remote.FileVersion{ID: "v1", Name: "packs/a.zip"}))
	require.Len(t, api.deleted, 1)
	assert.Equal(t, "v1", aws.StringValue(api.deleted[0].VersionId))
	assert.Equal(t, "packs/a.zip", aws.StringValue(api.deleted[0].Key))
}

func TestTranslateErrors(t *testing.T) {
	notFound := awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), 404, "req")
	assert.ErrorIs(t, translate("head", "a", notFound), remote.ErrNotFound)
	assert.ErrorIs(t, translate("get", "a", awserr.New(s3.ErrCodeNoSuchKey, "gone", nil)), remote.ErrNotFound)

	noBucket := awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchBucket, "no bucket", nil), 404, "req")
	err := translate("put", "a", noBucket)
	var backendErr *remote.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "put", backendErr.Op)
	assert.False(t, remote.IsNotFound(err))

	unavailable := awserr.NewRequestFailure(awserr.New("ServiceUnavailable", "busy", nil), 503, "req")
	require.ErrorAs(t, translate("put", "a", unavailable), &backendErr)

	plain := errors.New("dial tcp: refused")
	assert.ErrorIs(t, translate("put", "a", plain), plain)
	assert.NoError(t, translate("put", "a", nil))
}

func TestBackendFailureIsWrapped(t *testing.T) {
	api := &fakeS3{err: awserr.NewRequestFailure(awserr.New("InternalError", "boom", nil), 500, "req")}
	gw := NewWithClient(api, "bucket", 0)

	_, err := gw.UploadSmall(context.Background(), remote.UploadRequest{Name: "packs/a.zip", Body: bytes.NewReader(nil)})
	var backendErr *remote.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "upload_small", backendErr.Op)

	for _, err := range gw.ListVersions(context.Background(), "packs/", "") {
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "list_versions", backendErr.Op)
	}
}

func TestNewHTTPClientUsesResponseHeaderTimeout(t *testing.T) {
	client := NewHTTPClient(45 * time.Second)
	assert.Zero(t, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, transport.ResponseHeaderTimeout)

	fallback := NewHTTPClient(0).Transport.(*http.Transport)
	assert.Equal(t, DefaultTimeout, fallback.ResponseHeaderTimeout)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	gw, err := New(Options{Bucket: "b", Region: "us-west-004", Endpoint: "https://s3.us-west-004.backblazeb2.com", KeyID: "k", AppKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "s3@b", gw.String())
	assert.EqualValues(t, DefaultPartSize, gw.partSize)
}
