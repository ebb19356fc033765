// Package s3gw implements remote.Gateway on top of the S3-compatible API
// exposed by Backblaze B2 (and any other versioned S3 bucket).
//
// B2 file versions map onto S3 object versions: a B2 "hide" is a delete
// marker and a B2 "start" is a multipart upload that has not been completed.
// Both are reported as uncommitted versions.
package s3gw

import (
	"context"
	"errors"
	"io"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/docker/go-units"

	"github.com/axolotl-bucket/axolotl-bucket/internal/checksum"
	"github.com/axolotl-bucket/axolotl-bucket/internal/remote"
)

const (
	// PageSize 是单次列举请求返回的最大版本数。
	PageSize = 1000

	// DefaultPartSize 是分段上传与分段下载的默认分段大小。
	DefaultPartSize = 16 * units.MiB
)

// Options 描述连接一个桶所需的全部参数。
type Options struct {
	Endpoint       string
	Region         string
	Bucket         string
	KeyID          string
	AppKey         string
	ForcePathStyle bool
	PartSize       int64
	Timeout        time.Duration
	MaxRetries     int
}

// Gateway 是基于 aws-sdk-go 的远端网关。
type Gateway struct {
	bucket     string
	partSize   int64
	api        s3iface.S3API
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	now        func() time.Time
}

var _ remote.Gateway = (*Gateway)(nil)

// New 根据 Options 建立 SDK 会话。
func New(opts Options) (*Gateway, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3gw: bucket required")
	}

	cfg := aws.NewConfig().
		WithRegion(opts.Region).
		WithS3ForcePathStyle(opts.ForcePathStyle).
		WithMaxRetries(opts.MaxRetries).
		WithHTTPClient(NewHTTPClient(opts.Timeout))
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint)
	}
	if opts.KeyID != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opts.KeyID, opts.AppKey, ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(s3.New(sess), opts.Bucket, opts.PartSize), nil
}

// NewWithClient 使用现成的 S3 客户端构建网关。
func NewWithClient(api s3iface.S3API, bucket string, partSize int64) *Gateway {
	if partSize < s3manager.MinUploadPartSize {
		partSize = DefaultPartSize
	}
	return &Gateway{
		bucket:   bucket,
		partSize: partSize,
		api:      api,
		uploader: s3manager.NewUploaderWithClient(api, func(u *s3manager.Uploader) {
			u.PartSize = partSize
		}),
		downloader: s3manager.NewDownloaderWithClient(api, func(d *s3manager.Downloader) {
			d.PartSize = partSize
		}),
		now: time.Now,
	}
}

func (g *Gateway) String() string {
	return "s3@" + g.bucket
}

func (g *Gateway) UploadSmall(ctx context.Context, req remote.UploadRequest) (remote.FileVersion, error) {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(g.bucket),
		Key:      aws.String(req.Name),
		Body:     req.Body,
		Metadata: aws.StringMap(uploadMetadata(req)),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}
	if req.Size > 0 {
		input.ContentLength = aws.Int64(req.Size)
	}

	out, err := g.api.PutObjectWithContext(ctx, input)
	if err != nil {
		return remote.FileVersion{}, translate("upload_small", req.Name, err)
	}
	return g.committed(req, aws.StringValue(out.VersionId)), nil
}

func (g *Gateway) UploadLarge(ctx context.Context, req remote.UploadRequest, concurrency int) (remote.FileVersion, error) {
	input := &s3manager.UploadInput{
		Bucket:   aws.String(g.bucket),
		Key:      aws.String(req.Name),
		Body:     req.Body,
		Metadata: aws.StringMap(uploadMetadata(req)),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}

	out, err := g.uploader.UploadWithContext(ctx, input, func(u *s3manager.Uploader) {
		if concurrency > 0 {
			u.Concurrency = concurrency
		}
	})
	if err != nil {
		return remote.FileVersion{}, translate("upload_large", req.Name, err)
	}
	return g.committed(req, aws.StringValue(out.VersionID)), nil
}

func (g *Gateway) committed(req remote.UploadRequest, versionID string) remote.FileVersion {
	return remote.FileVersion{
		ID:         versionID,
		Name:       req.Name,
		Committed:  true,
		Size:       req.Size,
		UploadedAt: g.now().UTC(),
	}
}

func (g *Gateway) Download(ctx context.Context, name string, dst remote.Destination) (int64, error) {
	head, err := g.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return 0, translate("download", name, err)
	}

	n, err := g.downloader.DownloadWithContext(ctx, dst, &s3.GetObjectInput{
		Bucket:    aws.String(g.bucket),
		Key:       aws.String(name),
		VersionId: head.VersionId,
	})
	if err != nil {
		return n, translate("download", name, err)
	}

	want := metaValue(head.Metadata, remote.MetaSHA1)
	if want == "" {
		return n, nil
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return n, remote.NewBackendError("download", name, err)
	}
	got, err := checksum.Digest(io.LimitReader(dst, n))
	if err != nil {
		return n, remote.NewBackendError("download", name, err)
	}
	if !checksum.Equal(got, want) {
		return n, remote.NewBackendError("download", name, remote.ErrChecksumMismatch)
	}
	return n, nil
}

func (g *Gateway) FileInfo(ctx context.Context, name string) (remote.FileInfo, error) {
	var latest *remote.FileVersion
	for v, err := range g.ListVersions(ctx, name, name) {
		if err != nil {
			return remote.FileInfo{}, err
		}
		if v.Name == name {
			latest = &v
		}
		break
	}

	if latest == nil {
		return g.pendingUpload(ctx, name)
	}

	info := remote.FileInfo{FileVersion: *latest}
	if !latest.Committed {
		return info, nil
	}

	head, err := g.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket:    aws.String(g.bucket),
		Key:       aws.String(name),
		VersionId: aws.String(latest.ID),
	})
	if err != nil {
		return remote.FileInfo{}, translate("file_info", name, err)
	}
	info.ContentType = aws.StringValue(head.ContentType)
	info.Metadata = make(map[string]string, len(head.Metadata))
	for k, v := range head.Metadata {
		info.Metadata[strings.ToLower(k)] = aws.StringValue(v)
	}
	info.SHA1 = info.Metadata[remote.MetaSHA1]
	return info, nil
}

// pendingUpload 在没有任何版本时检查是否存在未完成的分段上传。
func (g *Gateway) pendingUpload(ctx context.Context, name string) (remote.FileInfo, error) {
	out, err := g.api.ListMultipartUploadsWithContext(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(name),
	})
	if err != nil {
		return remote.FileInfo{}, translate("file_info", name, err)
	}
	for _, upload := range out.Uploads {
		if aws.StringValue(upload.Key) == name {
			return remote.FileInfo{FileVersion: remote.FileVersion{
				ID:         aws.StringValue(upload.UploadId),
				Name:       name,
				UploadedAt: aws.TimeValue(upload.Initiated),
			}}, nil
		}
	}
	return remote.FileInfo{}, remote.ErrNotFound
}

func (g *Gateway) ListVersions(ctx context.Context, prefix, startName string) iter.Seq2[remote.FileVersion, error] {
	return func(yield func(remote.FileVersion, error) bool) {
		input := &s3.ListObjectVersionsInput{
			Bucket:  aws.String(g.bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int64(PageSize),
		}
		for {
			page, err := g.api.ListObjectVersionsWithContext(ctx, input)
			if err != nil {
				yield(remote.FileVersion{}, translate("list_versions", prefix, err))
				return
			}

			for _, v := range pageVersions(page) {
				if v.Name < startName {
					continue
				}
				if !yield(v, nil) {
					return
				}
			}

			if !aws.BoolValue(page.IsTruncated) {
				return
			}
			input.KeyMarker = page.NextKeyMarker
			input.VersionIdMarker = page.NextVersionIdMarker
		}
	}
}

func (g *Gateway) DeleteVersion(ctx context.Context, version remote.FileVersion) error {
	_, err := g.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket:    aws.String(g.bucket),
		Key:       aws.String(version.Name),
		VersionId: aws.String(version.ID),
	})
	return translate("delete_version", version.Name, err)
}

type listedVersion struct {
	remote.FileVersion
	latest bool
}

// pageVersions 合并一页中的对象版本与删除标记，按名称升序、同名新版本在前排列。
func pageVersions(page *s3.ListObjectVersionsOutput) []remote.FileVersion {
	listed := make([]listedVersion, 0, len(page.Versions)+len(page.DeleteMarkers))
	for _, v := range page.Versions {
		listed = append(listed, listedVersion{
			FileVersion: remote.FileVersion{
				ID:         aws.StringValue(v.VersionId),
				Name:       aws.StringValue(v.Key),
				Committed:  true,
				Size:       aws.Int64Value(v.Size),
				UploadedAt: aws.TimeValue(v.LastModified),
			},
			latest: aws.BoolValue(v.IsLatest),
		})
	}
	for _, m := range page.DeleteMarkers {
		listed = append(listed, listedVersion{
			FileVersion: remote.FileVersion{
				ID:         aws.StringValue(m.VersionId),
				Name:       aws.StringValue(m.Key),
				UploadedAt: aws.TimeValue(m.LastModified),
			},
			latest: aws.BoolValue(m.IsLatest),
		})
	}

	sort.SliceStable(listed, func(i, j int) bool {
		a, b := listed[i], listed[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.latest != b.latest {
			return a.latest
		}
		return a.UploadedAt.After(b.UploadedAt)
	})

	out := make([]remote.FileVersion, len(listed))
	for i, v := range listed {
		out[i] = v.FileVersion
	}
	return out
}

func uploadMetadata(req remote.UploadRequest) map[string]string {
	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.SHA1 != "" {
		meta[remote.MetaSHA1] = req.SHA1
	}
	return meta
}

// metaValue 忽略大小写查找元数据，SDK 会把键规范化为 "Sha1" 这样的形式。
func metaValue(meta map[string]*string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return aws.StringValue(v)
		}
	}
	return ""
}
