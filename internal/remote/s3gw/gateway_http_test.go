package s3gw

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axolotl-bucket/axolotl-bucket/internal/remote"
)

const testBucket = "packs-bucket"

type storedObject struct {
	body []byte
	sha1 string
}

// s3Server 以 path-style 路由模拟网关会用到的 S3 接口。
type s3Server struct {
	partDelay time.Duration

	mu          sync.Mutex
	objects     map[string]storedObject
	created     http.Header
	partSizes   map[int]int64
	inflight    int
	maxInflight int
	completed   int
}

func newS3Server() *s3Server {
	return &s3Server{
		objects:   make(map[string]storedObject),
		partSizes: make(map[int]int64),
	}
}

func (s *s3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodHead || r.Method == http.MethodGet:
		s.serveObject(w, r, key)
	case r.Method == http.MethodPost && q.Has("uploads"):
		s.mu.Lock()
		s.created = r.Header.Clone()
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
			`<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>upload-1</UploadId></InitiateMultipartUploadResult>`,
			testBucket, key)
	case r.Method == http.MethodPut && q.Get("partNumber") != "":
		s.uploadPart(w, r, q.Get("partNumber"))
	case r.Method == http.MethodPost && q.Get("uploadId") != "":
		_, _ = io.Copy(io.Discard, r.Body)
		s.mu.Lock()
		s.completed++
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		w.Header().Set("x-amz-version-id", "v-large")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
			`<CompleteMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><ETag>"done"</ETag></CompleteMultipartUploadResult>`,
			testBucket, key)
	default:
		http.Error(w, "unexpected request", http.StatusNotImplemented)
	}
}

func (s *s3Server) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>gone</Message></Error>`)
		}
		return
	}

	h := w.Header()
	h.Set("x-amz-version-id", "v1")
	h.Set("ETag", `"etag"`)
	h.Set("Last-Modified", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
	h.Set("Content-Type", remote.ContentTypeZip)
	h.Set("Content-Length", strconv.Itoa(len(obj.body)))
	if obj.sha1 != "" {
		h.Set("x-amz-meta-sha1", obj.sha1)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(obj.body)
	}
}

func (s *s3Server) uploadPart(w http.ResponseWriter, r *http.Request, number string) {
	n, err := strconv.Atoi(number)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.mu.Unlock()

	size, _ := io.Copy(io.Discard, r.Body)
	time.Sleep(s.partDelay)

	s.mu.Lock()
	s.inflight--
	s.partSizes[n] = size
	s.mu.Unlock()

	w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, n))
	w.WriteHeader(http.StatusOK)
}

func newHTTPGateway(t *testing.T, srv *s3Server, partSize int64) *Gateway {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	gw, err := New(Options{
		Endpoint:       ts.URL,
		Region:         "us-east-1",
		Bucket:         testBucket,
		KeyID:          "key",
		AppKey:         "secret",
		ForcePathStyle: true,
		PartSize:       partSize,
		Timeout:        5 * time.Second,
	})
	require.NoError(t, err)
	return gw
}

func downloadTo(t *testing.T, gw *Gateway, name string) ([]byte, int64, error) {
	t.Helper()
	dst, err := afero.NewMemMapFs().Create("download.part")
	require.NoError(t, err)
	defer dst.Close()

	n, dlErr := gw.Download(context.Background(), name, dst)
	_, err = dst.Seek(0, io.SeekStart)
	require.NoError(t, err)
	body, err := io.ReadAll(dst)
	require.NoError(t, err)
	return body, n, dlErr
}

func hexSHA1(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestDownloadVerifiesSHA1Metadata(t *testing.T) {
	data := []byte("a world save downloaded from the bucket")
	srv := newS3Server()
	srv.objects["packs/match.zip"] = storedObject{body: data, sha1: strings.ToUpper(hexSHA1(data))}
	srv.objects["packs/corrupt.zip"] = storedObject{body: data, sha1: hexSHA1([]byte("something else"))}
	srv.objects["packs/unsigned.zip"] = storedObject{body: data}
	gw := newHTTPGateway(t, srv, 0)

	t.Run("matching digest", func(t *testing.T) {
		body, n, err := downloadTo(t, gw, "packs/match.zip")
		require.NoError(t, err)
		assert.EqualValues(t, len(data), n)
		assert.Equal(t, data, body)
	})

	t.Run("mismatching digest", func(t *testing.T) {
		_, n, err := downloadTo(t, gw, "packs/corrupt.zip")
		assert.EqualValues(t, len(data), n)
		require.ErrorIs(t, err, remote.ErrChecksumMismatch)
		var backendErr *remote.BackendError
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "download", backendErr.Op)
	})

	t.Run("no digest recorded", func(t *testing.T) {
		body, _, err := downloadTo(t, gw, "packs/unsigned.zip")
		require.NoError(t, err)
		assert.Equal(t, data, body)
	})

	t.Run("missing object", func(t *testing.T) {
		_, _, err := downloadTo(t, gw, "packs/absent.zip")
		assert.ErrorIs(t, err, remote.ErrNotFound)
	})
}

func TestUploadLargeHonoursPartSizeAndConcurrency(t *testing.T) {
	const partSize = s3manager.MinUploadPartSize
	srv := newS3Server()
	srv.partDelay = 100 * time.Millisecond
	gw := newHTTPGateway(t, srv, partSize)

	data := bytes.Repeat([]byte("p"), int(3*partSize+1))
	v, err := gw.UploadLarge(context.Background(), remote.UploadRequest{
		Name:        "packs/large.zip",
		ContentType: remote.ContentTypeZip,
		Body:        bytes.NewReader(data),
		Size:        int64(len(data)),
		SHA1:        "a9993e364706816aba3e25717850c26c9cd0d89d",
		Metadata:    map[string]string{remote.MetaOriginalName: "large.zip"},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, "v-large", v.ID)
	assert.True(t, v.Committed)
	assert.EqualValues(t, len(data), v.Size)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, 1, srv.completed)
	assert.Equal(t, map[int]int64{1: partSize, 2: partSize, 3: partSize, 4: 1}, srv.partSizes)
	assert.Equal(t, 2, srv.maxInflight)

	require.NotNil(t, srv.created)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", srv.created.Get("x-amz-meta-sha1"))
	assert.Equal(t, "large.zip", srv.created.Get("x-amz-meta-original-name"))
	assert.Equal(t, remote.ContentTypeZip, srv.created.Get("Content-Type"))
}
