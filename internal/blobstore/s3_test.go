package blobstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers the path-style HEAD, DELETE and copy requests S3Store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := strings.TrimPrefix(r.URL.Path, "/bucket/")
	switch r.Method {
	case http.MethodHead:
		body, ok := f.objects[k]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2026 15:04:05 GMT")
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, k)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPut:
		src, err := url.PathUnescape(r.Header.Get("X-Amz-Copy-Source"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, ok := f.objects[strings.TrimPrefix(src, "bucket/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		f.objects[k] = body
		_, _ = w.Write([]byte(`<CopyObjectResult><ETag>"x"</ETag></CopyObjectResult>`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T, objects map[string][]byte) *S3Store {
	t.Helper()
	srv := httptest.NewServer(&fakeS3{objects: objects})
	t.Cleanup(srv.Close)

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	s, err := NewS3Store(context.Background(), "bucket", "us-east-1", srv.URL)
	require.NoError(t, err)
	return s
}

func TestS3StoreCopyStatDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestS3Store(t, map[string][]byte{"incoming/scene.tif": []byte("pixels")})

	require.NoError(t, s.Copy(ctx, "incoming/scene.tif", "assets/a1/job/scene.tif"))
	info, err := s.Stat(ctx, "/assets/a1/job/scene.tif")
	require.NoError(t, err)
	assert.EqualValues(t, 6, info.Size)

	res, err := s.Delete(ctx, "assets/a1/job/scene.tif")
	require.NoError(t, err)
	assert.Equal(t, Deleted, res)

	res, err = s.Delete(ctx, "assets/a1/job/scene.tif")
	require.NoError(t, err)
	assert.Equal(t, AlreadyAbsent, res)

	_, err = s.Stat(ctx, "assets/a1/job/scene.tif")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Copy(ctx, "incoming/nope.tif", "dst.tif")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.Equal(t, "a/b.tif", key("/a/b.tif"))
}
