package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curricullm/internal/config"
)

func TestObjectKeyStaysUnderPrefix(t *testing.T) {
	cases := map[string]string{
		"cv.pdf":             "7/cv.pdf",
		"../../etc/passwd":   "7/passwd",
		"dir\\sub\\resume.md": "7/resume.md",
		"  spaced.txt ":      "7/spaced.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, ObjectKey(7, in), in)
		assert.True(t, OwnedBy(7, ObjectKey(7, in)))
	}
	assert.Equal(t, "", SafeName(".."))
	assert.False(t, OwnedBy(7, "8/cv.pdf"))
	assert.False(t, OwnedBy(7, "7/"))
	assert.False(t, OwnedBy(7, "7/a/b"))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	info, err := store.Put(ctx, "1/b.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	_, err = store.Put(ctx, "1/a.md", strings.NewReader("# A"), 3, "text/markdown")
	require.NoError(t, err)
	_, err = store.Put(ctx, "2/c.txt", strings.NewReader("other"), 5, "text/plain")
	require.NoError(t, err)

	objs, err := store.List(ctx, UserPrefix(1))
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "1/a.md", objs[0].Key)
	assert.Equal(t, "1/b.txt", objs[1].Key)

	rc, err := store.Open(ctx, "1/b.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	require.NoError(t, store.Remove(ctx, "1/b.txt"))
	assert.ErrorIs(t, store.Remove(ctx, "1/b.txt"), ErrNotFound)
	_, err = store.Open(ctx, "1/b.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Stat(ctx, "1/b.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsShortWrite(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Put(ctx, "1/x.txt", strings.NewReader("abc"), 10, "text/plain")
	require.Error(t, err)
	objs, err := store.List(ctx, "1/")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestLocalStoreRejectsEscapingKey(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "../x.txt", strings.NewReader("a"), 1, "text/plain")
	assert.Error(t, err)
}

func TestLocalStoreListsDotPrefixedNames(t *testing.T) {
	base := t.TempDir()
	store, err := NewLocalStore(base)
	require.NoError(t, err)
	ctx := context.Background()

	key := ObjectKey(1, ".upload-cv.txt")
	require.Equal(t, "1/.upload-cv.txt", key)
	_, err = store.Put(ctx, key, strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)

	objs, err := store.List(ctx, UserPrefix(1))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, key, objs[0].Key)

	// in-flight writes are neither listed nor addressable
	require.NoError(t, os.WriteFile(filepath.Join(base, ".tmp", "partial"), []byte("x"), 0o644))
	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	_, err = store.Open(ctx, ".tmp/partial")
	assert.Error(t, err)
	_, err = store.Put(ctx, ".tmp/x", strings.NewReader("a"), 1, "text/plain")
	assert.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "ftp"}, nil)
	assert.Error(t, err)

	store, err := Open(context.Background(), config.StorageConfig{Driver: "local", BaseDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)
}

func TestOpenS3ChecksBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/cvs" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := config.StorageConfig{
		Driver:          "s3",
		Bucket:          "cvs",
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
	}
	store, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, store)

	cfg.Bucket = "missing"
	_, err = Open(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "storage health check failed")
}
