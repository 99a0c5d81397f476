package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curricullm/internal/config"
	"curricullm/internal/models"
	"curricullm/internal/objectstore"
	"curricullm/internal/storage"
	"curricullm/internal/worker"
)

type stubLoader struct {
	text string
	err  error
}

func (s stubLoader) Load(ctx context.Context, store objectstore.Store, key string) (string, error) {
	return s.text, s.err
}

type testEnv struct {
	db    *sql.DB
	store *objectstore.LocalStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`INSERT INTO users (id, email, created_at) VALUES (1, 'u@example.com', ?)`, time.Now().UTC())
	require.NoError(t, err)

	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return &testEnv{db: db, store: store}
}

func (e *testEnv) addFile(t *testing.T, name, body string) models.UploadedFile {
	t.Helper()
	key := objectstore.ObjectKey(1, name)
	_, err := e.store.Put(context.Background(), key, strings.NewReader(body), int64(len(body)), "text/plain")
	require.NoError(t, err)
	f := models.UploadedFile{
		ID:           "file-" + name,
		UserID:       1,
		Name:         name,
		Size:         int64(len(body)),
		ContentType:  "text/plain",
		StoragePath:  key,
		IngestStatus: models.IngestPending,
		UploadedAt:   time.Now().UTC(),
	}
	_, err = e.db.Exec(`INSERT INTO uploaded_files (id, user_id, name, size, content_type, storage_path, ingest_status, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Name, f.Size, f.ContentType, f.StoragePath, f.IngestStatus, f.UploadedAt)
	require.NoError(t, err)
	return f
}

func (e *testEnv) status(t *testing.T, fileID string) (status, person, ingestErr string) {
	t.Helper()
	require.NoError(t, e.db.QueryRow(
		`SELECT ingest_status, person_name, ingest_error FROM uploaded_files WHERE id = ?`, fileID,
	).Scan(&status, &person, &ingestErr))
	return
}

func TestProcessStoresChunksAndName(t *testing.T) {
	env := newTestEnv(t)
	file := env.addFile(t, "jane.txt", "unused")
	svc := NewService(context.Background(), env.db, env.store, nil, Options{
		Loader:        stubLoader{text: "Jane Doe\n\nGo developer with ten years of experience\n\nLikes Kubernetes"},
		Extractor:     stubExtractor{name: "Jane Doe"},
		MaxChunkRunes: 50,
	})

	require.NoError(t, svc.Process(context.Background(), file))

	status, person, ingestErr := env.status(t, file.ID)
	assert.Equal(t, string(models.IngestReady), status)
	assert.Equal(t, "Jane Doe", person)
	assert.Empty(t, ingestErr)

	var count int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM document_chunks WHERE file_id = ?`, file.ID).Scan(&count))
	assert.Equal(t, 3, count)

	// reprocessing replaces rather than duplicates
	require.NoError(t, svc.Process(context.Background(), file))
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM document_chunks WHERE file_id = ?`, file.ID).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestProcessFallsBackWhenNameMissing(t *testing.T) {
	env := newTestEnv(t)
	file := env.addFile(t, "anon.txt", "unused")
	svc := NewService(context.Background(), env.db, env.store, nil, Options{
		Loader:    stubLoader{text: "Experience\n\nGo"},
		Extractor: stubExtractor{err: errors.New("no name")},
	})

	require.NoError(t, svc.Process(context.Background(), file))
	status, person, _ := env.status(t, file.ID)
	assert.Equal(t, string(models.IngestReady), status)
	assert.Empty(t, person)
}

func TestProcessRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	file := env.addFile(t, "broken.pdf", "unused")
	svc := NewService(context.Background(), env.db, env.store, nil, Options{
		Loader: stubLoader{err: ErrNoText},
	})

	err := svc.Process(context.Background(), file)
	require.ErrorIs(t, err, ErrNoText)
	status, _, ingestErr := env.status(t, file.ID)
	assert.Equal(t, string(models.IngestFailed), status)
	assert.Equal(t, ErrNoText.Error(), ingestErr)
}

func TestProcessDeletedFileIsNoop(t *testing.T) {
	env := newTestEnv(t)
	file := env.addFile(t, "gone.txt", "unused")
	_, err := env.db.Exec(`DELETE FROM uploaded_files WHERE id = ?`, file.ID)
	require.NoError(t, err)

	svc := NewService(context.Background(), env.db, env.store, nil, Options{Loader: stubLoader{text: "Jane"}})
	require.NoError(t, svc.Process(context.Background(), file))

	var count int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM document_chunks`).Scan(&count))
	assert.Zero(t, count)
}

func TestEnqueueRunsOnDispatcher(t *testing.T) {
	env := newTestEnv(t)
	file := env.addFile(t, "queued.txt", "unused")
	d := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	svc := NewService(context.Background(), env.db, env.store, d, Options{
		Loader:    stubLoader{text: "Jane Doe\n\nGo"},
		Extractor: HeadingExtractor{},
	})
	require.NoError(t, svc.Enqueue(context.Background(), file))

	assert.Eventually(t, func() bool {
		status, _, _ := env.status(t, file.ID)
		return status == string(models.IngestReady)
	}, 2*time.Second, 10*time.Millisecond)
	_, person, _ := env.status(t, file.ID)
	assert.Equal(t, "Jane Doe", person)
}

func TestResumePendingProcessesLeftoverFiles(t *testing.T) {
	env := newTestEnv(t)
	left := env.addFile(t, "left.txt", "unused")
	done := env.addFile(t, "done.txt", "unused")
	_, err := env.db.Exec(`UPDATE uploaded_files SET ingest_status = ? WHERE id = ?`, models.IngestReady, done.ID)
	require.NoError(t, err)
	_, err = env.db.Exec(`INSERT INTO uploaded_files (id, user_id, name, size, content_type, storage_path, error, ingest_status, uploaded_at)
		VALUES ('file-failed', 1, 'failed.txt', 0, '', '', 'too large', '', ?)`, time.Now().UTC())
	require.NoError(t, err)

	d := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	svc := NewService(context.Background(), env.db, env.store, d, Options{
		Loader:    stubLoader{text: "Jane Doe\n\nGo"},
		Extractor: HeadingExtractor{},
	})

	n, err := svc.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool {
		status, _, _ := env.status(t, left.ID)
		return status == string(models.IngestReady)
	}, 2*time.Second, 10*time.Millisecond)

	n, err = svc.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResumePendingAfterDispatcherClose(t *testing.T) {
	env := newTestEnv(t)
	file := env.addFile(t, "restart.txt", "unused")

	// a closed dispatcher leaves the row pending
	closed := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	require.NoError(t, closed.Close(context.Background()))
	first := NewService(context.Background(), env.db, env.store, closed, Options{Loader: stubLoader{text: "Jane Doe"}})
	assert.Error(t, first.Enqueue(context.Background(), file))
	status, _, _ := env.status(t, file.ID)
	assert.Equal(t, string(models.IngestPending), status)

	d := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	second := NewService(context.Background(), env.db, env.store, d, Options{Loader: stubLoader{text: "Jane Doe"}})
	n, err := second.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool {
		status, _, _ := env.status(t, file.ID)
		return status == string(models.IngestReady)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSearchRanksByMatches(t *testing.T) {
	env := newTestEnv(t)
	a := env.addFile(t, "a.txt", "unused")
	b := env.addFile(t, "b.txt", "unused")
	svc := NewService(context.Background(), env.db, env.store, nil, Options{MaxChunkRunes: 500})

	svc.loader = stubLoader{text: "Alice Ng\n\nPython and Go. Go everywhere, Go always."}
	require.NoError(t, svc.Process(context.Background(), a))
	svc.loader = stubLoader{text: "Bob Ray\n\nJava developer"}
	require.NoError(t, svc.Process(context.Background(), b))

	hits, err := svc.Search(context.Background(), 1, []string{"go"}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, a.ID, hits[0].DocumentID)
	assert.Equal(t, "Alice Ng", hits[0].PersonName)

	hits, err = svc.Search(context.Background(), 1, []string{"bob"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b.ID, hits[0].DocumentID)

	hits, err = svc.Search(context.Background(), 2, []string{"go"}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = svc.Search(context.Background(), 1, []string{" ", "x"}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFileLoaderReadsText(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	key := objectstore.ObjectKey(1, "cv.txt")
	body := "Jane Doe\n\nBackend engineer"
	_, err = store.Put(ctx, key, strings.NewReader(body), int64(len(body)), "text/plain")
	require.NoError(t, err)

	tmp := t.TempDir()
	loader, err := NewFileLoader(ctx, tmp)
	require.NoError(t, err)
	text, err := loader.Load(ctx, store, key)
	require.NoError(t, err)
	assert.Equal(t, body, text)

	leftovers, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp copy is removed")
}

func TestFileLoaderRejectsBinary(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	key := objectstore.ObjectKey(1, "blob.doc")
	body := bytes.Repeat([]byte{0x00, 0x01, 0x02, 0x03}, 64)
	_, err = store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/msword")
	require.NoError(t, err)

	loader, err := NewFileLoader(ctx, filepath.Join(t.TempDir()))
	require.NoError(t, err)
	_, err = loader.Load(ctx, store, key)
	assert.ErrorIs(t, err, ErrNoText)
}

func TestReadable(t *testing.T) {
	assert.True(t, readable("Jane Doe\nengineer"))
	assert.False(t, readable(""))
	assert.False(t, readable(string([]byte{0xff, 0xfe})))
	assert.False(t, readable("ab\x00\x01\x02\x03"))
}
