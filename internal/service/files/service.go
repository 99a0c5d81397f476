package files

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"curricullm/internal/models"
	"curricullm/internal/objectstore"
)

const (
	DefaultMaxUploadBytes   = 10 << 20 // 10 MB
	DefaultUserStorageLimit = 50 << 20 // 50 MB per user

	sniffLen = 512
)

var (
	ErrNotFound        = errors.New("file not found")
	ErrEmptyName       = errors.New("file name is required")
	ErrTooLarge        = errors.New("file exceeds the upload size limit")
	ErrEmptyFile       = errors.New("file is empty")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrStoreFailed     = errors.New("failed to store file")
)

// Upload is one file of a batch.
type Upload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Ingester receives successfully stored files for text extraction.
type Ingester interface {
	Enqueue(ctx context.Context, file models.UploadedFile) error
}

// Limits bounds a single upload and a user's total stored bytes.
type Limits struct {
	MaxUploadBytes   int64
	UserStorageLimit int64
}

// Service stores CVs under each user's prefix and tracks them in uploaded_files.
type Service struct {
	db       *sql.DB
	store    objectstore.Store
	ingester Ingester
	limits   Limits
	logger   *slog.Logger
	now      func() time.Time
	uploads  userLocks
}

func NewService(db *sql.DB, store objectstore.Store, limits Limits, logger *slog.Logger) *Service {
	if limits.MaxUploadBytes <= 0 {
		limits.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if limits.UserStorageLimit <= 0 {
		limits.UserStorageLimit = DefaultUserStorageLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		store:  store,
		limits: limits,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetIngester wires the ingestion pipeline. A nil ingester disables it.
func (s *Service) SetIngester(ingester Ingester) {
	s.ingester = ingester
}

// Limits reports the configured limits.
func (s *Service) Limits() Limits {
	return s.limits
}

// Upload stores each file independently and returns one descriptor per
// input, in input order. A failed file carries Error and no StoragePath.
func (s *Service) Upload(ctx context.Context, userID int64, uploads []Upload) ([]models.UploadedFile, error) {
	if userID <= 0 {
		return nil, errors.New("invalid user id")
	}
	unlock := s.uploads.lock(userID)
	defer unlock()

	usage, err := s.Usage(ctx, userID)
	if err != nil {
		return nil, err
	}
	taken, err := s.storedNames(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([]models.UploadedFile, 0, len(uploads))
	for _, up := range uploads {
		file := models.UploadedFile{
			ID:         uuid.NewString(),
			UserID:     userID,
			Name:       objectstore.SafeName(up.Name),
			Size:       up.Size,
			UploadedAt: s.now(),
		}
		if file.Name == "" {
			file.Name = strings.TrimSpace(up.Name)
		}

		if err := s.storeOne(ctx, &file, up, usage, taken); err != nil {
			file.Error = err.Error()
			file.StoragePath = ""
			s.logger.Warn("upload failed", "user_id", userID, "name", up.Name, "error", err)
		} else {
			usage += file.Size
			taken[file.Name] = struct{}{}
			file.IngestStatus = models.IngestPending
		}

		if err := s.insert(ctx, &file); err != nil {
			if file.StoragePath != "" {
				_ = s.store.Remove(context.WithoutCancel(ctx), file.StoragePath)
			}
			return results, err
		}
		if file.StoragePath != "" {
			s.enqueueIngest(ctx, file)
		}
		results = append(results, file)
	}
	return results, nil
}

func (s *Service) storeOne(ctx context.Context, file *models.UploadedFile, up Upload, usage int64, taken map[string]struct{}) error {
	if file.Name == "" {
		return ErrEmptyName
	}
	if up.Size > s.limits.MaxUploadBytes {
		return fmt.Errorf("%w (%s)", ErrTooLarge, formatBytes(s.limits.MaxUploadBytes))
	}
	if up.Size == 0 {
		return ErrEmptyFile
	}
	if usage+up.Size > s.limits.UserStorageLimit {
		return ErrQuotaExceeded
	}
	if up.Open == nil {
		return ErrStoreFailed
	}

	rc, err := up.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	defer rc.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	head = head[:n]
	contentType, ok := resolveContentType(file.Name, head)
	if !ok {
		return ErrUnsupportedType
	}
	file.ContentType = contentType

	file.Name = uniqueName(file.Name, taken)
	key := objectstore.ObjectKey(file.UserID, file.Name)
	body := io.MultiReader(bytes.NewReader(head), rc)
	if _, err := s.store.Put(ctx, key, body, up.Size, contentType); err != nil {
		s.logger.Error("store object", "key", key, "error", err)
		return ErrStoreFailed
	}
	file.StoragePath = key
	return nil
}

func (s *Service) enqueueIngest(ctx context.Context, file models.UploadedFile) {
	if s.ingester == nil {
		return
	}
	if err := s.ingester.Enqueue(ctx, file); err != nil {
		s.logger.Warn("enqueue ingest", "file_id", file.ID, "error", err)
		_ = s.SetIngestResult(context.WithoutCancel(ctx), file.ID, models.IngestFailed, "", "could not schedule text extraction: "+err.Error())
	}
}

// List returns the user's files, newest first.
func (s *Service) List(ctx context.Context, userID int64) ([]models.UploadedFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, size, content_type, storage_path, error, ingest_status, ingest_error, person_name, uploaded_at
		FROM uploaded_files WHERE user_id = ? ORDER BY uploaded_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()
	files := make([]models.UploadedFile, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// Get loads one of the user's files.
func (s *Service) Get(ctx context.Context, userID int64, fileID string) (*models.UploadedFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, size, content_type, storage_path, error, ingest_status, ingest_error, person_name, uploaded_at
		FROM uploaded_files WHERE id = ? AND user_id = ?`, fileID, userID)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Remove deletes the stored object, the row and its chunks.
func (s *Service) Remove(ctx context.Context, userID int64, fileID string) error {
	file, err := s.Get(ctx, userID, fileID)
	if err != nil {
		return err
	}
	if file.StoragePath != "" {
		if !objectstore.OwnedBy(userID, file.StoragePath) {
			return ErrNotFound
		}
		if err := s.store.Remove(ctx, file.StoragePath); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return fmt.Errorf("remove object: %w", err)
		}
	}
	return s.deleteRow(ctx, file.ID)
}

// RemoveAll deletes every file of the user. It stops at the first failure
// so the remaining rows still point at their objects.
func (s *Service) RemoveAll(ctx context.Context, userID int64) (int, error) {
	files, err := s.List(ctx, userID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		if err := s.Remove(ctx, userID, f.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Usage sums the bytes of the user's stored files.
func (s *Service) Usage(ctx context.Context, userID int64) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM uploaded_files WHERE user_id = ? AND storage_path <> ''`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("calculate usage: %w", err)
	}
	return total.Int64, nil
}

// Count reports how many CVs the user has stored.
func (s *Service) Count(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM uploaded_files WHERE user_id = ? AND storage_path <> ''`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// Chunks returns the extracted chunks of one of the user's files.
func (s *Service) Chunks(ctx context.Context, userID int64, fileID string) ([]models.DocumentChunk, error) {
	if _, err := s.Get(ctx, userID, fileID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, user_id, chunk_index, person_name, content
		FROM document_chunks WHERE file_id = ? AND user_id = ? ORDER BY chunk_index`, fileID, userID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	chunks := make([]models.DocumentChunk, 0)
	for rows.Next() {
		var c models.DocumentChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.ChunkIndex, &c.PersonName, &c.Content); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SetIngestResult records the outcome of text extraction.
func (s *Service) SetIngestResult(ctx context.Context, fileID string, status models.IngestStatus, personName, ingestErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE uploaded_files SET ingest_status = ?, person_name = ?, ingest_error = ? WHERE id = ?`,
		status, personName, ingestErr, fileID,
	)
	if err != nil {
		return fmt.Errorf("update ingest status: %w", err)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, f *models.UploadedFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploaded_files (id, user_id, name, size, content_type, storage_path, error, ingest_status, ingest_error, person_name, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Name, f.Size, f.ContentType, f.StoragePath, f.Error, f.IngestStatus, f.IngestError, f.PersonName, f.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("record file: %w", err)
	}
	return nil
}

func (s *Service) deleteRow(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM uploaded_files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return tx.Commit()
}

func (s *Service) storedNames(ctx context.Context, userID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM uploaded_files WHERE user_id = ? AND storage_path <> ''`, userID)
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	defer rows.Close()
	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = struct{}{}
	}
	return names, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.UploadedFile, error) {
	var f models.UploadedFile
	var status string
	if err := row.Scan(&f.ID, &f.UserID, &f.Name, &f.Size, &f.ContentType, &f.StoragePath, &f.Error,
		&status, &f.IngestError, &f.PersonName, &f.UploadedAt); err != nil {
		return nil, err
	}
	f.IngestStatus = models.IngestStatus(status)
	return &f, nil
}

// uniqueName resolves collisions as "name (1).ext", "name (2).ext", ...
func uniqueName(name string, taken map[string]struct{}) string {
	if _, ok := taken[name]; !ok {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
	return fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext)
}

const (
	mimeDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeDoc      = "application/msword"
	mimeMarkdown = "text/markdown"
	mimeRTF      = "application/rtf"
)

// resolveContentType sniffs the leading bytes and refines the result by
// extension for formats the sniffer reports generically.
func resolveContentType(name string, head []byte) (string, bool) {
	sniffed := http.DetectContentType(head)
	base := strings.TrimSpace(strings.SplitN(sniffed, ";", 2)[0])
	ext := strings.ToLower(path.Ext(name))

	switch {
	case base == "application/pdf":
		return base, true
	case base == "text/plain":
		switch ext {
		case ".md", ".markdown":
			return mimeMarkdown, true
		case ".rtf":
			return mimeRTF, true
		}
		return base, true
	case base == "application/zip" && ext == ".docx":
		return mimeDocx, true
	case base == "application/octet-stream" && ext == ".doc":
		return mimeDoc, true
	case base == "text/rtf" || base == mimeRTF:
		return mimeRTF, true
	}
	return "", false
}

func formatBytes(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%d MB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}
