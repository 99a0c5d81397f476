package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"curricullm/internal/models"
	"curricullm/internal/objectstore"
	"curricullm/internal/worker"
)

const jobTimeout = 2 * time.Minute

// Submitter runs jobs on behalf of a user.
type Submitter interface {
	Submit(ctx context.Context, userID int64, kind worker.Kind, fn func(ctx context.Context) error) (<-chan error, error)
}

// Service extracts text, the owner's name and chunks from uploaded CVs.
type Service struct {
	ctx       context.Context
	db        *sql.DB
	store     objectstore.Store
	jobs      Submitter
	loader    Loader
	extractor NameExtractor
	maxRunes  int
	logger    *slog.Logger
}

// Options configures a Service.
type Options struct {
	Loader        Loader
	Extractor     NameExtractor
	MaxChunkRunes int
	Logger        *slog.Logger
}

// NewService builds the ingestion service. ctx bounds background jobs.
func NewService(ctx context.Context, db *sql.DB, store objectstore.Store, jobs Submitter, opts Options) *Service {
	if opts.Extractor == nil {
		opts.Extractor = HeadingExtractor{}
	}
	if opts.MaxChunkRunes <= 0 {
		opts.MaxChunkRunes = DefaultMaxChunkRunes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		ctx:       ctx,
		db:        db,
		store:     store,
		jobs:      jobs,
		loader:    opts.Loader,
		extractor: opts.Extractor,
		maxRunes:  opts.MaxChunkRunes,
		logger:    opts.Logger,
	}
}

// Enqueue schedules Process for file on the dispatcher. The job outlives the
// request that uploaded the file.
func (s *Service) Enqueue(_ context.Context, file models.UploadedFile) error {
	_, err := s.jobs.Submit(s.ctx, file.UserID, worker.KindIngest, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		return s.Process(ctx, file)
	})
	return err
}

// ResumePending enqueues every stored file still waiting for extraction,
// such as those left queued by a previous shutdown. It returns how many
// were scheduled.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, storage_path FROM uploaded_files
		WHERE ingest_status = ? AND storage_path <> '' ORDER BY uploaded_at, id`, models.IngestPending)
	if err != nil {
		return 0, fmt.Errorf("list pending files: %w", err)
	}
	var pending []models.UploadedFile
	for rows.Next() {
		var f models.UploadedFile
		if err := rows.Scan(&f.ID, &f.UserID, &f.Name, &f.StoragePath); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan pending file: %w", err)
		}
		f.IngestStatus = models.IngestPending
		pending = append(pending, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("list pending files: %w", err)
	}
	rows.Close()

	n := 0
	for _, f := range pending {
		if err := s.Enqueue(ctx, f); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", f.ID, err)
		}
		n++
	}
	return n, nil
}

// Process runs the whole pipeline for one file and records the outcome.
func (s *Service) Process(ctx context.Context, file models.UploadedFile) error {
	start := time.Now()
	name, chunks, err := s.extract(ctx, file)
	if err != nil {
		s.logger.Warn("ingest failed", "file_id", file.ID, "user_id", file.UserID, "error", err)
		if markErr := s.markFailed(context.WithoutCancel(ctx), file.ID, err.Error()); markErr != nil {
			s.logger.Error("record ingest failure", "file_id", file.ID, "error", markErr)
		}
		return err
	}
	if err := s.saveChunks(ctx, file, name, chunks); err != nil {
		s.logger.Error("save chunks", "file_id", file.ID, "error", err)
		_ = s.markFailed(context.WithoutCancel(ctx), file.ID, "could not save extracted text")
		return err
	}
	s.logger.Info("ingested cv",
		"file_id", file.ID,
		"user_id", file.UserID,
		"person_name", name,
		"chunks", len(chunks),
		"duration", time.Since(start),
	)
	return nil
}

func (s *Service) extract(ctx context.Context, file models.UploadedFile) (string, []models.DocumentChunk, error) {
	if s.loader == nil {
		return "", nil, errors.New("no document loader configured")
	}
	text, err := s.loader.Load(ctx, s.store, file.StoragePath)
	if err != nil {
		return "", nil, err
	}
	name, err := s.extractor.ExtractName(ctx, text)
	if err != nil {
		// a CV without a recognisable name is still searchable
		s.logger.Warn("person name not found", "file_id", file.ID, "error", err)
		name = ""
	}

	pieces := Chunk(text, s.maxRunes)
	if len(pieces) == 0 {
		return "", nil, ErrNoText
	}
	chunks := make([]models.DocumentChunk, 0, len(pieces))
	for i, content := range pieces {
		chunks = append(chunks, models.DocumentChunk{
			DocumentID: file.ID,
			UserID:     file.UserID,
			PersonName: name,
			ChunkIndex: i,
			Content:    content,
		})
	}
	return name, chunks, nil
}

// saveChunks replaces the file's chunks and marks it ready in one transaction.
func (s *Service) saveChunks(ctx context.Context, file models.UploadedFile, name string, chunks []models.DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE uploaded_files SET ingest_status = ?, person_name = ?, ingest_error = '' WHERE id = ?`,
		models.IngestReady, name, file.ID,
	)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// removed while we were working
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE file_id = ?`, file.ID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_chunks (file_id, user_id, chunk_index, person_name, content) VALUES (?, ?, ?, ?, ?)`,
			c.DocumentID, c.UserID, c.ChunkIndex, c.PersonName, c.Content,
		); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Service) markFailed(ctx context.Context, fileID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE uploaded_files SET ingest_status = ?, ingest_error = ? WHERE id = ?`,
		models.IngestFailed, reason, fileID,
	)
	return err
}

// Search returns the user's chunks containing any of the terms, best matches first.
func (s *Service) Search(ctx context.Context, userID int64, terms []string, limit int) ([]models.DocumentChunk, error) {
	return searchChunks(ctx, s.db, userID, terms, limit)
}
