package models

import "time"

// IngestStatus tracks CV text extraction for an uploaded file.
type IngestStatus string

const (
	IngestPending IngestStatus = "pending"
	IngestReady   IngestStatus = "ready"
	IngestFailed  IngestStatus = "failed"
)

// UploadedFile describes one upload attempt. A failed attempt carries Error
// and no StoragePath.
type UploadedFile struct {
	ID           string       `json:"id"`
	UserID       int64        `json:"-"`
	Name         string       `json:"name"`
	Size         int64        `json:"size"`
	ContentType  string       `json:"content_type,omitempty"`
	UploadedAt   time.Time    `json:"uploaded_at"`
	StoragePath  string       `json:"storage_path,omitempty"`
	Error        string       `json:"error,omitempty"`
	IngestStatus IngestStatus `json:"ingest_status,omitempty"`
	IngestError  string       `json:"ingest_error,omitempty"`
	PersonName   string       `json:"person_name,omitempty"`
}

// Failed reports whether the upload itself did not succeed.
func (f *UploadedFile) Failed() bool {
	return f.Error != ""
}
