package models

// DocumentChunk is a slice of CV text with the metadata used for retrieval.
type DocumentChunk struct {
	ID         int64  `json:"id"`
	DocumentID string `json:"document_id"`
	UserID     int64  `json:"-"`
	PersonName string `json:"person_name"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
}
