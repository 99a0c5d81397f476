package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"curricullm/internal/models"
)

const maxSearchTerms = 8

// searchChunks does a keyword scan over the user's chunks. Person names count
// as matching text so "who is Jane" finds Jane's CV.
func searchChunks(ctx context.Context, db *sql.DB, userID int64, terms []string, limit int) ([]models.DocumentChunk, error) {
	if limit <= 0 {
		limit = 5
	}
	var cleaned []string
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if len([]rune(t)) < 2 {
			continue
		}
		cleaned = append(cleaned, t)
		if len(cleaned) == maxSearchTerms {
			break
		}
	}
	if len(cleaned) == 0 {
		return nil, nil
	}

	var (
		conds []string
		args  = []any{userID}
	)
	for _, t := range cleaned {
		conds = append(conds, "(LOWER(content) LIKE ? OR LOWER(person_name) LIKE ?)")
		pattern := "%" + t + "%"
		args = append(args, pattern, pattern)
	}
	query := `SELECT id, file_id, user_id, chunk_index, person_name, content FROM document_chunks
		WHERE user_id = ? AND (` + strings.Join(conds, " OR ") + `)`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	type scored struct {
		chunk models.DocumentChunk
		score int
	}
	var hits []scored
	for rows.Next() {
		var c models.DocumentChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.ChunkIndex, &c.PersonName, &c.Content); err != nil {
			return nil, err
		}
		haystack := strings.ToLower(c.PersonName + "\n" + c.Content)
		score := 0
		for _, t := range cleaned {
			score += strings.Count(haystack, t)
		}
		hits = append(hits, scored{chunk: c, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].chunk.ID < hits[j].chunk.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.DocumentChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.chunk)
	}
	return out, nil
}
