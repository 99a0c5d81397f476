package ingest

import (
	"regexp"
	"strings"
)

const DefaultMaxChunkRunes = 1000

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// Chunk packs blank-line separated paragraphs into chunks of at most
// maxRunes runes. A paragraph longer than maxRunes is split on rune
// boundaries.
func Chunk(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxChunkRunes
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		chunks  []string
		current []rune
	)
	flush := func() {
		if s := strings.TrimSpace(string(current)); s != "" {
			chunks = append(chunks, s)
		}
		current = current[:0]
	}

	for _, para := range paragraphBreak.Split(text, -1) {
		p := []rune(strings.TrimSpace(para))
		if len(p) == 0 {
			continue
		}
		if len(p) > maxRunes {
			flush()
			for start := 0; start < len(p); start += maxRunes {
				end := start + maxRunes
				if end > len(p) {
					end = len(p)
				}
				current = append(current, p[start:end]...)
				flush()
			}
			continue
		}
		sep := 0
		if len(current) > 0 {
			sep = 2
		}
		if len(current)+sep+len(p) > maxRunes {
			flush()
			sep = 0
		}
		if sep > 0 {
			current = append(current, '\n', '\n')
		}
		current = append(current, p...)
	}
	flush()
	return chunks
}
