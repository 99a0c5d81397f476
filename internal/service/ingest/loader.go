package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"

	"curricullm/internal/objectstore"
)

// ErrNoText is returned when a document yields no readable text.
var ErrNoText = errors.New("document has no readable text content")

// minPrintableRatio rejects binary formats read through the text fallback.
const minPrintableRatio = 0.9

// Loader turns a stored object into plain text.
type Loader interface {
	Load(ctx context.Context, store objectstore.Store, key string) (string, error)
}

// FileLoader reads objects through eino's file loader. Objects are copied to
// a temp file first because the loader works on local paths.
type FileLoader struct {
	loader *file.FileLoader
	tmpDir string
}

// NewFileLoader reads PDFs through the pdf parser and every other extension
// as text.
func NewFileLoader(ctx context.Context, tmpDir string) (*FileLoader, error) {
	pdfParser, err := pdf.NewPDFParser(ctx, &pdf.Config{})
	if err != nil {
		return nil, fmt.Errorf("init pdf parser: %w", err)
	}
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".pdf": pdfParser,
		},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init ext parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &FileLoader{loader: loader, tmpDir: tmpDir}, nil
}

func (l *FileLoader) Load(ctx context.Context, store objectstore.Store, key string) (string, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return "", fmt.Errorf("open object: %w", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(l.tmpDir, "ingest-*"+strings.ToLower(path.Ext(key)))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = io.Copy(tmp, rc)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("copy object: %w", err)
	}

	docs, err := l.loader.Load(ctx, document.Source{URI: tmpPath})
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if !readable(text) {
		return "", ErrNoText
	}
	return text, nil
}

func readable(text string) bool {
	if text == "" || !utf8.ValidString(text) {
		return false
	}
	var total, printable int
	for _, r := range text {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return float64(printable)/float64(total) >= minPrintableRatio
}
