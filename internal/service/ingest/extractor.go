package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultNameModel = "gemini-1.5-flash-8b"

	namePromptChars = 2000
	maxNameRunes    = 120
)

// NameExtractor finds the full name of a CV's owner.
type NameExtractor interface {
	ExtractName(ctx context.Context, text string) (string, error)
}

// GeminiExtractor asks a Gemini model for the name.
type GeminiExtractor struct {
	client *genai.Client
	model  string
}

func NewGeminiExtractor(ctx context.Context, apiKey, model string) (*GeminiExtractor, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = DefaultNameModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	return &GeminiExtractor{client: client, model: model}, nil
}

func (g *GeminiExtractor) ExtractName(ctx context.Context, text string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(namePrompt(text)), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	name := cleanName(resp.Text())
	if name == "" {
		return "", errors.New("model returned no name")
	}
	return name, nil
}

func namePrompt(text string) string {
	runes := []rune(text)
	if len(runes) > namePromptChars {
		runes = runes[:namePromptChars]
	}
	return "Extract ONLY the full name of the person whose CV/resume is represented in the following text.\n" +
		"Return ONLY the name, nothing else.\n\n" +
		"Text:\n" + string(runes)
}

// HeadingExtractor takes the first non-empty line, which is where most CVs
// put the owner's name.
type HeadingExtractor struct{}

func (HeadingExtractor) ExtractName(ctx context.Context, text string) (string, error) {
	for _, line := range strings.Split(text, "\n") {
		if name := cleanName(line); name != "" {
			return name, nil
		}
	}
	return "", errors.New("no heading found")
}

// FallbackExtractor tries each extractor in order.
type FallbackExtractor struct {
	Extractors []NameExtractor
	Logger     *slog.Logger
}

func (f FallbackExtractor) ExtractName(ctx context.Context, text string) (string, error) {
	var lastErr error
	for _, ex := range f.Extractors {
		name, err := ex.ExtractName(ctx, text)
		if err == nil {
			return name, nil
		}
		lastErr = err
		if f.Logger != nil {
			f.Logger.Warn("name extraction failed", "extractor", fmt.Sprintf("%T", ex), "error", err)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no name extractor configured")
	}
	return "", lastErr
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.TrimLeft(s, "# ")
	s = strings.Trim(s, "*_\"'` \t")
	runes := []rune(s)
	if len(runes) > maxNameRunes {
		s = strings.TrimSpace(string(runes[:maxNameRunes]))
	}
	return s
}
