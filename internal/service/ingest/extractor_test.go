package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	name string
	err  error
}

func (s stubExtractor) ExtractName(ctx context.Context, text string) (string, error) {
	return s.name, s.err
}

func TestHeadingExtractor(t *testing.T) {
	name, err := HeadingExtractor{}.ExtractName(context.Background(), "\n\n  # **Jane Doe**  \nSoftware engineer")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", name)

	_, err = HeadingExtractor{}.ExtractName(context.Background(), " \n\t\n")
	assert.Error(t, err)
}

func TestFallbackExtractorUsesFirstSuccess(t *testing.T) {
	f := FallbackExtractor{Extractors: []NameExtractor{
		stubExtractor{err: errors.New("quota exceeded")},
		stubExtractor{name: "John Smith"},
	}}
	name, err := f.ExtractName(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "John Smith", name)

	_, err = FallbackExtractor{}.ExtractName(context.Background(), "ignored")
	assert.Error(t, err)
}

func TestCleanName(t *testing.T) {
	assert.Equal(t, "Ana Lima", cleanName("  \"Ana Lima\"\nextra line"))
	assert.Equal(t, "", cleanName("``"))
	long := cleanName(strings.Repeat("x", 300))
	assert.Len(t, []rune(long), maxNameRunes)
}

func TestNamePromptTruncatesText(t *testing.T) {
	prompt := namePrompt(strings.Repeat("a", namePromptChars+500))
	assert.Contains(t, prompt, "Return ONLY the name")
	assert.NotContains(t, prompt, strings.Repeat("a", namePromptChars+1))
}
