package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"curricullm/internal/models"
)

const (
	searchResultsDefault = 5
	searchResultsMax     = 10
	searchSnippetRunes   = 600
)

// ChunkSearcher finds a user's CV chunks by keyword.
type ChunkSearcher interface {
	Search(ctx context.Context, userID int64, terms []string, limit int) ([]models.DocumentChunk, error)
}

type cvSearchTool struct {
	searcher ChunkSearcher
	limiter  *toolRateLimiter
}

type cvSearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func newCVSearchTool(searcher ChunkSearcher, limiter *toolRateLimiter) tool.InvokableTool {
	cs := &cvSearchTool{searcher: searcher, limiter: limiter}
	info := &schema.ToolInfo{
		Name: "cv_search",
		Desc: "Search the user's uploaded CVs by keywords such as skills, employers, " +
			"technologies or a person's name. Returns matching CV excerpts with the candidate name.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Keywords to look for",
				Type:     schema.String,
				Required: true,
			},
			"limit": {
				Desc: fmt.Sprintf("Maximum number of excerpts (1-%d)", searchResultsMax),
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, cs.run)
}

func (c *cvSearchTool) run(ctx context.Context, params *cvSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	userID, ok := ToolUserFromContext(ctx)
	if !ok {
		return "", errors.New("cv_search requires a signed-in user")
	}
	terms := searchTerms(params.Query)
	if len(terms) == 0 {
		return "", errors.New("query must not be empty")
	}
	if c.limiter != nil && !c.limiter.Allow(userID) {
		return "Search limit reached, answer with what you already know.", nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = searchResultsDefault
	}
	if limit > searchResultsMax {
		limit = searchResultsMax
	}

	chunks, err := c.searcher.Search(ctx, userID, terms, limit)
	if err != nil {
		return "", fmt.Errorf("search cvs: %w", err)
	}
	if len(chunks) == 0 {
		return "No CV excerpts matched the query.", nil
	}
	return formatChunks(chunks), nil
}

func searchTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#' && r != '.'
	})
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.Trim(f, "."))
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

func formatChunks(chunks []models.DocumentChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		name := c.PersonName
		if name == "" {
			name = "unknown candidate"
		}
		content := []rune(c.Content)
		if len(content) > searchSnippetRunes {
			content = append(content[:searchSnippetRunes], '…')
		}
		fmt.Fprintf(&b, "[%d] %s (document %s, part %d)\n%s\n\n", i+1, name, c.DocumentID, c.ChunkIndex+1, string(content))
	}
	return strings.TrimSpace(b.String())
}
