package chat

import (
	"context"
	"fmt"

	"curricullm/internal/models"
)

// FileCounter reports how many CVs a user has stored.
type FileCounter interface {
	Count(ctx context.Context, userID int64) (int, error)
}

// CannedResponder answers every message with the same acknowledgement.
type CannedResponder struct {
	Files FileCounter
}

func (r CannedResponder) Reply(ctx context.Context, userID int64, _ []models.ChatMessage) (string, error) {
	n := 0
	if r.Files != nil {
		count, err := r.Files.Count(ctx, userID)
		if err != nil {
			return "", err
		}
		n = count
	}
	return CannedReply(n), nil
}

func CannedReply(cvCount int) string {
	return fmt.Sprintf("Thanks for your message! I'm looking through your CV collection (%d CV(s) so far). Smarter answers are on the way.", cvCount)
}

// FallbackResponder uses Primary and falls back to Secondary on error.
type FallbackResponder struct {
	Primary   Responder
	Secondary Responder
}

func (r FallbackResponder) Reply(ctx context.Context, userID int64, history []models.ChatMessage) (string, error) {
	text, err := r.Primary.Reply(ctx, userID, history)
	if err == nil || r.Secondary == nil {
		return text, err
	}
	return r.Secondary.Reply(ctx, userID, history)
}
