package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"curricullm/internal/models"
	"curricullm/internal/redis"
	"curricullm/internal/worker"
)

var (
	ErrEmptyMessage   = errors.New("message text is required")
	ErrMessageTooLong = errors.New("message is too long")

	// errWithdrawn means the message being answered was removed first.
	errWithdrawn = errors.New("message was withdrawn before the reply")
)

const (
	DefaultReplyDelay = time.Second

	maxMessageRunes = 4000
	// messages handed to the responder as context
	responderWindow = 20

	apologyText = "Sorry, I could not come up with an answer just now. Please try again."
)

// Runner executes fn on behalf of userID and waits for it.
type Runner interface {
	Do(ctx context.Context, userID int64, kind worker.Kind, fn func(ctx context.Context) error) error
}

// Responder produces the bot's answer to the latest user message.
type Responder interface {
	Reply(ctx context.Context, userID int64, history []models.ChatMessage) (string, error)
}

type Service struct {
	db        *sql.DB
	cache     *historyCache
	jobs      Runner
	responder Responder
	delay     time.Duration
	logger    *slog.Logger
}

type Options struct {
	Cache      *redis.Client
	Jobs       Runner
	ReplyDelay time.Duration
	Logger     *slog.Logger
}

func NewService(db *sql.DB, responder Responder, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := opts.ReplyDelay
	if delay < 0 {
		delay = 0
	}
	return &Service{
		db:        db,
		cache:     newHistoryCache(opts.Cache, logger),
		jobs:      opts.Jobs,
		responder: responder,
		delay:     delay,
		logger:    logger,
	}
}

// Send stores the user's message, waits the reply delay on the dispatcher and
// stores the bot's answer. When the reply job cannot run the user message is
// withdrawn so history never ends on an unanswered message.
func (s *Service) Send(ctx context.Context, userID int64, text string) (*models.ChatMessage, *models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return nil, nil, ErrMessageTooLong
	}

	userMsg, err := s.insert(ctx, userID, models.SenderUser, text)
	if err != nil {
		return nil, nil, err
	}

	replies := make(chan *models.ChatMessage, 1)
	reply := func(jobCtx context.Context) error {
		if err := s.wait(jobCtx); err != nil {
			return err
		}
		answer := s.answer(jobCtx, userID)
		msg, err := s.insertReply(jobCtx, userID, userMsg.ID, answer)
		if err != nil {
			return err
		}
		replies <- msg
		return nil
	}

	if s.jobs != nil {
		err = s.jobs.Do(ctx, userID, worker.KindChatReply, reply)
	} else {
		err = reply(ctx)
	}
	if err != nil {
		if delErr := s.withdraw(context.WithoutCancel(ctx), userID, userMsg.ID); delErr != nil {
			s.logger.Error("withdraw unanswered message", "user_id", userID, "message_id", userMsg.ID, "error", delErr)
		}
		return nil, nil, err
	}
	return userMsg, <-replies, nil
}

func (s *Service) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) answer(ctx context.Context, userID int64) string {
	if s.responder == nil {
		return apologyText
	}
	history, err := s.recent(ctx, userID, responderWindow)
	if err != nil {
		s.logger.Warn("load chat context", "user_id", userID, "error", err)
	}
	text, err := s.responder.Reply(ctx, userID, history)
	if err != nil {
		s.logger.Warn("chat responder failed", "user_id", userID, "error", err)
		return apologyText
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return apologyText
	}
	return text
}

// History returns the user's messages oldest first.
func (s *Service) History(ctx context.Context, userID int64) ([]models.ChatMessage, error) {
	if cached, ok := s.cache.get(ctx, userID); ok {
		return cached, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, sender, text, created_at FROM chat_messages WHERE user_id = ? ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	s.cache.set(ctx, userID, messages)
	return messages, nil
}

// Clear deletes the user's whole history.
func (s *Service) Clear(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	s.cache.invalidate(ctx, userID)
	return nil
}

func (s *Service) recent(ctx context.Context, userID int64, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, sender, text, created_at FROM chat_messages WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Service) insert(ctx context.Context, userID int64, sender models.Sender, text string) (*models.ChatMessage, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (user_id, sender, text, created_at) VALUES (?, ?, ?, ?)`,
		userID, sender, text, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	s.cache.invalidate(ctx, userID)
	return &models.ChatMessage{ID: id, UserID: userID, Text: text, Sender: sender, Timestamp: now}, nil
}

// insertReply stores the bot's answer to messageID, provided that message
// still exists. A reply never outlives the message it answers.
func (s *Service) insertReply(ctx context.Context, userID, messageID int64, text string) (*models.ChatMessage, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (user_id, sender, text, created_at, reply_to)
		SELECT ?, ?, ?, ?, ? FROM chat_messages WHERE id = ? AND user_id = ?`,
		userID, models.SenderBot, text, now, messageID, messageID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert reply: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("insert reply: %w", err)
	} else if n == 0 {
		return nil, errWithdrawn
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	s.cache.invalidate(ctx, userID)
	return &models.ChatMessage{ID: id, UserID: userID, Text: text, Sender: models.SenderBot, Timestamp: now}, nil
}

// withdraw deletes an unanswered message together with any reply stored for it.
func (s *Service) withdraw(ctx context.Context, userID, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE user_id = ? AND (id = ? OR reply_to = ?)`, userID, id, id)
	s.cache.invalidate(ctx, userID)
	return err
}

func scanMessages(rows *sql.Rows) ([]models.ChatMessage, error) {
	defer rows.Close()
	messages := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.Sender, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
