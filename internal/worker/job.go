package worker

import (
	"context"
	"errors"
)

var (
	ErrDispatcherBusy   = errors.New("dispatcher queue is full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Kind labels a job for logging.
type Kind string

const (
	KindChatReply Kind = "chat_reply"
	KindIngest    Kind = "ingest"
)

// sessionBound reports whether jobs of this kind end with the user's session.
// Ingest jobs process stored files and outlive sign-out.
func (k Kind) sessionBound() bool {
	return k != KindIngest
}

// Job is a unit of work owned by a user.
type Job struct {
	UserID int64
	Kind   Kind
	Run    func(ctx context.Context) error

	ctx  context.Context
	done chan error
	stop bool // retire the receiving worker
}

func (j Job) finish(err error) {
	if j.done == nil {
		return
	}
	select {
	case j.done <- err:
	default:
	}
}
