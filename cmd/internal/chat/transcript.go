package chat

import (
	"context"

	v1 "educhat/shared/contracts/chat/v1"
)

// Transcript persists accepted messages per channel so a reopened
// conversation can start from its previous history.
//
// Requirements:
//   - Idempotency per (channel_id, message id)
//   - Load returns the newest limit messages, oldest first
type Transcript interface {
	Record(ctx context.Context, channelID string, m v1.Message) (recorded bool, err error)
	Load(ctx context.Context, channelID string, limit int) ([]v1.Message, error)
	Close() error
}

const (
	defaultTranscriptLoad = 200
	maxTranscriptLoad     = 1000
)

func clampLoad(limit int) int {
	if limit <= 0 {
		return defaultTranscriptLoad
	}
	if limit > maxTranscriptLoad {
		return maxTranscriptLoad
	}
	return limit
}
