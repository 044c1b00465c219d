package chat

import (
	"context"
	"errors"
	"sync"

	v1 "educhat/shared/contracts/chat/v1"
)

const memMaxMessagesPerChannel = 10_000

// InMemoryTranscript is the default Transcript when no database is configured.
// History lives for the lifetime of the process.
type InMemoryTranscript struct {
	mu       sync.Mutex
	channels map[string]*memChannel
}

type memChannel struct {
	ids  map[v1.ID]struct{}
	msgs []v1.Message // arrival order
}

// NewInMemoryTranscript constructs an empty in-memory Transcript.
func NewInMemoryTranscript() *InMemoryTranscript {
	return &InMemoryTranscript{channels: make(map[string]*memChannel)}
}

// Close is a no-op.
func (s *InMemoryTranscript) Close() error { return nil }

// Record appends m unless its id was already recorded for channelID.
func (s *InMemoryTranscript) Record(ctx context.Context, channelID string, m v1.Message) (bool, error) {
	if channelID == "" || m.ID.IsZero() {
		return false, errors.New("chat: invalid transcript input")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.channels[channelID]
	if c == nil {
		c = &memChannel{ids: make(map[v1.ID]struct{})}
		s.channels[channelID] = c
	}
	if _, ok := c.ids[m.ID]; ok {
		return false, nil
	}
	c.ids[m.ID] = struct{}{}
	c.msgs = append(c.msgs, m)

	if len(c.msgs) > memMaxMessagesPerChannel {
		drop := c.msgs[:len(c.msgs)-memMaxMessagesPerChannel]
		for _, d := range drop {
			delete(c.ids, d.ID)
		}
		c.msgs = append([]v1.Message(nil), c.msgs[len(drop):]...)
	}
	return true, nil
}

// Load returns up to limit of the newest messages for channelID, oldest first.
func (s *InMemoryTranscript) Load(ctx context.Context, channelID string, limit int) ([]v1.Message, error) {
	if channelID == "" {
		return nil, errors.New("chat: missing channel id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLoad(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.channels[channelID]
	if c == nil || len(c.msgs) == 0 {
		return nil, nil
	}
	start := 0
	if len(c.msgs) > limit {
		start = len(c.msgs) - limit
	}
	return append([]v1.Message(nil), c.msgs[start:]...), nil
}
