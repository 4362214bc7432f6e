package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

// Memory is an in-process Store for development and tests. Values are copied
// in and out so callers cannot mutate stored state.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	actions       map[string][]ActionRecord
	logs          map[string][]LogRecord
	nextLogID     int64
	now           func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]Conversation),
		actions:       make(map[string][]ActionRecord),
		logs:          make(map[string][]LogRecord),
		now:           time.Now,
	}
}

func (m *Memory) CreateConversation(_ context.Context, c Conversation) error {
	if c.ID == "" {
		return &Error{Op: "create conversation", Err: ErrInvalidID}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[c.ID]; ok {
		return &Error{Op: "create conversation", Err: ErrConflict}
	}
	now := m.now()
	if c.Status == "" {
		c.Status = StatusActive
	}
	c.CreatedAt, c.UpdatedAt = now, now
	m.conversations[c.ID] = copyConversation(c)
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return Conversation{}, &Error{Op: "get conversation", Err: ErrNotFound}
	}
	return copyConversation(c), nil
}

func (m *Memory) UpdateConversation(_ context.Context, c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conversations[c.ID]
	if !ok {
		return &Error{Op: "update conversation", Err: ErrNotFound}
	}
	c.CreatedAt = cur.CreatedAt
	if c.UserID == "" {
		c.UserID = cur.UserID
	}
	if c.Status == "" {
		c.Status = cur.Status
	}
	c.UpdatedAt = m.now()
	m.conversations[c.ID] = copyConversation(c)
	return nil
}

func (m *Memory) CreateAction(_ context.Context, a ActionRecord) error {
	if a.Action.ID == "" || a.ConversationID == "" {
		return &Error{Op: "create action", Err: ErrInvalidID}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.actions[a.ConversationID] {
		if existing.Action.ID == a.Action.ID {
			return &Error{Op: "create action", Err: ErrConflict}
		}
	}
	if a.Action.Status == "" {
		a.Action.Status = detect.StatusPending
	}
	a.CreatedAt = m.now()
	m.actions[a.ConversationID] = append(m.actions[a.ConversationID], a)
	return nil
}

func (m *Memory) ListActions(_ context.Context, conversationID string) ([]ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.actions[conversationID]), nil
}

func (m *Memory) AppendConversationLogs(_ context.Context, conversationID string, logs []detect.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return &Error{Op: "append logs", Err: ErrNotFound}
	}
	now := m.now()
	for _, l := range logs {
		m.nextLogID++
		m.logs[conversationID] = append(m.logs[conversationID], LogRecord{
			ID:             m.nextLogID,
			ConversationID: conversationID,
			Entry:          l,
			CreatedAt:      now,
		})
	}
	return nil
}

func (m *Memory) ListConversationLogs(_ context.Context, conversationID string) ([]LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.logs[conversationID]), nil
}

func copyConversation(c Conversation) Conversation {
	if c.Segments != nil {
		segs := make([]stt.Segment, len(c.Segments))
		for i, s := range c.Segments {
			s.Words = slices.Clone(s.Words)
			segs[i] = s
		}
		c.Segments = segs
	}
	return c
}
