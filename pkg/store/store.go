// Package store defines the persistence collaborator for conversations,
// detected actions and conversation logs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

// ConversationStatus is the lifecycle state of a stored conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
)

// Conversation is a stored conversation and its finalized transcript.
type Conversation struct {
	ID         string
	UserID     string
	Title      string
	Status     ConversationStatus
	Transcript string
	Preview    string
	Segments   []stt.Segment
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActionRecord is a detected action owned by a conversation.
type ActionRecord struct {
	ConversationID string
	UserID         string
	Action         detect.Action
	CreatedAt      time.Time
}

// LogRecord is one stored conversation log entry.
type LogRecord struct {
	ID             int64
	ConversationID string
	Entry          detect.LogEntry
	CreatedAt      time.Time
}

// Store persists conversations, actions and logs.
type Store interface {
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	UpdateConversation(ctx context.Context, c Conversation) error
	CreateAction(ctx context.Context, a ActionRecord) error
	ListActions(ctx context.Context, conversationID string) ([]ActionRecord, error)
	AppendConversationLogs(ctx context.Context, conversationID string, logs []detect.LogEntry) error
	ListConversationLogs(ctx context.Context, conversationID string) ([]LogRecord, error)
}

var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: already exists")
	ErrInvalidID = errors.New("store: invalid id")
)

// Error is a persistence failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// SaveConversation creates c, or updates it when it already exists.
func SaveConversation(ctx context.Context, s Store, c Conversation) error {
	err := s.CreateConversation(ctx, c)
	if errors.Is(err, ErrConflict) {
		return s.UpdateConversation(ctx, c)
	}
	return err
}
