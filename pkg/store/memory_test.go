package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

func TestMemoryConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	_, err := m.GetConversation(ctx, "c1")
	assert.True(t, IsNotFound(err))

	require.NoError(t, m.CreateConversation(ctx, Conversation{ID: "c1", UserID: "u1"}))
	err = m.CreateConversation(ctx, Conversation{ID: "c1"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, clock, got.CreatedAt)

	clock = clock.Add(time.Minute)
	require.NoError(t, m.UpdateConversation(ctx, Conversation{
		ID:         "c1",
		Title:      "Planning",
		Status:     StatusArchived,
		Transcript: "hello",
		Segments:   []stt.Segment{{Seq: 1, Text: "hello", Words: []stt.Word{{Text: "hello", EndMS: 400}}}},
	}))
	got, err = m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, StatusArchived, got.Status)
	assert.Equal(t, clock, got.UpdatedAt)
	assert.Equal(t, clock.Add(-time.Minute), got.CreatedAt)

	got.Segments[0].Words[0].Text = "mutated"
	again, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Segments[0].Words[0].Text)

	err = m.UpdateConversation(ctx, Conversation{ID: "missing"})
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "update conversation", se.Op)
}

func TestSaveConversationUpserts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, SaveConversation(ctx, m, Conversation{ID: "c1", Title: "a"}))
	require.NoError(t, SaveConversation(ctx, m, Conversation{ID: "c1", Title: "b"}))
	got, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Title)
}

func TestMemoryActions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := detect.Action{ID: "a1", Type: detect.ActionTodo, Inner: detect.Inner{Title: "Call Ana"}}

	require.NoError(t, m.CreateAction(ctx, ActionRecord{ConversationID: "c1", Action: a}))
	assert.ErrorIs(t, m.CreateAction(ctx, ActionRecord{ConversationID: "c1", Action: a}), ErrConflict)
	assert.ErrorIs(t, m.CreateAction(ctx, ActionRecord{ConversationID: "c1"}), ErrInvalidID)

	list, err := m.ListActions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, detect.StatusPending, list[0].Action.Status)

	list, err = m.ListActions(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryLogs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	logs := []detect.LogEntry{{Speaker: "user", Summary: "one"}, {Speaker: "user", Summary: "two"}}

	assert.ErrorIs(t, m.AppendConversationLogs(ctx, "c1", logs), ErrNotFound)

	require.NoError(t, m.CreateConversation(ctx, Conversation{ID: "c1"}))
	require.NoError(t, m.AppendConversationLogs(ctx, "c1", logs))
	got, err := m.ListConversationLogs(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "two", got[1].Entry.Summary)
}
