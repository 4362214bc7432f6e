// Package detect turns transcript excerpts into actionable items and
// end-of-conversation summaries with the help of a language model.
package detect

import (
	"context"
	"strings"
)

// ActionType is the kind of a detected action.
type ActionType string

const (
	ActionTodo     ActionType = "todo"
	ActionCalendar ActionType = "calendar"
	ActionResearch ActionType = "research"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionTodo, ActionCalendar, ActionResearch:
		return true
	}
	return false
}

// ActionStatus is the review state of an action. Detection only ever
// produces StatusPending.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusAccepted ActionStatus = "accepted"
	StatusRejected ActionStatus = "rejected"
)

// Inner is the type specific payload of an action.
type Inner struct {
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	Datetime string `json:"datetime,omitempty"`
	Query    string `json:"query,omitempty"`
}

// Relate ties an action to the span of conversation it came from.
type Relate struct {
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Transcript string `json:"transcript"`
}

// Action is one detected actionable item.
type Action struct {
	ID     string       `json:"id"`
	Type   ActionType   `json:"type"`
	Inner  Inner        `json:"inner"`
	Relate Relate       `json:"relate"`
	Status ActionStatus `json:"-"`
}

// Key identifies an action by content, for deduplication across passes.
func (a Action) Key() string {
	return string(a.Type) + "\x00" + strings.ToLower(strings.TrimSpace(a.Inner.Title))
}

// Excerpt is the transcript window handed to DetectActions.
type Excerpt struct {
	Text    string
	StartMS int64
	EndMS   int64
}

// LogEntry is one topical segment of a finished conversation.
type LogEntry struct {
	Speaker string `json:"speaker"`
	Summary string `json:"summary"`
	Excerpt string `json:"transcript_excerpt"`
	StartMS int64  `json:"start_time"`
	EndMS   int64  `json:"end_time"`
}

// Summary describes a finished conversation.
type Summary struct {
	Title   string
	Preview string
	Logs    []LogEntry
}

const (
	FallbackTitle   = "Untitled conversation"
	FallbackPreview = "Summary generation failed"
)

// FallbackSummary is used when summarization is skipped or fails.
func FallbackSummary() Summary {
	return Summary{Title: FallbackTitle, Preview: FallbackPreview}
}

// Engine detects actions and summarizes conversations.
type Engine interface {
	DetectActions(ctx context.Context, ex Excerpt) ([]Action, error)
	Summarize(ctx context.Context, transcript string) (Summary, error)
}

// TimedText is one finalized transcript segment on the audio timeline.
type TimedText struct {
	Text    string
	StartMS int64
	EndMS   int64
}

// UnknownSpeaker labels text whose speaker could not be told apart.
const UnknownSpeaker = "Unknown"

// CleanSegment is a span of conversation rewritten for reading.
type CleanSegment struct {
	Speaker string
	Text    string
	StartMS int64
	EndMS   int64
}

// Beautifier is implemented by engines that can clean up a raw transcript.
// Sessions skip beautification when their engine does not implement it.
type Beautifier interface {
	Beautify(ctx context.Context, segments []TimedText) ([]CleanSegment, error)
}

// Reasoner runs one prompt against a language model and returns its raw text.
type Reasoner interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Nop is an Engine that finds nothing. It backs deployments without a model.
type Nop struct{}

func (Nop) DetectActions(context.Context, Excerpt) ([]Action, error) { return nil, nil }

func (Nop) Summarize(_ context.Context, transcript string) (Summary, error) {
	return Summary{Title: FallbackTitle, Preview: previewOf(transcript)}, nil
}

func previewOf(transcript string) string {
	const limit = 200
	transcript = strings.TrimSpace(transcript)
	if r := []rune(transcript); len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return transcript
}
