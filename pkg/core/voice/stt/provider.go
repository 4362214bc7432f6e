// Package stt provides streaming speech-to-text backends behind a single
// provider-agnostic interface.
package stt

import (
	"context"
	"strings"
)

// DefaultSampleRate is the PCM rate every backend is opened with.
const DefaultSampleRate = 16000

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewStream opens a live transcription connection. The returned stream is
	// owned by the caller and must be closed.
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one live connection to a backend (a provider session).
//
// Events are delivered in provider order on a single channel which is closed
// after the stream ends, either because the provider finished after Finalize
// or because the connection dropped.
type Stream interface {
	// SendAudio forwards raw s16le mono PCM at the configured sample rate.
	SendAudio(pcm []byte) error

	// Finalize asks the backend to flush pending audio, emit its remaining
	// final transcripts and end the stream.
	Finalize() error

	// Events returns the stream's event channel.
	Events() <-chan Event

	// Close tears the connection down immediately.
	Close() error
}

// StreamConfig configures a live stream.
type StreamConfig struct {
	Model      string // Provider-specific model
	Language   string // ISO language code (default: "en")
	SampleRate int    // PCM sample rate in Hz (default: 16000)
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = "en"
	}
	return c
}

// EventType is one of the fixed event kinds every backend normalizes to.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventPartial      EventType = "partial-transcript"
	EventFinal        EventType = "final-transcript"
	EventError        EventType = "error"
	EventDisconnected EventType = "disconnected"
)

// Event is a normalized provider event.
type Event struct {
	Type     EventType
	Provider string
	Segment  Segment // set for partial and final events
	Err      error   // set for error events
	Reason   string  // set for disconnected events
}

// Segment is a transcript segment. Partial segments may be replaced by later
// ones; final segments never change.
type Segment struct {
	Seq          int64   `json:"seq"`
	Provider     string  `json:"provider,omitempty"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	Final        bool    `json:"final"`
	AudioStartMS int64   `json:"audio_start_ms"`
	AudioEndMS   int64   `json:"audio_end_ms"`
	Words        []Word  `json:"words,omitempty"`
}

// Word represents a single transcribed word with timing in milliseconds
// relative to the start of the audio sent on the stream.
type Word struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// Shift returns a copy of the segment with every timestamp moved by offsetMS.
func (s Segment) Shift(offsetMS int64) Segment {
	if offsetMS == 0 {
		return s
	}
	s.AudioStartMS += offsetMS
	s.AudioEndMS += offsetMS
	if len(s.Words) > 0 {
		words := make([]Word, len(s.Words))
		for i, w := range s.Words {
			w.StartMS += offsetMS
			w.EndMS += offsetMS
			words[i] = w
		}
		s.Words = words
	}
	return s
}

// secondsToMS converts provider second offsets to milliseconds.
func secondsToMS(sec float64) int64 {
	return int64(sec*1000 + 0.5)
}
