package stt

import (
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestSegmentFromResult_MapsWordOffsets(t *testing.T) {
	result := &speechpb.StreamingRecognitionResult{
		IsFinal:       true,
		ResultEndTime: durationpb.New(1250 * time.Millisecond),
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{
			Transcript: " call mom tomorrow ",
			Confidence: 0.8,
			Words: []*speechpb.WordInfo{
				{Word: "call", StartTime: durationpb.New(100 * time.Millisecond), EndTime: durationpb.New(400 * time.Millisecond)},
				{Word: "mom", StartTime: durationpb.New(400 * time.Millisecond), EndTime: durationpb.New(700 * time.Millisecond)},
				{Word: "tomorrow", StartTime: durationpb.New(750 * time.Millisecond), EndTime: durationpb.New(1200 * time.Millisecond)},
			},
		}},
	}

	seg, ok := segmentFromResult(result)
	require.True(t, ok)
	assert.True(t, seg.Final)
	assert.Equal(t, "call mom tomorrow", seg.Text)
	assert.InDelta(t, 0.8, seg.Confidence, 1e-6)
	require.Len(t, seg.Words, 3)
	assert.Equal(t, int64(750), seg.Words[2].StartMS)
	assert.Equal(t, int64(100), seg.AudioStartMS)
	assert.Equal(t, int64(1250), seg.AudioEndMS)
}

func TestSegmentFromResult_SkipsEmpty(t *testing.T) {
	_, ok := segmentFromResult(&speechpb.StreamingRecognitionResult{})
	assert.False(t, ok)

	_, ok = segmentFromResult(&speechpb.StreamingRecognitionResult{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "   "}},
	})
	assert.False(t, ok)
}

func TestGoogleLanguageCode(t *testing.T) {
	assert.Equal(t, "en-US", googleLanguageCode("en"))
	assert.Equal(t, "de-DE", googleLanguageCode("de-DE"))
	assert.Equal(t, "fr", googleLanguageCode("fr"))
}
