package transcription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

func partial(text string) Event {
	return Event{Type: stt.EventPartial, Segment: stt.Segment{Text: text}}
}

func final(text string) Event {
	return Event{Type: stt.EventFinal, Segment: stt.Segment{Text: text, Final: true}}
}

func drain(q *eventQueue) []string {
	var out []string
	for {
		ev, ok, _ := q.pop()
		if !ok {
			return out
		}
		out = append(out, string(ev.Type)+":"+ev.Segment.Text)
	}
}

func TestEventQueue_NewPartialSupersedesPending(t *testing.T) {
	q := newEventQueue(8)
	_, err := q.push(partial("he"), false)
	require.NoError(t, err)
	_, err = q.push(final("hello"), false)
	require.NoError(t, err)
	dropped, err := q.push(partial("wor"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	assert.Equal(t, []string{"final-transcript:hello", "partial-transcript:wor"}, drain(q))
}

func TestEventQueue_FullOfFinalsOverflows(t *testing.T) {
	q := newEventQueue(2)
	_, _ = q.push(final("a"), false)
	_, _ = q.push(final("b"), false)

	dropped, err := q.push(partial("c"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped, "partials are discarded when there is no room")

	_, err = q.push(final("d"), false)
	require.ErrorIs(t, err, ErrEventOverflow)

	_, err = q.push(Event{Type: stt.EventError}, true)
	require.NoError(t, err, "forced events bypass the bound")
	assert.Equal(t, []string{"final-transcript:a", "final-transcript:b", "error:"}, drain(q))
}

func TestEventQueue_FinalEvictsOldestPartial(t *testing.T) {
	q := newEventQueue(2)
	_, _ = q.push(final("a"), false)
	_, _ = q.push(partial("b"), false)

	dropped, err := q.push(final("c"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []string{"final-transcript:a", "final-transcript:c"}, drain(q))
}

func TestEventQueue_CloseRejectsPush(t *testing.T) {
	q := newEventQueue(2)
	q.close()
	_, err := q.push(final("a"), false)
	require.ErrorIs(t, err, errQueueClosed)
	_, ok, closed := q.pop()
	assert.False(t, ok)
	assert.True(t, closed)
}
