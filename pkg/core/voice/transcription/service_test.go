package transcription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

func newTestService(t *testing.T, p stt.Provider) *Service {
	t.Helper()
	svc, err := New(Options{
		Provider:        p,
		ConnectAttempts: 3,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		FinalizeTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func finalTexts(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Segment.Text)
	}
	return out
}

func TestService_StartFeedStop(t *testing.T) {
	p := &fakeProvider{name: "alpha"}
	svc := newTestService(t, p)
	log := collect(svc)

	require.ErrorIs(t, svc.SendAudio(pcmOf("early")), ErrNotStreaming)

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateStreaming, svc.State())
	require.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStreaming)

	require.NoError(t, svc.SendAudio(pcmOf("hello")))
	require.NoError(t, svc.SendAudio(pcmOf("there")))

	text, err := svc.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, StateStopped, svc.State())
	require.ErrorIs(t, svc.SendAudio(pcmOf("late")), ErrNotStreaming)

	require.True(t, log.wait(time.Second), "event channel should close after stop")
	finals := log.ofType(stt.EventFinal)
	assert.Equal(t, []string{"hello", "there"}, finalTexts(finals))
	assert.Equal(t, int64(1), finals[0].Segment.Seq)
	assert.Equal(t, int64(2), finals[1].Segment.Seq)
	assert.Len(t, log.ofType(stt.EventConnected), 1)
	assert.NotEmpty(t, log.ofType(stt.EventDisconnected))
}

func TestService_StopCollectsBufferedFinals(t *testing.T) {
	p := &fakeProvider{name: "alpha", buffered: true}
	svc := newTestService(t, p)
	log := collect(svc)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.SendAudio(pcmOf("pending")))

	text, err := svc.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", text)
	require.True(t, log.wait(time.Second))
	assert.Equal(t, []string{"pending"}, finalTexts(log.ofType(stt.EventFinal)))
}

func TestService_ConnectRetriesExhausted(t *testing.T) {
	p := &fakeProvider{name: "alpha", failConnects: 10}
	svc := newTestService(t, p)
	log := collect(svc)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, stt.IsConnectError(err))
	assert.Equal(t, 3, p.Attempts())
	assert.Equal(t, StateError, svc.State())
	assert.ErrorIs(t, svc.Err(), err)

	require.True(t, log.wait(time.Second), "event channel should close after terminal error")
	errs := log.ofType(stt.EventError)
	require.Len(t, errs, 1)
	assert.True(t, errs[0].Terminal)

	_, stopErr := svc.Stop(context.Background())
	assert.Error(t, stopErr)
}

func TestService_ConnectRecoversWithinBudget(t *testing.T) {
	p := &fakeProvider{name: "alpha", failConnects: 2}
	svc := newTestService(t, p)

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, 3, p.Attempts())
	assert.Equal(t, StateStreaming, svc.State())
}

func TestService_SwitchProviderPreservesOrdering(t *testing.T) {
	gate := make(chan struct{})
	alpha := &fakeProvider{name: "alpha", buffered: true, finalizeGate: gate}
	beta := &fakeProvider{name: "beta"}
	svc := newTestService(t, alpha)
	log := collect(svc)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.SendAudio(pcmOf("one")))
	require.NoError(t, svc.SendAudio(pcmOf("two")))
	require.Eventually(t, func() bool { return alpha.Stream(0).Received() == 2 }, time.Second, time.Millisecond)

	switched := make(chan error, 1)
	go func() { switched <- svc.SwitchProvider(context.Background(), beta) }()

	require.Eventually(t, func() bool { return svc.State() == StateStopping }, time.Second, time.Millisecond)
	require.NoError(t, svc.SendAudio(pcmOf("mid")), "audio during a switch is queued for the next provider")
	close(gate)

	require.NoError(t, <-switched)
	assert.Equal(t, "beta", svc.ProviderName())
	assert.Equal(t, StateStreaming, svc.State())
	require.NoError(t, svc.SendAudio(pcmOf("three")))

	text, err := svc.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one two mid three", text)
	assert.Equal(t, 2, alpha.Stream(0).Received(), "no audio reaches the old provider after the switch starts")

	require.True(t, log.wait(time.Second))
	finals := log.ofType(stt.EventFinal)
	require.Equal(t, []string{"one", "two", "mid", "three"}, finalTexts(finals))
	wantProviders := []string{"alpha", "alpha", "beta", "beta"}
	var prevEnd int64
	for i, ev := range finals {
		assert.Equal(t, int64(i+1), ev.Segment.Seq)
		assert.Equal(t, wantProviders[i], ev.Segment.Provider)
		assert.GreaterOrEqual(t, ev.Segment.AudioStartMS, prevEnd, "timeline must stay monotonic across the switch")
		prevEnd = ev.Segment.AudioEndMS
	}
	// alpha consumed 20 ms, so beta's first chunk starts there.
	assert.Equal(t, int64(20), finals[2].Segment.AudioStartMS)

	connected := log.ofType(stt.EventConnected)
	require.Len(t, connected, 2)
	assert.Equal(t, "alpha", connected[0].Provider)
	assert.Equal(t, "beta", connected[1].Provider)
}

func TestService_SwitchRequiresStreaming(t *testing.T) {
	svc := newTestService(t, &fakeProvider{name: "alpha"})
	err := svc.SwitchProvider(context.Background(), &fakeProvider{name: "beta"})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestService_ReconnectsAfterUnexpectedDrop(t *testing.T) {
	p := &fakeProvider{name: "alpha"}
	svc := newTestService(t, p)
	log := collect(svc)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.SendAudio(pcmOf("before")))
	require.Eventually(t, func() bool { return len(svc.Segments()) == 1 }, time.Second, time.Millisecond)

	p.Stream(0).Drop()
	require.Eventually(t, func() bool { return p.Stream(1) != nil && svc.State() == StateStreaming }, time.Second, time.Millisecond)

	require.NoError(t, svc.SendAudio(pcmOf("after")))
	text, err := svc.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "before after", text)

	require.True(t, log.wait(time.Second))
	assert.Len(t, log.ofType(stt.EventConnected), 2)
}

func TestService_AudioOverflowIsExplicit(t *testing.T) {
	p := &fakeProvider{name: "alpha", buffered: true}
	svc, err := New(Options{Provider: p, AudioQueueSize: 1, BackoffBase: time.Millisecond})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Start(context.Background()))
	// Hold the sender so the queue cannot drain.
	svc.mu.Lock()
	active := svc.active
	svc.mu.Unlock()
	active.stopSending(false)
	<-active.sendDone

	require.NoError(t, svc.SendAudio(pcmOf("a")))
	require.ErrorIs(t, svc.SendAudio(pcmOf("b")), ErrAudioOverflow)
}

func TestBytesToMS(t *testing.T) {
	assert.Equal(t, int64(100), bytesToMS(3200, 16000))
	assert.Equal(t, int64(0), bytesToMS(31, 16000))
}
