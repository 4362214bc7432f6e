package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/decode"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/transcription"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/protocol"
	"github.com/vango-go/oto-voiceapi/pkg/metrics"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

const dentistLine = "remind me to call the dentist tomorrow morning please"

type fakeDecoder struct {
	mu       sync.Mutex
	writeErr error
	pcm      chan decode.PCMChunk
	writes   [][]byte
	seq      int64
	done     bool
	closed   bool
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{pcm: make(chan decode.PCMChunk, 64)}
}

func (f *fakeDecoder) Write(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.done {
		return decode.ErrClosed
	}
	f.writes = append(f.writes, append([]byte(nil), chunk...))
	samples := make([]int16, len(chunk))
	for i, b := range chunk {
		samples[i] = int16(b)
	}
	f.seq++
	f.pcm <- decode.PCMChunk{Seq: f.seq, Samples: samples}
	return nil
}

func (f *fakeDecoder) End() error {
	f.finish()
	return nil
}

func (f *fakeDecoder) PCM() <-chan decode.PCMChunk { return f.pcm }

func (f *fakeDecoder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeErr
}

func (f *fakeDecoder) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.finish()
	return nil
}

func (f *fakeDecoder) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		f.done = true
		close(f.pcm)
	}
}

func (f *fakeDecoder) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeTranscriber struct {
	mu         sync.Mutex
	startErr   error
	events     chan transcription.Event
	segments   []stt.Segment
	audio      [][]byte
	seq        int64
	stopCalls  int
	closeCalls int
	closed     bool
	switchErr  error
	switches   []string
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{events: make(chan transcription.Event, 64)}
}

func (f *fakeTranscriber) Start(context.Context) error { return f.startErr }

func (f *fakeTranscriber) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeTranscriber) Stop(context.Context) (string, error) {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	f.closeEvents()
	return transcription.JoinText(f.Segments()), nil
}

func (f *fakeTranscriber) SwitchProvider(_ context.Context, next stt.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switchErr != nil {
		return f.switchErr
	}
	f.switches = append(f.switches, next.Name())
	return nil
}

func (f *fakeTranscriber) switched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.switches...)
}

func (f *fakeTranscriber) Events() <-chan transcription.Event { return f.events }

func (f *fakeTranscriber) Segments() []stt.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stt.Segment(nil), f.segments...)
}

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

func (f *fakeTranscriber) closeEvents() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeTranscriber) emit(ev transcription.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if ev.Type == stt.EventFinal {
		f.seq++
		ev.Segment.Seq = f.seq
		ev.Segment.Final = true
		f.segments = append(f.segments, ev.Segment)
	}
	f.events <- ev
}

func (f *fakeTranscriber) final(text string, startMS, endMS int64) {
	f.emit(transcription.Event{Type: stt.EventFinal, Segment: stt.Segment{Text: text, AudioStartMS: startMS, AudioEndMS: endMS}})
}

func (f *fakeTranscriber) partial(text string) {
	f.emit(transcription.Event{Type: stt.EventPartial, Segment: stt.Segment{Text: text}})
}

func (f *fakeTranscriber) counts() (stops, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls, f.closeCalls
}

func (f *fakeTranscriber) audioBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, a := range f.audio {
		out = append(out, a...)
	}
	return out
}

// fakeEngine returns the same action on every call, each time under a fresh id.
type fakeEngine struct {
	mu             sync.Mutex
	actions        []detect.Action
	detectCalls    int
	summarizeCalls int
}

func (f *fakeEngine) DetectActions(_ context.Context, ex detect.Excerpt) ([]detect.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCalls++
	out := make([]detect.Action, 0, len(f.actions))
	for i, a := range f.actions {
		a.ID = fmt.Sprintf("act-%d-%d", f.detectCalls, i)
		a.Relate = detect.Relate{Start: ex.StartMS, End: ex.EndMS, Transcript: ex.Text}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeEngine) Summarize(context.Context, string) (detect.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarizeCalls++
	return detect.Summary{
		Title:   "Dentist reminder",
		Preview: "The user wants to call the dentist.",
		Logs:    []detect.LogEntry{{Speaker: "user", Summary: "Plans a dentist call", StartMS: 0, EndMS: 2000}},
	}, nil
}

func (f *fakeEngine) counts() (detects, summaries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detectCalls, f.summarizeCalls
}

// cleaningEngine also rewrites transcripts, labelling segments by turn.
type cleaningEngine struct {
	*fakeEngine
}

func (c cleaningEngine) Beautify(_ context.Context, segments []detect.TimedText) ([]detect.CleanSegment, error) {
	out := make([]detect.CleanSegment, len(segments))
	for i, seg := range segments {
		out[i] = detect.CleanSegment{
			Speaker: string(rune('A' + i%2)),
			Text:    strings.ToUpper(seg.Text[:1]) + seg.Text[1:] + ".",
			StartMS: seg.StartMS,
			EndMS:   seg.EndMS,
		}
	}
	return out, nil
}

type namedProvider string

func (p namedProvider) Name() string { return string(p) }

func (namedProvider) NewStream(context.Context, stt.StreamConfig) (stt.Stream, error) {
	return nil, stt.ErrStreamClosed
}

// metricValue reads one counter series from the process registry.
func metricValue(t *testing.T, name, label string) float64 {
	t.Helper()
	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

type countingStore struct {
	store.Store
	mu    sync.Mutex
	saves int
}

func (c *countingStore) CreateConversation(ctx context.Context, conv store.Conversation) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.Store.CreateConversation(ctx, conv)
}

func (c *countingStore) saveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

type serverMessage struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type harness struct {
	t      *testing.T
	client *websocket.Conn
	sess   *Session
	runErr chan error
	dec    *fakeDecoder
	tr     *fakeTranscriber
	engine *fakeEngine
	store  *countingStore
}

type harnessOption func(*Dependencies)

func newHarness(t *testing.T, cfg Config, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		runErr: make(chan error, 1),
		dec:    newFakeDecoder(),
		tr:     newFakeTranscriber(),
		engine: &fakeEngine{actions: []detect.Action{{Type: detect.ActionTodo, Inner: detect.Inner{Title: "Call the dentist"}}}},
		store:  &countingStore{Store: store.NewMemory()},
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.FinalizeTimeout == 0 {
		cfg.FinalizeTimeout = 2 * time.Second
	}

	ready := make(chan *Session, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		deps := Dependencies{
			Conn:           conn,
			ConversationID: "6f1c1a52-8d0e-4c37-9d7a-2b7a4d9c0e11",
			UserID:         "user-1",
			Decoder:        h.dec,
			Transcriber:    h.tr,
			Detector:       h.engine,
			Store:          h.store,
			Config:         cfg,
		}
		for _, opt := range opts {
			opt(&deps)
		}
		sess, err := New(deps)
		if err != nil {
			t.Errorf("New() error: %v", err)
			close(ready)
			return
		}
		ready <- sess
		h.runErr <- sess.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	h.client = client

	select {
	case h.sess = <-ready:
		require.NotNil(t, h.sess)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not created")
	}
	return h
}

func (h *harness) send(v any) {
	h.t.Helper()
	require.NoError(h.t, h.client.WriteJSON(v))
}

func (h *harness) sendAudio(b []byte) {
	h.send(map[string]string{"type": protocol.TypeAudio, "data": base64.StdEncoding.EncodeToString(b)})
}

// next reads one message. It returns a close error when the server closed the
// stream.
func (h *harness) next() (serverMessage, *websocket.CloseError) {
	h.t.Helper()
	require.NoError(h.t, h.client.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := h.client.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		require.ErrorAs(h.t, err, &ce)
		return serverMessage{}, ce
	}
	var msg serverMessage
	require.NoError(h.t, json.Unmarshal(data, &msg))
	return msg, nil
}

func (h *harness) expect(typ string) serverMessage {
	h.t.Helper()
	msg, ce := h.next()
	require.Nil(h.t, ce, "stream closed while waiting for %s", typ)
	require.Equal(h.t, typ, msg.Type, "message: %+v", msg)
	return msg
}

// drain reads until the close frame and returns the messages seen before it.
func (h *harness) drain() ([]serverMessage, *websocket.CloseError) {
	h.t.Helper()
	var msgs []serverMessage
	for {
		msg, ce := h.next()
		if ce != nil {
			return msgs, ce
		}
		msgs = append(msgs, msg)
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatal("session did not finish")
		return nil
	}
}

func countType(msgs []serverMessage, typ string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestSessionCompleteFinalizesWithoutReemittingActions(t *testing.T) {
	todosBefore := metricValue(t, "oto_actions_detected_total", string(detect.ActionTodo))
	h := newHarness(t, Config{})

	h.sendAudio([]byte{1, 2, 3})
	require.Eventually(t, func() bool { return len(h.tr.audioBytes()) == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, h.tr.audioBytes())

	h.tr.final(dentistLine, 0, 2000)

	msg := h.expect(protocol.TypeTranscribe)
	var td protocol.TranscribeData
	require.NoError(t, json.Unmarshal(msg.Data, &td))
	assert.Equal(t, dentistLine, td.Transcript)
	assert.True(t, td.Finalized)
	assert.Equal(t, int64(2000), td.AudioEnd)

	msg = h.expect(protocol.TypeDetectAction)
	var action detect.Action
	require.NoError(t, json.Unmarshal(msg.Data, &action))
	assert.Equal(t, detect.ActionTodo, action.Type)
	assert.Equal(t, "Call the dentist", action.Inner.Title)

	h.send(map[string]string{"type": protocol.TypeComplete})
	rest, ce := h.drain()
	assert.Zero(t, countType(rest, protocol.TypeDetectAction), "messages after complete: %+v", rest)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, protocol.CloseReasonCompleted, ce.Text)

	require.NoError(t, h.wait())
	assert.Equal(t, StateClosed, h.sess.State())

	detects, summaries := h.engine.counts()
	assert.GreaterOrEqual(t, detects, 2, "final pass must run")
	assert.Equal(t, 1, summaries)

	ctx := context.Background()
	conv, err := h.store.GetConversation(ctx, h.sess.conversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusArchived, conv.Status)
	assert.Equal(t, "Dentist reminder", conv.Title)
	assert.Equal(t, dentistLine, conv.Transcript)
	assert.Equal(t, "user-1", conv.UserID)
	require.Len(t, conv.Segments, 1)

	actions, err := h.store.ListActions(ctx, h.sess.conversationID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, detect.StatusPending, actions[0].Action.Status)

	logs, err := h.store.ListConversationLogs(ctx, h.sess.conversationID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.True(t, h.dec.isClosed())

	assert.Equal(t, todosBefore+1, metricValue(t, "oto_actions_detected_total", string(detect.ActionTodo)),
		"one emitted action is counted once")
}

func TestSessionConnectFailureSendsOneError(t *testing.T) {
	h := newHarness(t, Config{}, func(d *Dependencies) {
		d.Transcriber.(*fakeTranscriber).startErr = &stt.Error{Provider: stt.ProviderAssemblyAI, Op: "connect", Message: "refused"}
	})

	msgs, ce := h.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	assert.Equal(t, "transcription_unavailable", msgs[0].Code)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)

	err := h.wait()
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "connect", serr.Op)
	var sttErr *stt.Error
	assert.ErrorAs(t, err, &sttErr)
	assert.Equal(t, StateError, h.sess.State())
	assert.True(t, h.dec.isClosed())

	_, err = h.store.GetConversation(context.Background(), h.sess.conversationID)
	assert.True(t, store.IsNotFound(err))
}

func TestSessionIdleTimeoutFinalizesOnce(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 80 * time.Millisecond})

	h.tr.final(dentistLine, 0, 2000)
	msgs, ce := h.drain()
	assert.Equal(t, 1, countType(msgs, protocol.TypeTranscribe))
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, h.wait())

	// A late shutdown must not finalize again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sess.Shutdown(ctx))

	assert.Equal(t, 1, h.store.saveCount())
	stops, _ := h.tr.counts()
	assert.Equal(t, 1, stops)
	_, summaries := h.engine.counts()
	assert.Equal(t, 1, summaries)
}

func TestSessionShutdownClosesGoingAway(t *testing.T) {
	h := newHarness(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- h.sess.Shutdown(ctx) }()

	_, ce := h.drain()
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, protocol.CloseReasonShutdown, ce.Text)
	require.NoError(t, <-shutdownErr)
	assert.Equal(t, StateClosed, h.sess.State())
}

func TestSessionTerminalTranscriptionErrorDegrades(t *testing.T) {
	h := newHarness(t, Config{})

	h.tr.final("hello there", 0, 500)
	h.expect(protocol.TypeTranscribe)
	h.tr.emit(transcription.Event{Type: stt.EventError, Terminal: true, Err: errors.New("reconnect exhausted")})

	msgs, ce := h.drain()
	require.Equal(t, 1, countType(msgs, protocol.TypeError))
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)

	err := h.wait()
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "transcription", serr.Op)
	assert.Equal(t, StateError, h.sess.State())

	conv, err := h.store.GetConversation(context.Background(), h.sess.conversationID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", conv.Transcript)
	assert.Equal(t, detect.FallbackTitle, conv.Title)
	_, summaries := h.engine.counts()
	assert.Zero(t, summaries)
}

func TestSessionDecodeErrorDegrades(t *testing.T) {
	h := newHarness(t, Config{})
	h.dec.mu.Lock()
	h.dec.writeErr = &decode.Error{Op: "demux", Err: decode.ErrNotWebM}
	h.dec.mu.Unlock()

	h.sendAudio([]byte("not webm"))
	msgs, ce := h.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, "decode_failed", msgs[0].Code)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)

	err := h.wait()
	assert.True(t, decode.IsDecodeError(err))
	assert.Equal(t, StateError, h.sess.State())
}

func TestSessionProtocolErrorKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(map[string]string{"type": "bogus"})
	msg := h.expect(protocol.TypeError)
	assert.Equal(t, "bad_request", msg.Code)

	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte{1}))
	h.expect(protocol.TypeError)

	h.send(map[string]string{"type": protocol.TypeComplete})
	_, ce := h.drain()
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, h.wait())
}

func TestSessionRateLimitEndsSession(t *testing.T) {
	h := newHarness(t, Config{MaxAudioFPS: 1, InboundBurstSeconds: 1})

	h.sendAudio([]byte{1})
	h.sendAudio([]byte{2})
	msgs, ce := h.drain()
	require.Equal(t, 1, countType(msgs, protocol.TypeError))
	assert.Equal(t, "rate_limited", msgs[len(msgs)-1].Code)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	require.Error(t, h.wait())
}

func TestSessionRelaysTranscriptsInOrder(t *testing.T) {
	h := newHarness(t, Config{DetectMinChars: 1000})

	h.tr.partial("one")
	h.tr.final("one two", 0, 800)
	h.tr.final("three", 900, 1200)

	var got []protocol.TranscribeData
	for i := 0; i < 3; i++ {
		msg := h.expect(protocol.TypeTranscribe)
		var td protocol.TranscribeData
		require.NoError(t, json.Unmarshal(msg.Data, &td))
		got = append(got, td)
	}
	assert.Equal(t, "one", got[0].Transcript)
	assert.False(t, got[0].Finalized)
	assert.Equal(t, "one two", got[1].Transcript)
	assert.Equal(t, "three", got[2].Transcript)
	assert.True(t, got[2].Finalized)

	h.send(map[string]string{"type": protocol.TypeComplete})
	_, ce := h.drain()
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, h.wait())

	conv, err := h.store.GetConversation(context.Background(), h.sess.conversationID)
	require.NoError(t, err)
	assert.Equal(t, "one two three", conv.Transcript)
	detects, _ := h.engine.counts()
	assert.Zero(t, detects, "below the minimum length detection is skipped")
}

func TestSessionsAreIsolated(t *testing.T) {
	failing := newHarness(t, Config{})
	healthy := newHarness(t, Config{})

	failing.tr.emit(transcription.Event{Type: stt.EventError, Terminal: true, Err: errors.New("boom")})
	_, ce := failing.drain()
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	require.Error(t, failing.wait())

	healthy.tr.final("still going", 0, 400)
	healthy.expect(protocol.TypeTranscribe)
	healthy.send(map[string]string{"type": protocol.TypeComplete})
	_, ce = healthy.drain()
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, healthy.wait())

	assert.Equal(t, StateError, failing.sess.State())
	assert.Equal(t, StateClosed, healthy.sess.State())
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
}

func TestDetectionWorkerKeepsLatestExcerpt(t *testing.T) {
	w := newDetectionWorker(context.Background(), detect.Nop{}, nil)
	w.submit(detect.Excerpt{Text: "first"})
	w.submit(detect.Excerpt{Text: "second"})
	require.Len(t, w.in, 1)
	assert.Equal(t, "second", (<-w.in).Text)

	w.submit(detect.Excerpt{Text: "third"})
	w.stop()
	w.submit(detect.Excerpt{Text: "ignored"})
	go w.run()
	_, ok := <-w.results
	assert.False(t, ok, "stop discards the queued excerpt")
}

// failingOpus rejects every packet.
type failingOpus struct{}

func (failingOpus) Decode([]byte, []int16) (int, error) {
	return 0, errors.New("corrupt opus frame")
}

func ebmlElement(id []byte, payload ...[]byte) []byte {
	var body []byte
	for _, p := range payload {
		body = append(body, p...)
	}
	out := append([]byte{}, id...)
	out = append(out, 0x01, 0, 0, 0, 0, 0, 0, 0)
	for i := 0; i < 7; i++ {
		out[len(id)+1+i] = byte(uint64(len(body)) >> (8 * (6 - i)))
	}
	return append(out, body...)
}

// opusWebM is a minimal WebM stream with one Opus track and n SimpleBlocks.
func opusWebM(n int) []byte {
	track := ebmlElement([]byte{0xAE},
		ebmlElement([]byte{0xD7}, []byte{0x01}),
		ebmlElement([]byte{0x86}, []byte("A_OPUS")),
	)
	cluster := [][]byte{ebmlElement([]byte{0xE7}, []byte{0x00})}
	for i := 0; i < n; i++ {
		cluster = append(cluster, ebmlElement([]byte{0xA3}, []byte{0x81, 0x00, 0x00, 0x80, 0x00, 0x10}))
	}
	return append(
		ebmlElement([]byte{0x1A, 0x45, 0xDF, 0xA3}, ebmlElement([]byte{0x42, 0x82}, []byte("webm"))),
		ebmlElement([]byte{0x18, 0x53, 0x80, 0x67},
			ebmlElement([]byte{0x16, 0x54, 0xAE, 0x6B}, track),
			ebmlElement([]byte{0x1F, 0x43, 0xB6, 0x75}, cluster...),
		)...,
	)
}

func TestSessionCorruptOpusDegradesWithRealDecoder(t *testing.T) {
	dec, err := decode.New(decode.Options{
		NewPacketDecoder: func(int, int) (decode.PacketDecoder, error) { return failingOpus{}, nil },
	})
	require.NoError(t, err)
	h := newHarness(t, Config{}, func(d *Dependencies) { d.Decoder = dec })

	h.sendAudio(opusWebM(3))
	msgs, ce := h.drain()
	require.Equal(t, 1, countType(msgs, protocol.TypeError), "messages: %+v", msgs)
	assert.Equal(t, "decode_failed", msgs[len(msgs)-1].Code)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)

	err = h.wait()
	assert.True(t, decode.IsDecodeError(err), "err=%v", err)
	var de *decode.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "opus", de.Op)
	assert.Equal(t, StateError, h.sess.State())
	assert.Empty(t, h.tr.audioBytes())
}

func TestSessionIdleTimeoutIgnoresNonAudioTraffic(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 150 * time.Millisecond})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(40 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				if err := h.client.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
					return
				}
			}
		}
	}()

	start := time.Now()
	msgs, ce := h.drain()
	assert.Less(t, time.Since(start), time.Second, "invalid frames must not keep the session alive")
	assert.Equal(t, countType(msgs, protocol.TypeError), len(msgs))
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, h.wait())
	assert.Equal(t, StateClosed, h.sess.State())
}

func TestSessionIdleTimeoutResetByAudio(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 150 * time.Millisecond})

	for i := 0; i < 8; i++ {
		h.sendAudio([]byte{byte(i)})
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, StateActive, h.sess.State())

	h.send(map[string]string{"type": protocol.TypeComplete})
	_, ce := h.drain()
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, h.wait())
	assert.Len(t, h.tr.audioBytes(), 16)
}

func TestSessionSwitchProvider(t *testing.T) {
	h := newHarness(t, Config{})
	require.Eventually(t, func() bool { return h.sess.State() == StateActive }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.sess.SwitchProvider(ctx, namedProvider(stt.ProviderCartesia)))
	assert.Equal(t, []string{stt.ProviderCartesia}, h.tr.switched())

	h.tr.mu.Lock()
	h.tr.switchErr = transcription.ErrInvalidState
	h.tr.mu.Unlock()
	err := h.sess.SwitchProvider(ctx, namedProvider(stt.ProviderGoogleCloud))
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "switch", serr.Op)
	assert.ErrorIs(t, err, transcription.ErrInvalidState)

	h.send(map[string]string{"type": protocol.TypeComplete})
	_, ce := h.drain()
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, h.wait())

	err = h.sess.SwitchProvider(ctx, namedProvider(stt.ProviderCartesia))
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Len(t, h.tr.switched(), 1)
}

func TestSessionSendsBeautifiedTranscriptOnComplete(t *testing.T) {
	h := newHarness(t, Config{DetectMinChars: 1000}, func(d *Dependencies) {
		d.Detector = cleaningEngine{fakeEngine: d.Detector.(*fakeEngine)}
	})

	h.tr.final("shall we meet friday", 0, 1500)
	h.tr.final("friday works", 1600, 2400)
	h.expect(protocol.TypeTranscribe)
	h.expect(protocol.TypeTranscribe)

	h.send(map[string]string{"type": protocol.TypeComplete})
	msgs, ce := h.drain()
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, h.wait())

	require.Equal(t, 1, countType(msgs, protocol.TypeBeautify), "messages: %+v", msgs)
	var data protocol.BeautifyData
	for _, m := range msgs {
		if m.Type == protocol.TypeBeautify {
			require.NoError(t, json.Unmarshal(m.Data, &data))
		}
	}
	assert.Equal(t, "Shall we meet friday.\nFriday works.", data.Transcript)
	assert.Equal(t, int64(0), data.AudioStart)
	assert.Equal(t, int64(2400), data.AudioEnd)
	assert.Equal(t, []protocol.BeautifySegment{
		{Speaker: "A", Transcript: "Shall we meet friday.", AudioStart: 0, AudioEnd: 1500},
		{Speaker: "B", Transcript: "Friday works.", AudioStart: 1600, AudioEnd: 2400},
	}, data.Segments)
}

func TestSessionSkipsBeautifyWithoutBeautifier(t *testing.T) {
	h := newHarness(t, Config{DetectMinChars: 1000})

	h.tr.final("hello", 0, 500)
	h.expect(protocol.TypeTranscribe)
	h.send(map[string]string{"type": protocol.TypeComplete})
	msgs, _ := h.drain()
	require.NoError(t, h.wait())
	assert.Zero(t, countType(msgs, protocol.TypeBeautify))
}

func TestEnqueuePriorityCountsEvictions(t *testing.T) {
	s := &Session{
		logger:           slog.New(slog.DiscardHandler),
		outboundPriority: make(chan outboundFrame, 2),
	}
	before := metricValue(t, "oto_dropped_total", "priority_evicted")

	require.NoError(t, s.sendError("first", "one"))
	require.NoError(t, s.sendError("second", "two"))
	require.NoError(t, s.sendError("third", "three"))

	assert.Equal(t, before+1, metricValue(t, "oto_dropped_total", "priority_evicted"))
	require.Len(t, s.outboundPriority, 2)
	assert.Contains(t, string((<-s.outboundPriority).textPayload), `"code":"second"`)
	assert.Contains(t, string((<-s.outboundPriority).textPayload), `"code":"third"`)
}
