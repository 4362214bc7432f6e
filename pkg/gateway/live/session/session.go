// Package session runs one live conversation over a websocket: it feeds the
// client's compressed audio through the decoder into transcription, streams
// transcripts and detected actions back, and finalizes the conversation
// exactly once.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/decode"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/transcription"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/lease"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/protocol"
	"github.com/vango-go/oto-voiceapi/pkg/metrics"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

const (
	outboundPriorityQueueSize = 32
	persistTimeout            = 10 * time.Second
)

// State is the session lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// Finalize reasons.
const (
	ReasonComplete   = "complete"
	ReasonDisconnect = "disconnect"
	ReasonIdle       = "idle"
	ReasonShutdown   = "shutdown"
)

// Transcriber is the transcription facade a session drives.
// *transcription.Service implements it.
type Transcriber interface {
	Start(ctx context.Context) error
	SendAudio(pcm []byte) error
	Stop(ctx context.Context) (string, error)
	Events() <-chan transcription.Event
	Segments() []stt.Segment
	SwitchProvider(ctx context.Context, next stt.Provider) error
	Close() error
}

// AudioDecoder turns the client's container stream into PCM.
// *decode.Decoder implements it.
type AudioDecoder interface {
	Write(chunk []byte) error
	End() error
	PCM() <-chan decode.PCMChunk
	Err() error
	Close() error
}

type Config struct {
	MaxAudioMessageBytes   int
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	IdleTimeout            time.Duration
	FinalizeTimeout        time.Duration
	DetectMinChars         int
	DetectWindowSegments   int
	LeaseRefreshInterval   time.Duration
	OutboundQueueSize      int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 30 * time.Second
	}
	if c.DetectMinChars <= 0 {
		c.DetectMinChars = 30
	}
	if c.DetectWindowSegments <= 0 {
		c.DetectWindowSegments = 100
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	return c
}

type Dependencies struct {
	Conn           *websocket.Conn
	Logger         *slog.Logger
	ConversationID string
	UserID         string
	RequestID      string
	Decoder        AudioDecoder
	Transcriber    Transcriber
	Detector       detect.Engine
	Store          store.Store
	Lease          lease.Lease
	Config         Config
	Now            func() time.Time
}

// Session is one live conversation. Run drives it; Shutdown and Cancel may be
// called from any goroutine.
type Session struct {
	conn           *websocket.Conn
	logger         *slog.Logger
	conversationID string
	userID         string
	decoder        AudioDecoder
	transcriber    Transcriber
	detector       detect.Engine
	store          store.Store
	lease          lease.Lease
	cfg            Config
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	err   error

	finalizeReq chan string
	done        chan struct{}

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	writerDone       chan struct{}

	// Owned by the Run goroutine.
	pcm      <-chan decode.PCMChunk
	events   <-chan transcription.Event
	segments []stt.Segment
	emitted  map[string]struct{}
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type outcome struct {
	reason string
	code   int
	text   string
	err    error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, errors.New("session: websocket connection is required")
	}
	if deps.Decoder == nil || deps.Transcriber == nil {
		return nil, errors.New("session: decoder and transcriber are required")
	}
	if deps.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if strings.TrimSpace(deps.ConversationID) == "" {
		return nil, errors.New("session: conversation id is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("conversation_id", deps.ConversationID)
	if deps.RequestID != "" {
		logger = logger.With("request_id", deps.RequestID)
	}
	detector := deps.Detector
	if detector == nil {
		detector = detect.Nop{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:             deps.Conn,
		logger:           logger,
		conversationID:   deps.ConversationID,
		userID:           deps.UserID,
		decoder:          deps.Decoder,
		transcriber:      deps.Transcriber,
		detector:         detector,
		store:            deps.Store,
		lease:            deps.Lease,
		cfg:              cfg,
		now:              now,
		ctx:              ctx,
		cancel:           cancel,
		state:            StateConnecting,
		finalizeReq:      make(chan string, 1),
		done:             make(chan struct{}),
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		writerDone:       make(chan struct{}),
		emitted:          make(map[string]struct{}),
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.logger.Debug("session state", "from", string(prev), "state", string(state))
	}
}

// Err returns the error Run finished with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Shutdown asks the session to finalize with the shutdown close reason and
// waits for Run to return. When ctx expires first the session is aborted.
func (s *Session) Shutdown(ctx context.Context) error {
	s.requestFinalize(ReasonShutdown)
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		s.cancel()
		return &Error{ConversationID: s.conversationID, Op: "shutdown", Err: ctx.Err()}
	}
}

// Cancel aborts the session without finalizing it.
func (s *Session) Cancel() {
	s.cancel()
}

// SwitchProvider moves live transcription to next. Transcripts pending on the
// current provider are still delivered and audio sent during the switch is
// forwarded to next. It may be called from any goroutine.
func (s *Session) SwitchProvider(ctx context.Context, next stt.Provider) error {
	if state := s.State(); state != StateActive {
		return &Error{ConversationID: s.conversationID, Op: "switch", Err: fmt.Errorf("%w: %s", ErrNotActive, state)}
	}
	if err := s.transcriber.SwitchProvider(ctx, next); err != nil {
		return &Error{ConversationID: s.conversationID, Op: "switch", Err: err}
	}
	s.logger.Info("stt provider switched", "provider", next.Name())
	return nil
}

func (s *Session) requestFinalize(reason string) {
	select {
	case s.finalizeReq <- reason:
	default:
	}
}

// Run drives the session until it is finalized or aborted. It returns nil
// after a clean finalize.
func (s *Session) Run() error {
	defer close(s.done)
	defer s.cancel()

	started := s.now()
	metrics.RecordSessionStart()
	s.logger.Info("live session started")

	go func() {
		defer close(s.writerDone)
		w := &outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		if err := w.Run(); err != nil {
			s.logger.Debug("live writer stopped", "err", err)
		}
	}()

	res := s.run()
	if res.code != 0 {
		s.sendClose(res.code, res.text)
	}

	s.mu.Lock()
	s.err = res.err
	state := s.state
	s.mu.Unlock()

	metrics.RecordSessionEnd(res.reason, string(state), s.now().Sub(started).Seconds())
	if res.err != nil {
		s.logger.Warn("live session ended", "reason", res.reason, "state", string(state), "err", res.err)
	} else {
		s.logger.Info("live session ended", "reason", res.reason, "state", string(state))
	}
	return res.err
}

func (s *Session) run() outcome {
	s.setState(StateConnecting)
	if err := s.transcriber.Start(s.ctx); err != nil {
		s.setState(StateError)
		s.logger.Error("transcription start failed", "err", err)
		_ = s.sendError("transcription_unavailable", "transcription provider unavailable")
		_ = s.transcriber.Close()
		_ = s.decoder.Close()
		return outcome{
			reason: "connect_failed",
			code:   websocket.CloseInternalServerErr,
			text:   "transcription unavailable",
			err:    &Error{ConversationID: s.conversationID, Op: "connect", Err: err},
		}
	}
	s.setState(StateActive)

	s.pcm = s.decoder.PCM()
	s.events = s.transcriber.Events()

	readCh := make(chan inboundFrame, 16)
	go s.readLoop(readCh)

	det := newDetectionWorker(s.ctx, s.detector, s.logger)
	go det.run()
	results := det.results

	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	var idle *time.Timer
	var idleC <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		idle = time.NewTimer(s.cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	var refreshC <-chan time.Time
	if s.lease != nil && s.cfg.LeaseRefreshInterval > 0 {
		ticker := time.NewTicker(s.cfg.LeaseRefreshInterval)
		defer ticker.Stop()
		refreshC = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return s.abort()
		case reason := <-s.finalizeReq:
			return s.finalize(det, reason, nil)
		case <-idleC:
			s.logger.Info("live session idle", "timeout", s.cfg.IdleTimeout)
			return s.finalize(det, ReasonIdle, nil)
		case <-s.writerDone:
			return s.finalize(det, ReasonDisconnect, nil)
		case <-refreshC:
			if err := s.lease.Refresh(s.ctx); err != nil {
				s.logger.Error("conversation lease refresh failed", "err", err)
			}
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				if frame.err != nil && !websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("live read failed", "err", frame.err)
				}
				return s.finalize(det, ReasonDisconnect, nil)
			}
			audio, err := s.handleInbound(frame, limiter)
			if err != nil {
				if errors.Is(err, errComplete) {
					return s.finalize(det, ReasonComplete, nil)
				}
				return s.finalize(det, "degraded", asFailure(err))
			}
			if audio && idle != nil {
				resetTimer(idle, s.cfg.IdleTimeout)
			}
		case chunk, ok := <-s.pcm:
			if !ok {
				s.pcm = nil
				if err := s.decoder.Err(); err != nil {
					return s.finalize(det, "degraded", decodeFailure(err))
				}
				continue
			}
			if f := s.forwardPCM(chunk); f != nil {
				return s.finalize(det, "degraded", f)
			}
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			if f := s.handleEvent(ev, det); f != nil {
				return s.finalize(det, "degraded", f)
			}
		case actions, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if f := s.publishActions(s.ctx, actions); f != nil {
				return s.finalize(det, "degraded", f)
			}
		}
	}
}

// handleInbound applies one client frame and reports whether it was audio the
// decoder accepted. Only accepted audio counts as activity for the idle timer.
func (s *Session) handleInbound(frame inboundFrame, limiter *inboundAudioLimiter) (bool, error) {
	if frame.messageType != websocket.TextMessage {
		_ = s.sendError("bad_request", "binary frames are not supported")
		return false, nil
	}

	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		code := "bad_request"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		_ = s.sendError(code, err.Error())
		return false, nil
	}

	switch m := msg.(type) {
	case protocol.ClientComplete:
		return false, errComplete
	case protocol.ClientAudio:
		if s.cfg.MaxAudioMessageBytes > 0 && len(m.Audio) > s.cfg.MaxAudioMessageBytes {
			return false, &failure{op: "inbound", code: "bad_request", message: "audio message exceeds max size",
				err: fmt.Errorf("audio message of %d bytes exceeds %d", len(m.Audio), s.cfg.MaxAudioMessageBytes)}
		}
		if !limiter.Allow(len(m.Audio)) {
			metrics.RecordDropped("audio_rate_limited", 1)
			return false, &failure{op: "inbound", code: "rate_limited", message: "inbound audio rate limit exceeded",
				err: errors.New("inbound audio rate limit exceeded")}
		}
		if err := s.decoder.Write(m.Audio); err != nil {
			return false, decodeFailure(err)
		}
		return true, nil
	}
	return false, nil
}

func (s *Session) forwardPCM(chunk decode.PCMChunk) *failure {
	err := s.transcriber.SendAudio(chunk.Bytes())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transcription.ErrNotStreaming):
		// The service is failing; its terminal event follows.
		return nil
	case errors.Is(err, transcription.ErrAudioOverflow):
		return &failure{op: "transcription", code: "backpressure", message: "transcription cannot keep up with audio", err: err}
	default:
		return &failure{op: "transcription", code: "transcription_failed", message: "transcription failed", err: err}
	}
}

func (s *Session) handleEvent(ev transcription.Event, det *detectionWorker) *failure {
	switch ev.Type {
	case stt.EventPartial:
		if err := s.sendJSON(protocol.Transcribe(transcribeData(ev.Segment, false))); err != nil {
			metrics.RecordDropped("partial_outbound", 1)
		}
	case stt.EventFinal:
		s.segments = append(s.segments, ev.Segment)
		if err := s.sendJSON(protocol.Transcribe(transcribeData(ev.Segment, true))); err != nil {
			return &failure{op: "outbound", code: "backpressure", message: "client is not reading fast enough", err: err}
		}
		if det != nil {
			if ex, ok := s.excerpt(s.segments); ok {
				det.submit(ex)
			}
		}
	case stt.EventError:
		if ev.Terminal {
			return &failure{op: "transcription", code: "transcription_unavailable", message: "transcription provider unavailable", err: ev.Err}
		}
		s.logger.Warn("stt provider error", "provider", ev.Provider, "err", ev.Err)
	case stt.EventConnected:
		s.logger.Debug("stt provider connected", "provider", ev.Provider)
	case stt.EventDisconnected:
		s.logger.Debug("stt provider disconnected", "provider", ev.Provider, "reason", ev.Reason)
	}
	return nil
}

// publishActions persists and emits actions not seen before in this
// conversation. Actions are matched by id and by type plus title.
func (s *Session) publishActions(ctx context.Context, actions []detect.Action) *failure {
	for _, a := range actions {
		key := a.Key()
		if _, ok := s.emitted[a.ID]; ok {
			continue
		}
		if _, ok := s.emitted[key]; ok {
			continue
		}
		a.Status = detect.StatusPending
		err := s.store.CreateAction(ctx, store.ActionRecord{
			ConversationID: s.conversationID,
			UserID:         s.userID,
			Action:         a,
		})
		if err != nil {
			s.logger.Error("persist action failed", "action_id", a.ID, "err", err)
			continue
		}
		s.emitted[a.ID] = struct{}{}
		s.emitted[key] = struct{}{}
		metrics.RecordActionDetected(string(a.Type))

		if err := s.sendJSON(protocol.DetectAction(a)); err != nil {
			return &failure{op: "outbound", code: "backpressure", message: "client is not reading fast enough", err: err}
		}
	}
	return nil
}

// excerpt is the detection window: the most recent finalized segments, when
// they carry enough text to be worth a model call.
func (s *Session) excerpt(segments []stt.Segment) (detect.Excerpt, bool) {
	if n := len(segments); n > s.cfg.DetectWindowSegments {
		segments = segments[n-s.cfg.DetectWindowSegments:]
	}
	text := transcription.JoinText(segments)
	if len([]rune(text)) < s.cfg.DetectMinChars {
		return detect.Excerpt{}, false
	}
	return detect.Excerpt{
		Text:    text,
		StartMS: segments[0].AudioStartMS,
		EndMS:   segments[len(segments)-1].AudioEndMS,
	}, true
}

func transcribeData(seg stt.Segment, final bool) protocol.TranscribeData {
	return protocol.TranscribeData{
		Transcript: seg.Text,
		Finalized:  final,
		Confidence: seg.Confidence,
		AudioStart: seg.AudioStartMS,
		AudioEnd:   seg.AudioEndMS,
	}
}

func decodeFailure(err error) *failure {
	return &failure{op: "decode", code: "decode_failed", message: "audio could not be decoded", err: err}
}

func asFailure(err error) *failure {
	var f *failure
	if errors.As(err, &f) {
		return f
	}
	return &failure{op: "inbound", code: "internal_error", message: "internal error", err: err}
}

func (f *failure) Error() string {
	return f.err.Error()
}

func (f *failure) Unwrap() error {
	return f.err
}

func (s *Session) sendError(code, message string) error {
	return s.sendJSONPriority(protocol.Error(code, message))
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *Session) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *Session) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueuePriority makes room by evicting the oldest priority frames. Every
// eviction is logged and counted.
func (s *Session) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case old := <-s.outboundPriority:
			metrics.RecordDropped("priority_evicted", 1)
			s.logger.Warn("outbound priority queue full, evicted oldest message", "payload", string(old.textPayload))
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// sendClose queues the close frame behind every pending message and waits for
// the writer to send it.
func (s *Session) sendClose(code int, reason string) {
	t := time.NewTimer(s.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case s.outboundNormal <- outboundFrame{close: &closeFrame{code: code, reason: reason}}:
	case <-s.writerDone:
		return
	case <-s.ctx.Done():
		return
	case <-t.C:
		return
	}
	select {
	case <-s.writerDone:
	case <-s.ctx.Done():
	case <-t.C:
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
