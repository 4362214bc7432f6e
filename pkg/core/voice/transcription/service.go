// Package transcription owns the live STT provider of one conversation and
// exposes provider-agnostic start, feed, stop and switch operations.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
	"github.com/vango-go/oto-voiceapi/pkg/metrics"
)

// State is the service lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

var (
	ErrAlreadyStreaming = errors.New("transcription: already streaming")
	ErrNotStreaming     = errors.New("transcription: not streaming")
	ErrInvalidState     = errors.New("transcription: invalid state")
	ErrAudioOverflow    = errors.New("transcription: audio queue full")
	ErrEventOverflow    = errors.New("transcription: event queue full")

	errQueueClosed = errors.New("transcription: event queue closed")
)

const (
	defaultConnectAttempts = 3
	defaultBackoffBase     = 500 * time.Millisecond
	defaultBackoffMax      = 5 * time.Second
	defaultAudioQueue      = 256
	defaultEventQueue      = 256
	defaultFinalizeTimeout = 5 * time.Second
)

var tracer = otel.Tracer("github.com/vango-go/oto-voiceapi/pkg/core/voice/transcription")

// Options configures a Service.
type Options struct {
	Provider stt.Provider
	Stream   stt.StreamConfig

	// ConnectAttempts is the total number of connection attempts made before
	// the service gives up and enters StateError.
	ConnectAttempts int
	BackoffBase     time.Duration
	BackoffMax      time.Duration

	AudioQueueSize  int
	EventQueueSize  int
	FinalizeTimeout time.Duration

	Logger *slog.Logger
}

// Event is a provider-agnostic transcription event. Terminal is set on the
// single error event emitted when the service enters StateError.
type Event struct {
	Type     stt.EventType
	Provider string
	Segment  stt.Segment
	Err      error
	Reason   string
	Terminal bool
}

// Service is the transcription facade for one conversation. Events are
// delivered in order on the channel returned by Events, which is closed once
// the service is stopped, failed or closed.
type Service struct {
	opts   Options
	logger *slog.Logger

	// ctlMu serializes Start, Stop, SwitchProvider and reconnects.
	ctlMu sync.Mutex

	mu        sync.Mutex
	state     State
	provider  stt.Provider
	active    *activeStream
	switching bool
	segments  []stt.Segment
	seq       int64
	offsetMS  int64
	carry     [][]byte
	err       error

	audio  chan []byte
	events *eventQueue
	out    chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	abort     chan struct{}
	abortOnce sync.Once
}

type activeStream struct {
	stream   stt.Stream
	provider string
	offsetMS int64
	sent     atomic.Int64

	haltOnce sync.Once
	halt     chan struct{}
	drain    bool
	sendDone chan struct{}
	recvDone chan struct{}

	finalizing atomic.Bool
	retired    bool // guarded by Service.mu
}

func (a *activeStream) stopSending(drain bool) {
	a.haltOnce.Do(func() {
		a.drain = drain
		close(a.halt)
	})
}

// New builds an idle service.
func New(opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, errors.New("transcription: provider is required")
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = defaultConnectAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.AudioQueueSize <= 0 {
		opts.AudioQueueSize = defaultAudioQueue
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = defaultEventQueue
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = defaultFinalizeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Service{
		opts:     opts,
		logger:   logger,
		state:    StateIdle,
		provider: opts.Provider,
		audio:    make(chan []byte, opts.AudioQueueSize),
		events:   newEventQueue(opts.EventQueueSize),
		out:      make(chan Event),
		abort:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.forwardEvents()
	return s, nil
}

// Events returns the ordered event channel.
func (s *Service) Events() <-chan Event {
	return s.out
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProviderName returns the name of the provider currently bound to the service.
func (s *Service) ProviderName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider.Name()
}

// Segments returns a copy of the finalized segments in arrival order.
func (s *Service) Segments() []stt.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stt.Segment(nil), s.segments...)
}

// Transcript returns the finalized segments joined into plain text.
func (s *Service) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptLocked()
}

func (s *Service) transcriptLocked() string {
	parts := make([]string, 0, len(s.segments))
	for _, seg := range s.segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}

// Start opens the provider stream. The stream lives until Stop or Close, or
// until ctx is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateStreaming:
		s.mu.Unlock()
		return ErrAlreadyStreaming
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, state)
	}
	s.state = StateConnecting
	provider := s.provider
	s.mu.Unlock()

	context.AfterFunc(ctx, s.cancel)

	if err := s.connect(provider); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// SendAudio queues one PCM chunk for the active provider. The slice is
// retained. Outside of streaming (or a provider switch) the call is a logged
// no-op returning ErrNotStreaming; a full queue returns ErrAudioOverflow.
func (s *Service) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming && !s.switching {
		s.logger.Debug("audio ignored outside streaming", "state", string(s.state), "bytes", len(pcm))
		return ErrNotStreaming
	}
	select {
	case s.audio <- pcm:
		return nil
	default:
		metrics.RecordDropped("audio_overflow", 1)
		return ErrAudioOverflow
	}
}

// Stop drains queued audio into the provider, waits for its final
// transcripts and returns the assembled transcript.
func (s *Service) Stop(ctx context.Context) (string, error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateStopped:
		text := s.transcriptLocked()
		s.mu.Unlock()
		return text, nil
	case StateError:
		text, err := s.transcriptLocked(), s.err
		s.mu.Unlock()
		return text, err
	case StateIdle:
		s.state = StateStopped
		s.mu.Unlock()
		s.events.close()
		return "", nil
	}
	s.state = StateStopping
	active := s.active
	s.mu.Unlock()

	if active != nil {
		s.retire(ctx, active, true)
	}

	s.mu.Lock()
	if s.state == StateError {
		text, err := s.transcriptLocked(), s.err
		s.mu.Unlock()
		return text, err
	}
	s.state = StateStopped
	s.active = nil
	text := s.transcriptLocked()
	s.mu.Unlock()

	if active != nil {
		_, _ = s.events.push(Event{Type: stt.EventDisconnected, Provider: active.provider, Reason: "stopped"}, true)
	}
	s.events.close()
	s.cancel()
	return text, nil
}

// SwitchProvider drains the current provider, collecting its pending final
// transcripts, then connects next and resumes streaming. Audio submitted
// during the switch is queued and forwarded to next.
func (s *Service) SwitchProvider(ctx context.Context, next stt.Provider) error {
	if next == nil {
		return errors.New("transcription: provider is required")
	}
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot switch from %s", ErrInvalidState, state)
	}
	old := s.active
	s.state = StateStopping
	s.switching = true
	s.mu.Unlock()

	s.retire(ctx, old, false)

	s.mu.Lock()
	if s.state == StateError {
		err := s.err
		s.mu.Unlock()
		return err
	}
	from := s.provider.Name()
	s.provider = next
	s.active = nil
	s.state = StateConnecting
	s.mu.Unlock()

	_, _ = s.events.push(Event{Type: stt.EventDisconnected, Provider: old.provider, Reason: "switch"}, true)
	s.logger.Info("switching stt provider", "from", from, "to", next.Name())
	metrics.RecordSTTSwitch(from, next.Name())

	if err := s.connect(next); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Close releases every resource without waiting for final transcripts and
// stops event delivery.
func (s *Service) Close() error {
	s.mu.Lock()
	active := s.active
	s.active = nil
	if s.state != StateError {
		s.state = StateStopped
	}
	s.switching = false
	s.mu.Unlock()

	if active != nil {
		active.finalizing.Store(true)
		active.stopSending(false)
		_ = active.stream.Close()
	}
	s.events.close()
	s.cancel()
	s.abortOnce.Do(func() { close(s.abort) })
	return nil
}

// connect dials the provider with bounded exponential backoff and installs the
// resulting stream.
func (s *Service) connect(provider stt.Provider) error {
	ctx, span := tracer.Start(s.ctx, "stt.connect",
		trace.WithAttributes(attribute.String("stt.provider", provider.Name())))
	defer span.End()

	b := retry.NewExponential(s.opts.BackoffBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(s.opts.BackoffMax, b)
	b = retry.WithMaxRetries(uint64(s.opts.ConnectAttempts-1), b)

	attempts := 0
	var stream stt.Stream
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		st, err := provider.NewStream(ctx, s.opts.Stream)
		metrics.RecordSTTConnect(provider.Name(), metrics.Status(err))
		if err != nil {
			s.logger.Warn("stt connect failed",
				"provider", provider.Name(),
				"attempt", attempts,
				"max_attempts", s.opts.ConnectAttempts,
				"err", err,
			)
			var sttErr *stt.Error
			if errors.As(err, &sttErr) && !sttErr.Retryable {
				return err
			}
			return retry.RetryableError(err)
		}
		stream = st
		return nil
	})
	span.SetAttributes(attribute.Int("stt.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		if !stt.IsConnectError(err) {
			err = &stt.Error{Provider: provider.Name(), Op: "connect", Cause: err}
		}
		return fmt.Errorf("connect %s after %d attempt(s): %w", provider.Name(), attempts, err)
	}

	s.mu.Lock()
	if s.state == StateStopped || s.state == StateError {
		s.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("%w: closed while connecting", ErrInvalidState)
	}
	a := &activeStream{
		stream:   stream,
		provider: provider.Name(),
		offsetMS: s.offsetMS,
		halt:     make(chan struct{}),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	s.active = a
	s.state = StateStreaming
	s.switching = false
	carry := s.carry
	s.carry = nil
	s.mu.Unlock()

	s.logger.Info("stt connected", "provider", a.provider, "attempts", attempts)
	_, _ = s.events.push(Event{Type: stt.EventConnected, Provider: a.provider}, true)

	go s.sendLoop(a, carry)
	go s.recvLoop(a)
	return nil
}

// retire stops forwarding to a, asks the provider for its final output and
// waits for it within FinalizeTimeout. With drain set, queued audio is flushed
// to a first; otherwise it stays queued for the next stream.
func (s *Service) retire(ctx context.Context, a *activeStream, drain bool) {
	a.stopSending(drain)
	<-a.sendDone

	a.finalizing.Store(true)
	if err := a.stream.Finalize(); err != nil {
		s.logger.Warn("stt finalize failed", "provider", a.provider, "err", err)
	}
	if !waitFor(ctx, a.recvDone, s.opts.FinalizeTimeout) {
		s.logger.Warn("stt final transcripts timed out", "provider", a.provider, "timeout", s.opts.FinalizeTimeout)
	}
	_ = a.stream.Close()
	waitFor(ctx, a.recvDone, time.Second)

	s.mu.Lock()
	a.retired = true
	s.offsetMS = a.offsetMS + bytesToMS(a.sent.Load(), s.sampleRate())
	s.mu.Unlock()
}

func (s *Service) sampleRate() int {
	if s.opts.Stream.SampleRate > 0 {
		return s.opts.Stream.SampleRate
	}
	return stt.DefaultSampleRate
}

func (s *Service) sendLoop(a *activeStream, carry [][]byte) {
	defer close(a.sendDone)

	for _, pcm := range carry {
		if !s.forward(a, pcm) {
			return
		}
	}
	for {
		select {
		case <-a.halt:
			if !a.drain {
				return
			}
			for {
				select {
				case pcm := <-s.audio:
					if !s.forward(a, pcm) {
						return
					}
				default:
					return
				}
			}
		case pcm := <-s.audio:
			if !s.forward(a, pcm) {
				return
			}
		}
	}
}

// forward sends pcm to a. On failure the chunk is kept for the next stream and
// the sender stops.
func (s *Service) forward(a *activeStream, pcm []byte) bool {
	if err := a.stream.SendAudio(pcm); err != nil {
		s.mu.Lock()
		s.carry = append(s.carry, pcm)
		s.mu.Unlock()
		if !a.finalizing.Load() {
			s.logger.Warn("stt send failed", "provider", a.provider, "err", err)
		}
		return false
	}
	a.sent.Add(int64(len(pcm)))
	return true
}

func (s *Service) recvLoop(a *activeStream) {
	defer close(a.recvDone)

	for ev := range a.stream.Events() {
		switch ev.Type {
		case stt.EventPartial:
			seg := ev.Segment.Shift(a.offsetMS)
			seg.Provider = a.provider
			seg.Final = false
			metrics.RecordSTTSegment(a.provider, false)
			dropped, _ := s.events.push(Event{Type: stt.EventPartial, Provider: a.provider, Segment: seg}, false)
			metrics.RecordDropped("partial", dropped)

		case stt.EventFinal:
			metrics.RecordSTTSegment(a.provider, true)
			if err := s.appendFinal(a, ev.Segment); err != nil {
				s.fail(err)
				return
			}

		case stt.EventError:
			s.logger.Warn("stt provider error", "provider", a.provider, "err", ev.Err)
			_, _ = s.events.push(Event{Type: stt.EventError, Provider: a.provider, Err: ev.Err}, true)

		case stt.EventConnected, stt.EventDisconnected:
			s.logger.Debug("stt stream event", "provider", a.provider, "event", string(ev.Type), "reason", ev.Reason)
		}
	}

	if a.finalizing.Load() || s.ctx.Err() != nil {
		return
	}
	go s.reconnect(a)
}

func (s *Service) appendFinal(a *activeStream, raw stt.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.retired {
		s.logger.Warn("late final transcript dropped", "provider", a.provider, "text_len", len(raw.Text))
		return nil
	}
	seg := raw.Shift(a.offsetMS)
	seg.Provider = a.provider
	seg.Final = true
	s.seq++
	seg.Seq = s.seq
	s.segments = append(s.segments, seg)

	dropped, err := s.events.push(Event{Type: stt.EventFinal, Provider: a.provider, Segment: seg}, false)
	metrics.RecordDropped("partial", dropped)
	if errors.Is(err, ErrEventOverflow) {
		metrics.RecordDropped("event_overflow", 1)
		return err
	}
	return nil
}

// reconnect replaces a stream that ended without being finalized.
func (s *Service) reconnect(a *activeStream) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	if s.active != a || s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.switching = true
	provider := s.provider
	s.mu.Unlock()

	s.logger.Warn("stt stream ended unexpectedly; reconnecting", "provider", a.provider)
	a.finalizing.Store(true)
	a.stopSending(false)
	<-a.sendDone
	_ = a.stream.Close()

	s.mu.Lock()
	a.retired = true
	s.offsetMS = a.offsetMS + bytesToMS(a.sent.Load(), s.sampleRate())
	s.active = nil
	s.mu.Unlock()

	_, _ = s.events.push(Event{Type: stt.EventDisconnected, Provider: a.provider, Reason: "dropped"}, true)
	if err := s.connect(provider); err != nil {
		s.fail(err)
	}
}

// fail moves the service to StateError and emits the single terminal error.
func (s *Service) fail(err error) {
	s.mu.Lock()
	if s.state == StateError {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.err = err
	s.switching = false
	active := s.active
	s.active = nil
	s.mu.Unlock()

	s.logger.Error("transcription failed", "err", err)
	if active != nil {
		active.finalizing.Store(true)
		active.stopSending(false)
		_ = active.stream.Close()
	}
	_, _ = s.events.push(Event{Type: stt.EventError, Err: err, Terminal: true}, true)
	s.events.close()
	s.cancel()
}

// Err returns the terminal error, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Service) forwardEvents() {
	defer close(s.out)
	for {
		ev, ok, closed := s.events.pop()
		if ok {
			select {
			case s.out <- ev:
				continue
			case <-s.abort:
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-s.events.notify:
		case <-s.abort:
			return
		}
	}
}

func waitFor(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	}
}

func bytesToMS(n int64, sampleRate int) int64 {
	bytesPerMS := int64(sampleRate) * 2 / 1000
	if bytesPerMS <= 0 {
		return 0
	}
	return n / bytesPerMS
}
