package transcription

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

// fakeProvider hands out fakeStreams. The first failConnects dials fail.
type fakeProvider struct {
	name         string
	failConnects int
	// buffered makes streams hold finals until Finalize, like a backend that
	// only commits on flush.
	buffered bool
	// finalizeGate, when set, blocks Finalize until closed.
	finalizeGate chan struct{}

	mu       sync.Mutex
	attempts int
	streams  []*fakeStream
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failConnects {
		return nil, &stt.Error{Provider: p.name, Op: "connect", Retryable: true, Cause: errors.New("dial refused")}
	}
	s := &fakeStream{
		provider: p.name,
		buffered: p.buffered,
		gate:     p.finalizeGate,
		events:   make(chan stt.Event, 64),
	}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *fakeProvider) Stream(i int) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

// fakeStream turns every PCM chunk into one final segment whose text is the
// chunk with trailing zero padding removed. Each chunk covers len/32 ms.
type fakeStream struct {
	provider string
	buffered bool
	gate     chan struct{}

	mu       sync.Mutex
	events   chan stt.Event
	closed   bool
	received [][]byte
	pending  []stt.Segment
	clockMS  int64
}

func (s *fakeStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrStreamClosed
	}
	s.received = append(s.received, pcm)
	text := string(bytes.TrimRight(pcm, "\x00"))
	start := s.clockMS
	s.clockMS += int64(len(pcm) / 32)
	seg := stt.Segment{
		Text:         text,
		Confidence:   0.9,
		AudioStartMS: start,
		AudioEndMS:   s.clockMS,
		Words:        []stt.Word{{Text: text, StartMS: start, EndMS: s.clockMS}},
	}
	if s.buffered {
		s.pending = append(s.pending, seg)
		return nil
	}
	s.events <- stt.Event{Type: stt.EventPartial, Segment: seg}
	seg.Final = true
	s.events <- stt.Event{Type: stt.EventFinal, Segment: seg}
	return nil
}

func (s *fakeStream) Finalize() error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrStreamClosed
	}
	for _, seg := range s.pending {
		seg.Final = true
		s.events <- stt.Event{Type: stt.EventFinal, Segment: seg}
	}
	s.pending = nil
	s.closed = true
	close(s.events)
	return nil
}

func (s *fakeStream) Events() <-chan stt.Event { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Drop simulates the backend hanging up mid-stream.
func (s *fakeStream) Drop() {
	_ = s.Close()
}

func (s *fakeStream) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// pcmOf pads label to a 10 ms chunk at 16 kHz.
func pcmOf(label string) []byte {
	b := make([]byte, 320)
	copy(b, label)
	return b
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(svc *Service) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range svc.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) wait(timeout time.Duration) bool {
	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *eventLog) ofType(t stt.EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
