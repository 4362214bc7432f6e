package stt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsEventBuffer      = 100
)

type wsMessage struct {
	kind    int
	payload []byte
}

// wsCodec adapts one backend's websocket protocol to the shared stream.
type wsCodec struct {
	// encodeAudio frames a PCM chunk for the wire.
	encodeAudio func(pcm []byte) (wsMessage, error)
	// finalize is written once by Finalize.
	finalize []wsMessage
	// decode maps one inbound message to zero or more events. done reports
	// that the backend ended the session.
	decode func(data []byte) (events []Event, done bool)
}

// wsStream is a Stream over a gorilla websocket connection.
type wsStream struct {
	provider string
	conn     *websocket.Conn
	codec    wsCodec
	events   chan Event

	closed    atomic.Bool
	finalized atomic.Bool
	writeMu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func dialWebsocket(ctx context.Context, dialer *websocket.Dialer, provider, rawURL string, headers http.Header) (*websocket.Conn, error) {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			msg := fmt.Sprintf("websocket connect: %v", err)
			if len(body) > 0 {
				msg = fmt.Sprintf("websocket connect: %s", string(body))
			}
			return nil, connectError(provider, resp.StatusCode, msg, err)
		}
		return nil, connectError(provider, 0, "", fmt.Errorf("websocket connect: %w", err))
	}
	return conn, nil
}

func newWSStream(ctx context.Context, provider string, conn *websocket.Conn, codec wsCodec) *wsStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &wsStream{
		provider: provider,
		conn:     conn,
		codec:    codec,
		events:   make(chan Event, wsEventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	context.AfterFunc(ctx, func() { _ = conn.Close() })
	go s.readLoop()
	return s
}

func (s *wsStream) readLoop() {
	defer close(s.events)

	reason := "closed"
	defer func() {
		select {
		case s.events <- Event{Type: EventDisconnected, Provider: s.provider, Reason: reason}:
		default:
		}
	}()

	if !s.emit(Event{Type: EventConnected}) {
		return
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			reason = err.Error()
			s.emit(Event{Type: EventError, Err: &Error{Provider: s.provider, Op: "receive", Cause: err, Retryable: true}})
			return
		}

		evs, done := s.codec.decode(data)
		for _, ev := range evs {
			if !s.emit(ev) {
				return
			}
		}
		if done {
			reason = "finished"
			return
		}
	}
}

func (s *wsStream) emit(ev Event) bool {
	ev.Provider = s.provider
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *wsStream) write(msg wsMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(msg.kind, msg.payload)
}

// SendAudio sends one PCM chunk.
func (s *wsStream) SendAudio(pcm []byte) error {
	if s.closed.Load() || s.finalized.Load() {
		return ErrStreamClosed
	}
	msg, err := s.codec.encodeAudio(pcm)
	if err != nil {
		return &Error{Provider: s.provider, Op: "send", Cause: err}
	}
	if err := s.write(msg); err != nil {
		return &Error{Provider: s.provider, Op: "send", Cause: err, Retryable: true}
	}
	return nil
}

// Finalize writes the backend's end-of-input messages once.
func (s *wsStream) Finalize() error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if s.finalized.Swap(true) {
		return nil
	}
	for _, msg := range s.codec.finalize {
		if err := s.write(msg); err != nil {
			return &Error{Provider: s.provider, Op: "finalize", Cause: err}
		}
	}
	return nil
}

// Events returns the stream's event channel.
func (s *wsStream) Events() <-chan Event {
	return s.events
}

// Close closes the websocket without waiting for pending transcripts.
func (s *wsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.cancel()
	return nil
}
