package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	cartesiaWebsocketURL = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion      = "2025-04-16"
)

// CartesiaProvider implements Provider using Cartesia's streaming STT websocket.
type CartesiaProvider struct {
	apiKey  string
	baseURL string
	dialer  *websocket.Dialer
}

// NewCartesia creates a new Cartesia STT provider.
func NewCartesia(apiKey string, opts ...Option) *CartesiaProvider {
	o := applyOptions(opts)
	baseURL := o.baseURL
	if baseURL == "" {
		baseURL = cartesiaWebsocketURL
	}
	return &CartesiaProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		dialer:  o.dialer,
	}
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return ProviderCartesia
}

// NewStream opens a streaming STT session via WebSocket.
func (c *CartesiaProvider) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	cfg = cfg.withDefaults()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, connectError(ProviderCartesia, 0, "parse websocket URL", err)
	}

	q := u.Query()
	model := cfg.Model
	if model == "" {
		model = "ink-whisper"
	}
	q.Set("model", model)
	q.Set("language", cfg.Language)
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	q.Set("min_volume", "0.01")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	conn, err := dialWebsocket(ctx, c.dialer, ProviderCartesia, u.String(), headers)
	if err != nil {
		return nil, err
	}

	return newWSStream(ctx, ProviderCartesia, conn, wsCodec{
		encodeAudio: func(pcm []byte) (wsMessage, error) {
			return wsMessage{kind: websocket.BinaryMessage, payload: pcm}, nil
		},
		finalize: []wsMessage{
			{kind: websocket.TextMessage, payload: []byte("finalize")},
			{kind: websocket.TextMessage, payload: []byte("done")},
		},
		decode: decodeCartesia,
	}), nil
}

type cartesiaSTTResponse struct {
	Type     string  `json:"type"`     // "transcript", "flush_done", "done", "error"
	Text     string  `json:"text"`     // Transcribed text
	IsFinal  bool    `json:"is_final"` // Whether this is final
	Duration float64 `json:"duration"` // Audio duration
	Language string  `json:"language"` // Detected language
	Error    string  `json:"error"`    // Error message if type is "error"
	Message  string  `json:"message"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

func decodeCartesia(data []byte) ([]Event, bool) {
	var msg cartesiaSTTResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}

	switch msg.Type {
	case "transcript":
		if strings.TrimSpace(msg.Text) == "" {
			return nil, false
		}
		seg := Segment{
			Text:       strings.TrimSpace(msg.Text),
			Final:      msg.IsFinal,
			Confidence: 1,
		}
		for _, w := range msg.Words {
			seg.Words = append(seg.Words, Word{
				Text:       w.Word,
				StartMS:    secondsToMS(w.Start),
				EndMS:      secondsToMS(w.End),
				Confidence: 1,
			})
		}
		if len(seg.Words) > 0 {
			seg.AudioStartMS = seg.Words[0].StartMS
			seg.AudioEndMS = seg.Words[len(seg.Words)-1].EndMS
		}
		typ := EventPartial
		if msg.IsFinal {
			typ = EventFinal
		}
		return []Event{{Type: typ, Segment: seg}}, false

	case "flush_done":
		return nil, false

	case "done":
		return nil, true

	case "error":
		text := msg.Error
		if text == "" {
			text = msg.Message
		}
		return []Event{{Type: EventError, Err: &Error{Provider: ProviderCartesia, Op: "receive", Message: text}}}, false
	}
	return nil, false
}
