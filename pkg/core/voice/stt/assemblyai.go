package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

const assemblyAIRealtimeURL = "wss://api.assemblyai.com/v2/realtime/ws"

// AssemblyAIProvider implements Provider using the AssemblyAI realtime websocket.
type AssemblyAIProvider struct {
	apiKey  string
	baseURL string
	dialer  *websocket.Dialer
}

// NewAssemblyAI creates a new AssemblyAI realtime provider.
func NewAssemblyAI(apiKey string, opts ...Option) *AssemblyAIProvider {
	o := applyOptions(opts)
	baseURL := o.baseURL
	if baseURL == "" {
		baseURL = assemblyAIRealtimeURL
	}
	return &AssemblyAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		dialer:  o.dialer,
	}
}

// Name returns the provider identifier.
func (a *AssemblyAIProvider) Name() string {
	return ProviderAssemblyAI
}

// NewStream opens a realtime session.
func (a *AssemblyAIProvider) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	cfg = cfg.withDefaults()

	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, connectError(ProviderAssemblyAI, 0, "parse websocket URL", err)
	}
	q := u.Query()
	q.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	q.Set("encoding", "pcm_s16le")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", a.apiKey)

	conn, err := dialWebsocket(ctx, a.dialer, ProviderAssemblyAI, u.String(), headers)
	if err != nil {
		return nil, err
	}

	return newWSStream(ctx, ProviderAssemblyAI, conn, wsCodec{
		encodeAudio: encodeAssemblyAIAudio,
		finalize: []wsMessage{
			{kind: websocket.TextMessage, payload: []byte(`{"terminate_session":true}`)},
		},
		decode: decodeAssemblyAI,
	}), nil
}

func encodeAssemblyAIAudio(pcm []byte) (wsMessage, error) {
	payload, err := json.Marshal(struct {
		AudioData string `json:"audio_data"`
	}{AudioData: base64.StdEncoding.EncodeToString(pcm)})
	if err != nil {
		return wsMessage{}, err
	}
	return wsMessage{kind: websocket.TextMessage, payload: payload}, nil
}

type assemblyAIMessage struct {
	MessageType string  `json:"message_type"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	AudioStart  int64   `json:"audio_start"`
	AudioEnd    int64   `json:"audio_end"`
	Error       string  `json:"error"`
	Words       []struct {
		Text       string  `json:"text"`
		Start      int64   `json:"start"`
		End        int64   `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

func decodeAssemblyAI(data []byte) ([]Event, bool) {
	var msg assemblyAIMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if msg.Error != "" {
		return []Event{{Type: EventError, Err: &Error{Provider: ProviderAssemblyAI, Op: "receive", Message: msg.Error}}}, false
	}

	switch msg.MessageType {
	case "PartialTranscript", "FinalTranscript":
		if strings.TrimSpace(msg.Text) == "" {
			return nil, false
		}
		final := msg.MessageType == "FinalTranscript"
		seg := Segment{
			Text:         strings.TrimSpace(msg.Text),
			Confidence:   msg.Confidence,
			Final:        final,
			AudioStartMS: msg.AudioStart,
			AudioEndMS:   msg.AudioEnd,
		}
		for _, w := range msg.Words {
			seg.Words = append(seg.Words, Word{
				Text:       w.Text,
				StartMS:    w.Start,
				EndMS:      w.End,
				Confidence: w.Confidence,
			})
		}
		typ := EventPartial
		if final {
			typ = EventFinal
		}
		return []Event{{Type: typ, Segment: seg}}, false

	case "SessionTerminated":
		return nil, true
	}
	return nil, false
}
