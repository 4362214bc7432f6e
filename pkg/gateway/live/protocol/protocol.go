package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
)

const (
	TypeAudio        = "audio"
	TypeComplete     = "complete"
	TypeTranscribe   = "transcribe"
	TypeDetectAction = "detect-action"
	TypeBeautify     = "transcript-beautify"
	TypeError        = "error"
)

// Close reasons sent with the final websocket close frame.
const (
	CloseReasonCompleted = "Conversation completed"
	CloseReasonShutdown  = "Server shutting down"
)

// DecodeError is a malformed or unsupported inbound message. The session
// reports it to the client and keeps running.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientAudio carries one fragment of the compressed audio stream.
type ClientAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`

	// Audio is Data decoded from base64.
	Audio []byte `json:"-"`
}

// ClientComplete asks the server to finalize the conversation.
type ClientComplete struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound text frame into ClientAudio or
// ClientComplete.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio message", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, badRequest("audio.data must be base64", "data")
		}
		msg.Type = typ
		msg.Audio = audio
		return msg, nil
	case TypeComplete:
		return ClientComplete{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// TranscribeData is the payload of a transcribe notification. Times are
// milliseconds on the conversation's audio timeline.
type TranscribeData struct {
	Transcript string  `json:"transcript"`
	Finalized  bool    `json:"finalized"`
	Confidence float64 `json:"confidence"`
	AudioStart int64   `json:"audioStart"`
	AudioEnd   int64   `json:"audioEnd"`
}

type ServerTranscribe struct {
	Type string         `json:"type"`
	Data TranscribeData `json:"data"`
}

type ServerDetectAction struct {
	Type string        `json:"type"`
	Data detect.Action `json:"data"`
}

// BeautifySegment is one cleaned, speaker labelled span of the transcript.
type BeautifySegment struct {
	Speaker    string `json:"speaker"`
	Transcript string `json:"transcript"`
	AudioStart int64  `json:"audioStart"`
	AudioEnd   int64  `json:"audioEnd"`
}

// BeautifyData is the readable rewrite of the transcript between AudioStart
// and AudioEnd.
type BeautifyData struct {
	Transcript string            `json:"transcript"`
	AudioStart int64             `json:"audioStart"`
	AudioEnd   int64             `json:"audioEnd"`
	Segments   []BeautifySegment `json:"segments"`
}

type ServerBeautify struct {
	Type string       `json:"type"`
	Data BeautifyData `json:"data"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func Transcribe(data TranscribeData) ServerTranscribe {
	return ServerTranscribe{Type: TypeTranscribe, Data: data}
}

func DetectAction(a detect.Action) ServerDetectAction {
	return ServerDetectAction{Type: TypeDetectAction, Data: a}
}

// Beautify builds a transcript-beautify notification. Transcript joins the
// segments and the audio span covers all of them.
func Beautify(segments []BeautifySegment) ServerBeautify {
	data := BeautifyData{Segments: segments}
	texts := make([]string, 0, len(segments))
	for i, seg := range segments {
		texts = append(texts, seg.Transcript)
		if i == 0 || seg.AudioStart < data.AudioStart {
			data.AudioStart = seg.AudioStart
		}
		if seg.AudioEnd > data.AudioEnd {
			data.AudioEnd = seg.AudioEnd
		}
	}
	data.Transcript = strings.Join(texts, "\n")
	if data.Segments == nil {
		data.Segments = []BeautifySegment{}
	}
	return ServerBeautify{Type: TypeBeautify, Data: data}
}

func Error(code, message string) ServerError {
	return ServerError{Type: TypeError, Code: code, Message: message}
}
