package stt

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

// GoogleCloudProvider implements Provider using Cloud Speech-to-Text
// StreamingRecognize.
//
// A single gRPC client is created lazily and shared by every stream opened
// through the provider.
type GoogleCloudProvider struct {
	projectID string
	keyFile   string
	endpoint  string

	mu     sync.Mutex
	client *speech.Client
}

// NewGoogleCloud creates a new Cloud Speech provider. keyFile may be empty to
// use application default credentials.
func NewGoogleCloud(projectID, keyFile string, opts ...Option) *GoogleCloudProvider {
	o := applyOptions(opts)
	return &GoogleCloudProvider{
		projectID: projectID,
		keyFile:   keyFile,
		endpoint:  o.baseURL,
	}
}

// Name returns the provider identifier.
func (g *GoogleCloudProvider) Name() string {
	return ProviderGoogleCloud
}

func (g *GoogleCloudProvider) speechClient(ctx context.Context) (*speech.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	var opts []option.ClientOption
	if g.keyFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.keyFile))
	}
	if g.projectID != "" {
		opts = append(opts, option.WithQuotaProject(g.projectID))
	}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	client, err := speech.NewClient(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, err
	}
	g.client = client
	return client, nil
}

// Close releases the shared gRPC client.
func (g *GoogleCloudProvider) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// NewStream opens a StreamingRecognize call with interim results and word
// time offsets enabled.
func (g *GoogleCloudProvider) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	cfg = cfg.withDefaults()

	client, err := g.speechClient(ctx)
	if err != nil {
		return nil, connectError(ProviderGoogleCloud, 0, "create speech client", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	call, err := client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, connectError(ProviderGoogleCloud, 0, "open streaming recognize", err)
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(cfg.SampleRate),
		AudioChannelCount:          1,
		LanguageCode:               googleLanguageCode(cfg.Language),
		EnableWordTimeOffsets:      true,
		EnableWordConfidence:       true,
		EnableAutomaticPunctuation: true,
		Model:                      cfg.Model,
	}
	err = call.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: true,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, connectError(ProviderGoogleCloud, 0, "send streaming config", err)
	}

	s := &googleStream{
		call:   call,
		events: make(chan Event, wsEventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.recvLoop()
	return s, nil
}

func googleLanguageCode(lang string) string {
	if strings.Contains(lang, "-") {
		return lang
	}
	switch lang {
	case "en":
		return "en-US"
	default:
		return lang
	}
}

type googleStream struct {
	call   speechpb.Speech_StreamingRecognizeClient
	events chan Event

	sendMu    sync.Mutex
	closed    atomic.Bool
	finalized atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *googleStream) recvLoop() {
	defer close(s.events)

	reason := "closed"
	defer func() {
		select {
		case s.events <- Event{Type: EventDisconnected, Provider: ProviderGoogleCloud, Reason: reason}:
		default:
		}
	}()

	if !s.emit(Event{Type: EventConnected}) {
		return
	}
	for {
		resp, err := s.call.Recv()
		if errors.Is(err, io.EOF) {
			reason = "finished"
			return
		}
		if err != nil {
			if s.closed.Load() || s.ctx.Err() != nil {
				return
			}
			reason = err.Error()
			s.emit(Event{Type: EventError, Err: &Error{Provider: ProviderGoogleCloud, Op: "receive", Cause: err, Retryable: true}})
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			s.emit(Event{Type: EventError, Err: &Error{Provider: ProviderGoogleCloud, Op: "receive", Message: st.GetMessage()}})
			continue
		}
		for _, result := range resp.GetResults() {
			seg, ok := segmentFromResult(result)
			if !ok {
				continue
			}
			typ := EventPartial
			if seg.Final {
				typ = EventFinal
			}
			if !s.emit(Event{Type: typ, Segment: seg}) {
				return
			}
		}
	}
}

func segmentFromResult(result *speechpb.StreamingRecognitionResult) (Segment, bool) {
	alts := result.GetAlternatives()
	if len(alts) == 0 {
		return Segment{}, false
	}
	alt := alts[0]
	text := strings.TrimSpace(alt.GetTranscript())
	if text == "" {
		return Segment{}, false
	}

	seg := Segment{
		Text:       text,
		Confidence: float64(alt.GetConfidence()),
		Final:      result.GetIsFinal(),
	}
	for _, w := range alt.GetWords() {
		seg.Words = append(seg.Words, Word{
			Text:       w.GetWord(),
			StartMS:    w.GetStartTime().AsDuration().Milliseconds(),
			EndMS:      w.GetEndTime().AsDuration().Milliseconds(),
			Confidence: float64(w.GetConfidence()),
		})
	}
	if len(seg.Words) > 0 {
		seg.AudioStartMS = seg.Words[0].StartMS
		seg.AudioEndMS = seg.Words[len(seg.Words)-1].EndMS
	}
	if end := result.GetResultEndTime(); end != nil {
		seg.AudioEndMS = end.AsDuration().Milliseconds()
	}
	return seg, true
}

func (s *googleStream) emit(ev Event) bool {
	ev.Provider = ProviderGoogleCloud
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *googleStream) SendAudio(pcm []byte) error {
	if s.closed.Load() || s.finalized.Load() {
		return ErrStreamClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.call.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	})
	if err != nil {
		return &Error{Provider: ProviderGoogleCloud, Op: "send", Cause: err, Retryable: true}
	}
	return nil
}

// Finalize half-closes the call; the server answers with its last results
// followed by EOF.
func (s *googleStream) Finalize() error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if s.finalized.Swap(true) {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.call.CloseSend(); err != nil {
		return &Error{Provider: ProviderGoogleCloud, Op: "finalize", Cause: err}
	}
	return nil
}

func (s *googleStream) Events() <-chan Event {
	return s.events
}

func (s *googleStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	return nil
}
