package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/decode"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/transcription"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/apierror"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/auth"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/config"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/lifecycle"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/lease"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/session"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/sessions"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/mw"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

// ProviderFactory builds the speech-to-text backend for one conversation.
type ProviderFactory func() (stt.Provider, error)

// ProviderLookup returns the speech-to-text backend registered under name.
type ProviderLookup func(name string) (stt.Provider, error)

// DecoderFactory builds the audio decoder for one conversation.
type DecoderFactory func(conversationID string, logger *slog.Logger) (session.AudioDecoder, error)

const leaseReleaseTimeout = 5 * time.Second

// StreamHandler handles /conversation/{id}/stream websocket sessions.
type StreamHandler struct {
	Config     config.Config
	Logger     *slog.Logger
	Lifecycle  *lifecycle.Lifecycle
	Sessions   *sessions.Tracker
	Authorizer auth.Authorizer
	Store      store.Store
	Leases     lease.Manager
	Detector   detect.Engine

	NewProvider ProviderFactory
	NewDecoder  DecoderFactory
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle.IsDraining() {
		writeAPIError(w, r, 529, &apierror.Error{Type: apierror.TypeOverloaded, Message: "server is draining", Code: "draining"})
		return
	}
	if !originAllowed(h.Config, r) {
		writeAPIError(w, r, http.StatusForbidden, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	conversationID, err := conversationIDFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	if _, _, err := h.Authorizer.AuthorizeConversation(r.Context(), p, conversationID); err != nil {
		writeError(w, r, err)
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.logger().With("conversation_id", conversationID, "request_id", reqID)

	held, err := h.Leases.Acquire(r.Context(), conversationID)
	if err != nil {
		if !errors.Is(err, lease.ErrHeld) {
			logger.Error("acquire conversation lease", "err", err)
		}
		writeError(w, r, err)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), leaseReleaseTimeout)
		defer cancel()
		if err := held.Release(ctx); err != nil {
			logger.Warn("release conversation lease", "err", err)
		}
	}()

	upgrader := websocket.Upgrader{
		// Origin was checked above against the allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.Config.WSMaxMessageBytes)

	provider, err := h.newProvider()
	if err != nil {
		logger.Error("build stt provider", "err", err)
		writeWSError(conn, "transcription_unavailable", "Transcription provider is not configured", websocket.CloseInternalServerErr)
		return
	}
	transcriber, err := transcription.New(transcription.Options{
		Provider:        provider,
		Stream:          stt.StreamConfig{Language: h.Config.STTLanguage, SampleRate: decode.SampleRate},
		ConnectAttempts: h.Config.STTConnectAttempts,
		BackoffBase:     h.Config.STTBackoffBase,
		BackoffMax:      h.Config.STTBackoffMax,
		AudioQueueSize:  h.Config.STTAudioQueue,
		EventQueueSize:  h.Config.STTEventQueue,
		FinalizeTimeout: h.Config.STTFinalizeTimeout,
		Logger:          logger,
	})
	if err != nil {
		writeWSError(conn, "internal", "failed to initialize transcription", websocket.CloseInternalServerErr)
		return
	}
	decoder, err := h.newDecoder(conversationID, logger)
	if err != nil {
		_ = transcriber.Close()
		logger.Error("build audio decoder", "err", err)
		writeWSError(conn, "internal", "failed to initialize audio decoder", websocket.CloseInternalServerErr)
		return
	}

	s, err := session.New(session.Dependencies{
		Conn:           conn,
		Logger:         h.logger(),
		ConversationID: conversationID,
		UserID:         p.UserID,
		RequestID:      reqID,
		Decoder:        decoder,
		Transcriber:    transcriber,
		Detector:       h.Detector,
		Store:          h.Store,
		Lease:          held,
		Config: session.Config{
			MaxAudioMessageBytes:   h.Config.WSMaxAudioBytes,
			MaxAudioFPS:            h.Config.WSMaxAudioFPS,
			MaxAudioBytesPerSecond: h.Config.WSMaxAudioBPS,
			InboundBurstSeconds:    h.Config.WSInboundBurstSeconds,
			PingInterval:           h.Config.WSPingInterval,
			WriteTimeout:           h.Config.WSWriteTimeout,
			IdleTimeout:            h.Config.SessionIdleTimeout,
			FinalizeTimeout:        h.Config.SessionFinalizeTimeout,
			DetectMinChars:         h.Config.DetectMinChars,
			DetectWindowSegments:   h.Config.DetectWindowSegments,
			LeaseRefreshInterval:   h.Config.LeaseTTL / 3,
			OutboundQueueSize:      h.Config.WSOutboundQueue,
		},
	})
	if err != nil {
		_ = decoder.Close()
		_ = transcriber.Close()
		writeWSError(conn, "internal", "failed to initialize session", websocket.CloseInternalServerErr)
		return
	}

	unregister, err := h.Sessions.Register(conversationID, sessions.Handle{
		UserID:         p.UserID,
		Finalize:       s.Shutdown,
		Cancel:         s.Cancel,
		SwitchProvider: s.SwitchProvider,
	})
	if err != nil {
		_ = decoder.Close()
		_ = transcriber.Close()
		writeWSError(conn, "conversation_streaming", "Conversation is already streaming", websocket.ClosePolicyViolation)
		return
	}
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("conversation session ended with error", "err", err)
	}
}

func (h StreamHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.Logger
}

func (h StreamHandler) newProvider() (stt.Provider, error) {
	if h.NewProvider == nil {
		return nil, stt.ErrUnknownProvider
	}
	return h.NewProvider()
}

func (h StreamHandler) newDecoder(conversationID string, logger *slog.Logger) (session.AudioDecoder, error) {
	if h.NewDecoder != nil {
		return h.NewDecoder(conversationID, logger)
	}
	return DecoderFromConfig(h.Config)(conversationID, logger)
}

// DefaultProvider resolves the configured backend through lookup, so every
// conversation shares the provider built for cfg.STTProvider.
func DefaultProvider(cfg config.Config, lookup ProviderLookup) ProviderFactory {
	return func() (stt.Provider, error) {
		return lookup(cfg.STTProvider)
	}
}

// ProvidersFromConfig builds any supported backend by name from the
// configured credentials. Each backend is built at most once and shared.
func ProvidersFromConfig(cfg config.Config, opts ...stt.Option) ProviderLookup {
	creds := stt.Credentials{
		AssemblyAIKey:   cfg.AssemblyAIKey,
		CartesiaKey:     cfg.CartesiaKey,
		GoogleProjectID: cfg.GoogleProjectID,
		GoogleKeyFile:   cfg.GoogleKeyFile,
	}
	var (
		mu    sync.Mutex
		built = make(map[string]stt.Provider)
	)
	return func(name string) (stt.Provider, error) {
		name = strings.ToLower(strings.TrimSpace(name))
		mu.Lock()
		defer mu.Unlock()
		if p, ok := built[name]; ok {
			return p, nil
		}
		p, err := stt.New(name, creds, opts...)
		if err != nil {
			return nil, err
		}
		built[name] = p
		return p, nil
	}
}

// DecoderFromConfig builds Opus decoders, mirroring PCM to a WAV file per
// conversation when a diagnostics directory is configured.
func DecoderFromConfig(cfg config.Config) DecoderFactory {
	return func(conversationID string, logger *slog.Logger) (session.AudioDecoder, error) {
		opts := decode.Options{Logger: logger}
		if cfg.DecoderWAVDir != "" {
			opts.WAVPath = filepath.Join(cfg.DecoderWAVDir, fmt.Sprintf("%s-%d.wav", conversationID, time.Now().Unix()))
		}
		return decode.New(opts)
	}
}

func conversationIDFrom(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.PathValue("id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("conversation id %q: %w", raw, store.ErrInvalidID)
	}
	return id.String(), nil
}

func originAllowed(cfg config.Config, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) == 0 {
		return false
	}
	_, ok := cfg.AllowedOrigins[origin]
	return ok
}
