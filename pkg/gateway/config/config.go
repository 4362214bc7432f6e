package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// APIKeys maps a bearer key to the user id it authenticates as.
	APIKeys map[string]string

	// CORS / websocket origin allowlist; empty => same-origin only.
	AllowedOrigins map[string]struct{}

	// Speech-to-text backend.
	STTProvider        string
	AssemblyAIKey      string
	CartesiaKey        string
	GoogleProjectID    string
	GoogleKeyFile      string
	STTLanguage        string
	STTConnectAttempts int
	STTBackoffBase     time.Duration
	STTBackoffMax      time.Duration
	STTAudioQueue      int
	STTEventQueue      int
	STTFinalizeTimeout time.Duration

	// Live sessions.
	SessionIdleTimeout     time.Duration
	SessionFinalizeTimeout time.Duration
	SubtitleMaxGap         time.Duration
	SubtitleMaxCue         time.Duration

	// Action detection.
	DetectMinChars       int
	DetectWindowSegments int
	DetectTimeout        time.Duration
	GeminiAPIKey         string
	DetectModel          string

	// Collaborators. Empty URLs select the in-process implementations.
	DatabaseURL     string
	DatabaseMigrate bool
	RedisURL        string
	LeaseTTL        time.Duration
	DecoderWAVDir   string

	// Client websocket.
	WSMaxMessageBytes     int64
	WSMaxAudioBytes       int
	WSMaxAudioFPS         int
	WSMaxAudioBPS         int64
	WSInboundBurstSeconds int
	WSPingInterval        time.Duration
	WSWriteTimeout        time.Duration
	WSOutboundQueue       int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	LogLevel            string
	LogFormat           string
	TracingEnabled      bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("OTO_ADDR", ":3000"),
		AuthMode:               AuthMode(envOr("OTO_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                make(map[string]string),
		AllowedOrigins:         make(map[string]struct{}),
		STTProvider:            strings.ToLower(envOr("OTO_STT_PROVIDER", "assemblyai")),
		AssemblyAIKey:          envOr("ASSEMBLYAI_API_KEY", ""),
		CartesiaKey:            envOr("CARTESIA_API_KEY", ""),
		GoogleProjectID:        envOr("GOOGLE_CLOUD_PROJECT_ID", ""),
		GoogleKeyFile:          envOr("GOOGLE_CLOUD_KEY_FILENAME", ""),
		STTLanguage:            envOr("OTO_STT_LANGUAGE", "en"),
		STTConnectAttempts:     envIntOr("OTO_STT_CONNECT_ATTEMPTS", 3),
		STTBackoffBase:         envDurationOr("OTO_STT_BACKOFF_BASE", 500*time.Millisecond),
		STTBackoffMax:          envDurationOr("OTO_STT_BACKOFF_MAX", 5*time.Second),
		STTAudioQueue:          envIntOr("OTO_STT_AUDIO_QUEUE", 256),
		STTEventQueue:          envIntOr("OTO_STT_EVENT_QUEUE", 256),
		STTFinalizeTimeout:     envDurationOr("OTO_STT_FINALIZE_TIMEOUT", 5*time.Second),
		SessionIdleTimeout:     envDurationOr("OTO_SESSION_IDLE_TIMEOUT", 60*time.Second),
		SessionFinalizeTimeout: envDurationOr("OTO_SESSION_FINALIZE_TIMEOUT", 30*time.Second),
		SubtitleMaxGap:         envDurationOr("OTO_SUBTITLE_MAX_GAP", 200*time.Millisecond),
		SubtitleMaxCue:         envDurationOr("OTO_SUBTITLE_MAX_CUE", 5*time.Second),
		DetectMinChars:         envIntOr("OTO_DETECT_MIN_CHARS", 30),
		DetectWindowSegments:   envIntOr("OTO_DETECT_WINDOW_SEGMENTS", 100),
		DetectTimeout:          envDurationOr("OTO_DETECT_TIMEOUT", 30*time.Second),
		GeminiAPIKey:           envOr("GEMINI_API_KEY", ""),
		DetectModel:            envOr("OTO_DETECT_MODEL", "gemini-2.5-flash"),
		DatabaseURL:            envOr("DATABASE_URL", ""),
		DatabaseMigrate:        envBoolOr("OTO_DATABASE_MIGRATE", true),
		RedisURL:               envOr("REDIS_URL", ""),
		LeaseTTL:               envDurationOr("OTO_LEASE_TTL", 2*time.Minute),
		DecoderWAVDir:          envOr("OTO_DECODER_WAV_DIR", ""),
		WSMaxMessageBytes:      envInt64Or("OTO_WS_MAX_MESSAGE_BYTES", 256*1024),
		WSMaxAudioBytes:        envIntOr("OTO_WS_MAX_AUDIO_BYTES", 64*1024),
		WSMaxAudioFPS:          envIntOr("OTO_WS_MAX_AUDIO_FPS", 50),
		WSMaxAudioBPS:          envInt64Or("OTO_WS_MAX_AUDIO_BPS", 64*1024),
		WSInboundBurstSeconds:  envIntOr("OTO_WS_INBOUND_BURST_SECONDS", 2),
		WSPingInterval:         envDurationOr("OTO_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:         envDurationOr("OTO_WS_WRITE_TIMEOUT", 5*time.Second),
		WSOutboundQueue:        envIntOr("OTO_WS_OUTBOUND_QUEUE", 256),
		ReadHeaderTimeout:      envDurationOr("OTO_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("OTO_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:               strings.ToLower(envOr("OTO_LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOr("OTO_LOG_FORMAT", "text")),
		TracingEnabled:         envBoolOr("OTO_TRACING_ENABLED", false),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("OTO_AUTH_MODE must be one of required|disabled")
	}

	// Entries are "key" or "key:user-id"; a bare key authenticates as itself.
	for _, entry := range splitCSV(os.Getenv("OTO_API_KEYS")) {
		key, user, ok := strings.Cut(entry, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		if key == "" {
			return Config{}, fmt.Errorf("OTO_API_KEYS contains an empty key")
		}
		if !ok || user == "" {
			user = key
		}
		cfg.APIKeys[key] = user
	}

	for _, origin := range splitCSV(os.Getenv("OTO_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.STTConnectAttempts <= 0 {
		return Config{}, fmt.Errorf("OTO_STT_CONNECT_ATTEMPTS must be > 0")
	}
	if cfg.STTBackoffBase <= 0 {
		return Config{}, fmt.Errorf("OTO_STT_BACKOFF_BASE must be > 0")
	}
	if cfg.STTBackoffMax < cfg.STTBackoffBase {
		return Config{}, fmt.Errorf("OTO_STT_BACKOFF_MAX must be >= OTO_STT_BACKOFF_BASE")
	}
	if cfg.STTAudioQueue <= 0 {
		return Config{}, fmt.Errorf("OTO_STT_AUDIO_QUEUE must be > 0")
	}
	if cfg.STTEventQueue <= 0 {
		return Config{}, fmt.Errorf("OTO_STT_EVENT_QUEUE must be > 0")
	}
	if cfg.STTFinalizeTimeout <= 0 {
		return Config{}, fmt.Errorf("OTO_STT_FINALIZE_TIMEOUT must be > 0")
	}
	if cfg.SessionIdleTimeout < 0 {
		return Config{}, fmt.Errorf("OTO_SESSION_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.SessionFinalizeTimeout <= 0 {
		return Config{}, fmt.Errorf("OTO_SESSION_FINALIZE_TIMEOUT must be > 0")
	}
	if cfg.SubtitleMaxGap <= 0 {
		return Config{}, fmt.Errorf("OTO_SUBTITLE_MAX_GAP must be > 0")
	}
	if cfg.SubtitleMaxCue <= 0 {
		return Config{}, fmt.Errorf("OTO_SUBTITLE_MAX_CUE must be > 0")
	}
	if cfg.DetectMinChars < 0 {
		return Config{}, fmt.Errorf("OTO_DETECT_MIN_CHARS must be >= 0")
	}
	if cfg.DetectWindowSegments <= 0 {
		return Config{}, fmt.Errorf("OTO_DETECT_WINDOW_SEGMENTS must be > 0")
	}
	if cfg.DetectTimeout <= 0 {
		return Config{}, fmt.Errorf("OTO_DETECT_TIMEOUT must be > 0")
	}
	if cfg.LeaseTTL <= 0 {
		return Config{}, fmt.Errorf("OTO_LEASE_TTL must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("OTO_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSMaxAudioBytes <= 0 {
		return Config{}, fmt.Errorf("OTO_WS_MAX_AUDIO_BYTES must be > 0")
	}
	if int64(cfg.WSMaxAudioBytes) > cfg.WSMaxMessageBytes {
		return Config{}, fmt.Errorf("OTO_WS_MAX_AUDIO_BYTES must be <= OTO_WS_MAX_MESSAGE_BYTES")
	}
	if cfg.WSMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("OTO_WS_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.WSMaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("OTO_WS_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.WSMaxAudioFPS > 0 || cfg.WSMaxAudioBPS > 0) && cfg.WSInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("OTO_WS_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("OTO_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("OTO_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSOutboundQueue <= 0 {
		return Config{}, fmt.Errorf("OTO_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("OTO_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("OTO_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("OTO_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("OTO_LOG_FORMAT must be one of text|json")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("OTO_API_KEYS must be set when OTO_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
