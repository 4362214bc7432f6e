package detect

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/oto-voiceapi/pkg/metrics"
)

var tracer = otel.Tracer("github.com/vango-go/oto-voiceapi/pkg/core/detect")

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 2
	defaultBackoff = 250 * time.Millisecond
)

// Options configures an LLMEngine.
type Options struct {
	Reasoner Reasoner
	// Timeout bounds each model call, retries included.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed call. Zero
	// selects the default; a negative value disables retries.
	Retries int
	Backoff time.Duration
	Logger  *slog.Logger
	// NewID generates action ids; defaults to uuid v4.
	NewID func() string
}

// LLMEngine implements Engine on top of a Reasoner.
type LLMEngine struct {
	reasoner Reasoner
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	logger   *slog.Logger
	newID    func() string
}

// NewLLMEngine returns an engine backed by opts.Reasoner.
func NewLLMEngine(opts Options) (*LLMEngine, error) {
	if opts.Reasoner == nil {
		return nil, ErrNoReasoner
	}
	e := &LLMEngine{
		reasoner: opts.Reasoner,
		timeout:  opts.Timeout,
		retries:  opts.Retries,
		backoff:  opts.Backoff,
		logger:   opts.Logger,
		newID:    opts.NewID,
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	switch {
	case opts.Retries < 0:
		e.retries = 0
	case opts.Retries == 0:
		e.retries = defaultRetries
	}
	if e.backoff <= 0 {
		e.backoff = defaultBackoff
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.newID == nil {
		e.newID = newActionID
	}
	return e, nil
}

// DetectActions asks the model for actions mentioned in ex. An empty excerpt
// yields no actions and no model call.
func (e *LLMEngine) DetectActions(ctx context.Context, ex Excerpt) ([]Action, error) {
	if strings.TrimSpace(ex.Text) == "" {
		return nil, nil
	}
	raw, err := e.generate(ctx, "detect", actionSystemPrompt, ex.Text)
	if err != nil {
		return nil, err
	}
	actions, err := parseActions(raw, ex, e.newID)
	if err != nil {
		return nil, &Error{Op: "detect", Err: err}
	}
	return actions, nil
}

// Summarize produces a title, preview and topical log for a finished
// conversation. On failure the returned summary carries the fallback title and
// preview alongside the error.
func (e *LLMEngine) Summarize(ctx context.Context, transcript string) (Summary, error) {
	if strings.TrimSpace(transcript) == "" {
		return FallbackSummary(), nil
	}
	raw, err := e.generate(ctx, "summarize", summarySystemPrompt, transcript)
	if err != nil {
		return FallbackSummary(), err
	}
	sum, err := parseSummary(raw)
	if err != nil {
		return FallbackSummary(), &Error{Op: "summarize", Err: err}
	}
	return sum, nil
}

// Beautify rewrites raw transcript segments into readable, speaker labelled
// segments. On failure the returned segments are the input unchanged, labelled
// with UnknownSpeaker, alongside the error.
func (e *LLMEngine) Beautify(ctx context.Context, segments []TimedText) ([]CleanSegment, error) {
	segments = nonEmpty(segments)
	if len(segments) == 0 {
		return nil, nil
	}
	raw, err := e.generate(ctx, "beautify", beautifySystemPrompt, beautifyInput(segments))
	if err != nil {
		return fallbackClean(segments), err
	}
	out, err := parseClean(raw, segments)
	if err != nil {
		return fallbackClean(segments), &Error{Op: "beautify", Err: err}
	}
	return out, nil
}

func (e *LLMEngine) generate(ctx context.Context, op, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "detect."+op, trace.WithAttributes(
		attribute.String("detect.op", op),
		attribute.Int("detect.prompt_chars", len(prompt)),
	))
	defer span.End()

	start := time.Now()
	b := retry.WithMaxRetries(uint64(e.retries), retry.NewExponential(e.backoff))

	var out string
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		text, err := e.reasoner.Generate(ctx, system, prompt)
		if err != nil {
			e.logger.Warn("reasoner call failed", "op", op, "attempt", attempt, "err", err)
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if strings.TrimSpace(text) == "" {
			return retry.RetryableError(ErrEmptyResponse)
		}
		out = text
		return nil
	})
	metrics.RecordCollaboratorCall(op, metrics.Status(err), time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("detect.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var de *Error
		if errors.As(err, &de) {
			return "", err
		}
		return "", &Error{Op: op, Err: err}
	}
	return out, nil
}
