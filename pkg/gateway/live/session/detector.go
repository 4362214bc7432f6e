package session

import (
	"context"
	"log/slog"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
)

// detectionWorker runs action detection off the session loop. Only the most
// recent excerpt is kept while a detection is in flight.
type detectionWorker struct {
	ctx     context.Context
	engine  detect.Engine
	logger  *slog.Logger
	in      chan detect.Excerpt
	results chan []detect.Action
	stopped bool
}

func newDetectionWorker(ctx context.Context, engine detect.Engine, logger *slog.Logger) *detectionWorker {
	return &detectionWorker{
		ctx:     ctx,
		engine:  engine,
		logger:  logger,
		in:      make(chan detect.Excerpt, 1),
		results: make(chan []detect.Action),
	}
}

// submit replaces any excerpt still waiting to be processed. It must only be
// called from the goroutine that calls stop.
func (w *detectionWorker) submit(ex detect.Excerpt) {
	if w.stopped {
		return
	}
	for {
		select {
		case w.in <- ex:
			return
		default:
		}
		select {
		case <-w.in:
		default:
		}
	}
}

// stop discards the queued excerpt and closes the input. results is closed
// once the in-flight detection, if any, has been delivered.
func (w *detectionWorker) stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	select {
	case <-w.in:
	default:
	}
	close(w.in)
}

func (w *detectionWorker) run() {
	defer close(w.results)
	for ex := range w.in {
		actions, err := w.engine.DetectActions(w.ctx, ex)
		if err != nil {
			w.logger.Warn("action detection failed", "err", err)
			continue
		}
		if len(actions) == 0 {
			continue
		}
		select {
		case w.results <- actions:
		case <-w.ctx.Done():
			return
		}
	}
}
