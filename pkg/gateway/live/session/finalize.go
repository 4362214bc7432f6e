package session

import (
	"context"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/transcription"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/protocol"
	"github.com/vango-go/oto-voiceapi/pkg/metrics"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

// finalize ends the conversation. It runs at most once, on the Run goroutine.
// With a failure the client gets one error message, the transcript gathered
// so far is persisted without model calls, and the session ends in StateError.
func (s *Session) finalize(det *detectionWorker, reason string, f *failure) outcome {
	s.setState(StateFinalizing)
	s.logger.Info("finalizing conversation", "reason", reason)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FinalizeTimeout)
	defer cancel()

	if f != nil {
		s.logger.Error("live session failed", "op", f.op, "err", f.err)
		_ = s.sendError(f.code, f.message)
	}

	det.stop()
	if f == nil || (f.op != "decode" && f.op != "transcription") {
		s.flushDecoder(ctx)
	}
	s.stopTranscriber(ctx)
	s.drainDetections(ctx, det)

	segments := s.transcriber.Segments()
	summary := detect.FallbackSummary()
	if f == nil {
		s.detectFinal(ctx, segments)
		s.beautify(ctx, segments)
		summary = s.summarize(ctx, segments)
	}
	persistErr := s.persist(summary, segments)

	_ = s.decoder.Close()
	_ = s.transcriber.Close()

	if f != nil {
		s.setState(StateError)
		return outcome{
			reason: reason,
			code:   websocket.CloseInternalServerErr,
			text:   f.message,
			err:    &Error{ConversationID: s.conversationID, Op: f.op, Err: f.err},
		}
	}

	s.setState(StateClosed)
	out := outcome{reason: reason, code: websocket.CloseNormalClosure, text: protocol.CloseReasonCompleted}
	if reason == ReasonShutdown {
		out.code = websocket.CloseGoingAway
		out.text = protocol.CloseReasonShutdown
	}
	if persistErr != nil {
		out.err = &Error{ConversationID: s.conversationID, Op: "persist", Err: persistErr}
	}
	return out
}

// abort releases the decoder and transcriber without persisting anything.
func (s *Session) abort() outcome {
	_ = s.decoder.Close()
	_ = s.transcriber.Close()
	s.setState(StateError)
	return outcome{
		reason: "aborted",
		err:    &Error{ConversationID: s.conversationID, Op: "abort", Err: context.Cause(s.ctx)},
	}
}

// flushDecoder ends the container stream and forwards the remaining PCM.
func (s *Session) flushDecoder(ctx context.Context) {
	endErr := make(chan error, 1)
	go func() { endErr <- s.decoder.End() }()

	for s.pcm != nil {
		select {
		case chunk, ok := <-s.pcm:
			if !ok {
				s.pcm = nil
				continue
			}
			if f := s.forwardPCM(chunk); f != nil {
				s.logger.Warn("dropping audio during finalize", "err", f.err)
			}
		case <-ctx.Done():
			s.logger.Warn("decoder flush timed out")
			return
		}
	}
	select {
	case err := <-endErr:
		if err != nil {
			s.logger.Warn("decoder ended with error", "err", err)
		}
	case <-ctx.Done():
	}
}

// stopTranscriber stops transcription while relaying the events it still
// produces, so the client sees every final transcript.
func (s *Session) stopTranscriber(ctx context.Context) {
	stopErr := make(chan error, 1)
	go func() {
		_, err := s.transcriber.Stop(ctx)
		stopErr <- err
	}()

	for s.events != nil {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			if f := s.handleEvent(ev, nil); f != nil {
				s.logger.Warn("transcription event during finalize", "op", f.op, "err", f.err)
			}
		case <-ctx.Done():
			s.logger.Warn("transcription stop timed out")
			s.events = nil
		}
	}
	select {
	case err := <-stopErr:
		if err != nil {
			s.logger.Warn("transcription stopped with error", "err", err)
		}
	case <-ctx.Done():
	}
}

func (s *Session) drainDetections(ctx context.Context, det *detectionWorker) {
	for {
		select {
		case actions, ok := <-det.results:
			if !ok {
				return
			}
			if f := s.publishActions(ctx, actions); f != nil {
				s.logger.Warn("publishing actions during finalize", "err", f.err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) detectFinal(ctx context.Context, segments []stt.Segment) {
	ex, ok := s.excerpt(segments)
	if !ok {
		return
	}
	actions, err := s.detector.DetectActions(ctx, ex)
	if err != nil {
		s.logger.Warn("final action detection failed", "err", err)
		return
	}
	if f := s.publishActions(ctx, actions); f != nil {
		s.logger.Warn("publishing actions during finalize", "err", f.err)
	}
}

// beautify sends a cleaned, speaker labelled rewrite of the transcript when
// the engine can produce one.
func (s *Session) beautify(ctx context.Context, segments []stt.Segment) {
	b, ok := s.detector.(detect.Beautifier)
	if !ok || len(segments) == 0 {
		return
	}
	in := make([]detect.TimedText, len(segments))
	for i, seg := range segments {
		in[i] = detect.TimedText{Text: seg.Text, StartMS: seg.AudioStartMS, EndMS: seg.AudioEndMS}
	}
	clean, err := b.Beautify(ctx, in)
	if err != nil {
		s.logger.Warn("transcript beautify failed", "err", err)
		return
	}
	if len(clean) == 0 {
		return
	}
	out := make([]protocol.BeautifySegment, len(clean))
	for i, c := range clean {
		out[i] = protocol.BeautifySegment{Speaker: c.Speaker, Transcript: c.Text, AudioStart: c.StartMS, AudioEnd: c.EndMS}
	}
	if err := s.sendJSON(protocol.Beautify(out)); err != nil {
		metrics.RecordDropped("beautify_outbound", 1)
		s.logger.Warn("dropping beautified transcript", "err", err)
	}
}

func (s *Session) summarize(ctx context.Context, segments []stt.Segment) detect.Summary {
	transcript := transcription.JoinText(segments)
	if strings.TrimSpace(transcript) == "" {
		return detect.Summary{Title: detect.FallbackTitle}
	}
	summary, err := s.detector.Summarize(ctx, transcript)
	if err != nil {
		s.logger.Warn("conversation summary failed", "err", err)
		if summary.Title == "" {
			summary = detect.FallbackSummary()
		}
	}
	return summary
}

func (s *Session) persist(summary detect.Summary, segments []stt.Segment) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), persistTimeout)
	defer cancel()

	conv := store.Conversation{
		ID:         s.conversationID,
		UserID:     s.userID,
		Title:      summary.Title,
		Status:     store.StatusArchived,
		Transcript: transcription.JoinText(segments),
		Preview:    summary.Preview,
		Segments:   segments,
	}
	if err := store.SaveConversation(ctx, s.store, conv); err != nil {
		s.logger.Error("persist conversation failed", "err", err)
		return err
	}
	if len(summary.Logs) > 0 {
		if err := s.store.AppendConversationLogs(ctx, s.conversationID, summary.Logs); err != nil {
			s.logger.Error("persist conversation logs failed", "err", err)
			return err
		}
	}
	s.logger.Info("conversation persisted", "segments", len(segments), "logs", len(summary.Logs))
	return nil
}
