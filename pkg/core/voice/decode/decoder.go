// Package decode turns a live Opus-in-WebM byte stream into 16 kHz mono PCM.
package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/remko/go-mkvparse"
	"gopkg.in/hraban/opus.v2"

	"github.com/vango-go/oto-voiceapi/pkg/metrics"
)

const (
	SampleRate   = 16000
	Channels     = 1
	FrameSamples = 1600

	// maxPacketSamples covers the longest Opus packet (120 ms) at 48 kHz.
	maxPacketSamples = 5760
	defaultQueueSize = 64
)

// PCMChunk is a run of signed 16-bit mono samples at SampleRate. Every chunk
// holds FrameSamples samples except possibly the last one of a stream.
type PCMChunk struct {
	Seq     int64
	Samples []int16
}

// Bytes returns the samples as little-endian s16 PCM.
func (c PCMChunk) Bytes() []byte {
	out := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PacketDecoder decodes one compressed audio packet into pcm and returns the
// number of samples per channel written.
type PacketDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// Options configures a Decoder.
type Options struct {
	// QueueSize bounds the PCM channel. A full channel is a decode failure.
	QueueSize int
	// WAVPath enables the diagnostics mirror when set.
	WAVPath string
	Logger  *slog.Logger

	// NewPacketDecoder overrides the Opus decoder; used by tests.
	NewPacketDecoder func(sampleRate, channels int) (PacketDecoder, error)
}

// Decoder demuxes and decodes one stream. Write and End must be called from a
// single goroutine; PCM is delivered on the PCM channel as soon as it is
// decoded and the channel is closed when decoding stops.
type Decoder struct {
	logger  *slog.Logger
	packets PacketDecoder
	mirror  *wavMirror

	pw   *io.PipeWriter
	pcm  chan PCMChunk
	done chan struct{}

	header  []byte
	ending  atomic.Bool
	closing atomic.Bool

	mu  sync.Mutex
	err error

	// parser goroutine only
	scratch []int16
	pending []int16
	seq     int64
}

// New starts a decoder.
func New(opts Options) (*Decoder, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	newPackets := opts.NewPacketDecoder
	if newPackets == nil {
		newPackets = func(sampleRate, channels int) (PacketDecoder, error) {
			return opus.NewDecoder(sampleRate, channels)
		}
	}
	packets, err := newPackets(SampleRate, Channels)
	if err != nil {
		return nil, &Error{Op: "opus", Err: err}
	}

	d := &Decoder{
		logger:  logger,
		packets: packets,
		pcm:     make(chan PCMChunk, opts.QueueSize),
		done:    make(chan struct{}),
		scratch: make([]int16, maxPacketSamples),
	}
	if opts.WAVPath != "" {
		m, err := newWAVMirror(opts.WAVPath, logger)
		if err != nil {
			logger.Warn("wav mirror disabled", "path", opts.WAVPath, "err", err)
		} else {
			d.mirror = m
		}
	}

	pr, pw := io.Pipe()
	d.pw = pw
	go d.run(pr)
	return d, nil
}

// PCM returns the decoded audio channel.
func (d *Decoder) PCM() <-chan PCMChunk {
	return d.pcm
}

// Done is closed once the decoder has stopped and the PCM channel is closed.
func (d *Decoder) Done() <-chan struct{} {
	return d.done
}

// Err returns the decode failure, if any.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Decoder) setErr(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
	return d.err
}

// Write feeds the next fragment of the container stream.
func (d *Decoder) Write(chunk []byte) error {
	if err := d.Err(); err != nil {
		return err
	}
	if d.ending.Load() || d.closing.Load() {
		return ErrClosed
	}
	if len(d.header) < len(webmMagic) {
		need := len(webmMagic) - len(d.header)
		if need > len(chunk) {
			need = len(chunk)
		}
		d.header = append(d.header, chunk[:need]...)
		if !bytes.HasPrefix(webmMagic, d.header) {
			err := &Error{Op: "demux", Err: ErrNotWebM}
			d.pw.CloseWithError(err)
			<-d.done
			return d.Err()
		}
	}
	if _, err := d.pw.Write(chunk); err != nil {
		if derr := d.Err(); derr != nil {
			return derr
		}
		return &Error{Op: "demux", Err: err}
	}
	return nil
}

// End signals end of input, waits for the remaining audio to be decoded and
// flushed, and returns the decode failure if one occurred.
func (d *Decoder) End() error {
	if d.ending.Swap(true) {
		<-d.done
		return d.Err()
	}
	_ = d.pw.Close()
	<-d.done
	return d.Err()
}

// Close aborts decoding and releases the decoder. PCM already queued stays
// readable.
func (d *Decoder) Close() error {
	if !d.closing.Swap(true) {
		d.pw.CloseWithError(ErrClosed)
	}
	<-d.done
	return nil
}

func (d *Decoder) run(pr *io.PipeReader) {
	defer close(d.done)
	defer close(d.pcm)
	defer func() {
		if d.mirror != nil {
			if err := d.mirror.close(); err != nil {
				d.logger.Warn("wav mirror close failed", "err", err)
			}
		}
	}()

	h := &demuxer{
		onPacket: d.decodePacket,
		onError:  func(err error) { d.fail(pr, err) },
	}
	err := mkvparse.Parse(pr, h)
	if ferr := d.Err(); ferr != nil {
		metrics.RecordDecodeError()
		d.logger.Warn("audio decode failed", "err", ferr)
		pr.CloseWithError(ferr)
		return
	}
	switch {
	case err == nil:
	case d.closing.Load():
		return
	case d.ending.Load() && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)):
		// A live stream ends mid-cluster; the partial element is discarded.
	default:
		var de *Error
		if !errors.As(err, &de) {
			err = &Error{Op: "demux", Err: err}
		}
		err = d.setErr(err)
		metrics.RecordDecodeError()
		d.logger.Warn("audio decode failed", "err", err)
		pr.CloseWithError(err)
		return
	}

	if len(d.pending) > 0 {
		if err := d.emit(d.pending); err != nil {
			d.setErr(err)
			metrics.RecordDecodeError()
			d.logger.Warn("audio decode failed", "err", err)
		}
		d.pending = nil
	}
}

// fail records the first decode failure and stops the parser by failing its
// input; a blocked Write returns the failure.
func (d *Decoder) fail(pr *io.PipeReader, err error) {
	var de *Error
	if !errors.As(err, &de) {
		err = &Error{Op: "demux", Err: err}
	}
	pr.CloseWithError(d.setErr(err))
}

func (d *Decoder) decodePacket(data []byte) error {
	n, err := d.packets.Decode(data, d.scratch)
	if err != nil {
		return &Error{Op: "opus", Err: err}
	}
	d.pending = append(d.pending, d.scratch[:n*Channels]...)
	for len(d.pending) >= FrameSamples {
		frame := make([]int16, FrameSamples)
		copy(frame, d.pending[:FrameSamples])
		d.pending = append(d.pending[:0], d.pending[FrameSamples:]...)
		if err := d.emit(frame); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) emit(samples []int16) error {
	if d.mirror != nil && !d.mirror.write(samples) {
		metrics.RecordDropped("wav_mirror", 1)
	}
	chunk := PCMChunk{Seq: d.seq, Samples: samples}
	select {
	case d.pcm <- chunk:
		d.seq++
		return nil
	default:
		metrics.RecordDropped("pcm_overflow", 1)
		return &Error{Op: "output", Err: ErrPCMOverflow}
	}
}
