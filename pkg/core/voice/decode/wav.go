package decode

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const mirrorQueue = 64

// wavMirror writes decoded PCM to a WAV file on its own goroutine. write never
// blocks; frames are discarded when the writer falls behind.
type wavMirror struct {
	logger *slog.Logger
	f      *os.File
	enc    *wav.Encoder
	frames chan []int16
	done   chan struct{}
	err    error
}

func newWAVMirror(path string, logger *slog.Logger) (*wavMirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	m := &wavMirror{
		logger: logger,
		f:      f,
		enc:    wav.NewEncoder(f, SampleRate, 16, Channels, 1),
		frames: make(chan []int16, mirrorQueue),
		done:   make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *wavMirror) run() {
	defer close(m.done)

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: SampleRate},
		SourceBitDepth: 16,
	}
	for samples := range m.frames {
		if m.err != nil {
			continue
		}
		buf.Data = buf.Data[:0]
		for _, s := range samples {
			buf.Data = append(buf.Data, int(s))
		}
		if err := m.enc.Write(buf); err != nil {
			m.err = err
			m.logger.Warn("wav mirror write failed", "path", m.f.Name(), "err", err)
		}
	}
	m.err = errors.Join(m.err, m.enc.Close(), m.f.Close())
}

func (m *wavMirror) write(samples []int16) bool {
	select {
	case m.frames <- samples:
		return true
	default:
		return false
	}
}

func (m *wavMirror) close() error {
	close(m.frames)
	<-m.done
	return m.err
}
