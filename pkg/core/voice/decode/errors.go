package decode

import (
	"errors"
	"fmt"
)

var (
	ErrNotWebM           = errors.New("decode: stream is not a webm container")
	ErrNoOpusTrack       = errors.New("decode: no opus track before first block")
	ErrUnsupportedLacing = errors.New("decode: laced blocks are not supported")
	ErrPCMOverflow       = errors.New("decode: pcm queue full")
	ErrClosed            = errors.New("decode: decoder closed")
)

// Error is a malformed or unsupported container or codec failure. It is
// fatal for the stream that produced it.
type Error struct {
	Op  string // "demux", "opus", "output"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err came from the decoder.
func IsDecodeError(err error) bool {
	var de *Error
	return errors.As(err, &de)
}
