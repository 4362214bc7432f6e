package decode

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/remko/go-mkvparse"
)

const codecOpus = "A_OPUS"

var webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// demuxer is a go-mkvparse handler that picks the Opus track and forwards the
// frames of its blocks in container order. go-mkvparse ignores errors from
// the leaf handlers, so a block failure is reported through onError and
// returned from the next master element callback.
type demuxer struct {
	onPacket func(data []byte) error
	onError  func(err error)
	err      error

	opusTrack  uint64
	inEntry    bool
	entryNum   uint64
	entryCodec string
}

func (d *demuxer) HandleMasterBegin(id mkvparse.ElementID, _ mkvparse.ElementInfo) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if id == mkvparse.TrackEntryElement {
		d.inEntry = true
		d.entryNum = 0
		d.entryCodec = ""
	}
	return true, nil
}

func (d *demuxer) HandleMasterEnd(id mkvparse.ElementID, _ mkvparse.ElementInfo) error {
	if d.err != nil {
		return d.err
	}
	if id == mkvparse.TrackEntryElement {
		d.inEntry = false
		if d.opusTrack == 0 && d.entryCodec == codecOpus && d.entryNum > 0 {
			d.opusTrack = d.entryNum
		}
	}
	return nil
}

func (d *demuxer) HandleString(id mkvparse.ElementID, value string, _ mkvparse.ElementInfo) error {
	if d.inEntry && id == mkvparse.CodecIDElement {
		d.entryCodec = value
	}
	return nil
}

func (d *demuxer) HandleInteger(id mkvparse.ElementID, value int64, _ mkvparse.ElementInfo) error {
	if d.inEntry && id == mkvparse.TrackNumberElement && value > 0 {
		d.entryNum = uint64(value)
	}
	return nil
}

func (d *demuxer) HandleFloat(mkvparse.ElementID, float64, mkvparse.ElementInfo) error {
	return nil
}

func (d *demuxer) HandleDate(mkvparse.ElementID, time.Time, mkvparse.ElementInfo) error {
	return nil
}

func (d *demuxer) HandleBinary(id mkvparse.ElementID, value []byte, _ mkvparse.ElementInfo) error {
	if d.err != nil {
		return d.err
	}
	if err := d.block(id, value); err != nil {
		d.err = err
		if d.onError != nil {
			d.onError(err)
		}
		return err
	}
	return nil
}

func (d *demuxer) block(id mkvparse.ElementID, value []byte) error {
	if id != mkvparse.SimpleBlockElement && id != mkvparse.BlockElement {
		return nil
	}
	if d.opusTrack == 0 {
		return ErrNoOpusTrack
	}
	track, payload, err := parseBlock(value)
	if err != nil {
		return err
	}
	if track != d.opusTrack || len(payload) == 0 {
		return nil
	}
	return d.onPacket(payload)
}

// parseBlock splits a (Simple)Block into its track number and frame payload:
// track vint, 16-bit relative timecode, flags, frame data.
func parseBlock(b []byte) (uint64, []byte, error) {
	track, n, err := readVint(b)
	if err != nil {
		return 0, nil, err
	}
	if len(b) < n+3 {
		return 0, nil, fmt.Errorf("block too short (%d bytes)", len(b))
	}
	flags := b[n+2]
	if lacing := (flags >> 1) & 0x03; lacing != 0 {
		return 0, nil, ErrUnsupportedLacing
	}
	return track, b[n+3:], nil
}

func readVint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New("empty vint")
	}
	if b[0] == 0 {
		return 0, 0, errors.New("invalid vint marker")
	}
	length := bits.LeadingZeros8(b[0]) + 1
	if len(b) < length {
		return 0, 0, fmt.Errorf("truncated vint (%d of %d bytes)", len(b), length)
	}
	val := uint64(b[0] & (0xFF >> length))
	for i := 1; i < length; i++ {
		val = val<<8 | uint64(b[i])
	}
	return val, length, nil
}
