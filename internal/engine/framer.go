package engine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Aidin1998/fixgate/internal/fix"
)

// MaxFrameLength bounds a single FIX message on the wire. A BodyLength that
// implies a longer frame is treated as stream corruption.
const MaxFrameLength = 64 * 1024

// checksumFieldLength is the fixed size of the trailer: "10=" plus three
// digits plus the terminating SOH.
const checksumFieldLength = 7

// frameCompactionThreshold is how much consumed prefix Push tolerates before
// shifting the remainder to the front of the buffer.
const frameCompactionThreshold = 4096

// ErrGarbled is returned when the stream held bytes that cannot belong to a
// FIX message. The framer has already skipped to the next plausible message
// start when it is returned.
var ErrGarbled = errors.New("engine: garbled bytes on stream")

var (
	framePrefix    = []byte("8=")
	lengthPrefix   = []byte("9=")
	checksumPrefix = []byte("10=")
)

// Framer splits a TCP byte stream into complete FIX messages. Frame
// boundaries are computed from BodyLength, never by scanning the body, so
// SOH bytes inside data fields cannot split a message. A framer is owned by
// the goroutine reading its connection.
type Framer struct {
	buf   []byte
	start int
}

// Push appends bytes read off the wire.
func (f *Framer) Push(data []byte) {
	if f.start == len(f.buf) {
		f.buf = f.buf[:0]
		f.start = 0
	} else if f.start > frameCompactionThreshold {
		n := copy(f.buf, f.buf[f.start:])
		f.buf = f.buf[:n]
		f.start = 0
	}
	f.buf = append(f.buf, data...)
}

// Buffered returns how many unconsumed bytes the framer holds.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.start
}

// Next extracts the next complete frame. It returns (nil, nil) when the
// buffered bytes do not yet hold a whole message. The returned slice aliases
// the internal buffer and is only valid until the next Push.
func (f *Framer) Next() ([]byte, error) {
	rest := f.buf[f.start:]
	if len(rest) < len(framePrefix) {
		return nil, nil
	}
	if !bytes.HasPrefix(rest, framePrefix) {
		return nil, fmt.Errorf("%w: dropped %d bytes", ErrGarbled, f.resync())
	}

	sohAfterBegin := bytes.IndexByte(rest, fix.SOH)
	if sohAfterBegin < 0 {
		return f.incomplete(len(rest))
	}

	lengthField := rest[sohAfterBegin+1:]
	if len(lengthField) < len(lengthPrefix) {
		return f.incomplete(len(rest))
	}
	if !bytes.HasPrefix(lengthField, lengthPrefix) {
		return nil, fmt.Errorf("%w: BodyLength out of place, dropped %d bytes", ErrGarbled, f.resync())
	}
	sohAfterLength := bytes.IndexByte(lengthField, fix.SOH)
	if sohAfterLength < 0 {
		return f.incomplete(len(rest))
	}
	if sohAfterLength == len(lengthPrefix) {
		return nil, fmt.Errorf("%w: empty BodyLength, dropped %d bytes", ErrGarbled, f.resync())
	}
	bodyLength := 0
	for _, c := range lengthField[len(lengthPrefix):sohAfterLength] {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: non-numeric BodyLength, dropped %d bytes", ErrGarbled, f.resync())
		}
		bodyLength = bodyLength*10 + int(c-'0')
	}

	bodyStart := sohAfterBegin + 1 + sohAfterLength + 1
	frameLength := bodyStart + bodyLength + checksumFieldLength
	if frameLength > MaxFrameLength {
		return nil, fmt.Errorf("%w: declared frame of %d bytes, dropped %d bytes", ErrGarbled, frameLength, f.resync())
	}
	if frameLength > len(rest) {
		return nil, nil
	}
	if !bytes.HasPrefix(rest[bodyStart+bodyLength:], checksumPrefix) {
		return nil, fmt.Errorf("%w: CheckSum not at BodyLength boundary, dropped %d bytes", ErrGarbled, f.resync())
	}

	f.start += frameLength
	return rest[:frameLength], nil
}

// incomplete is the partial-header path. A header that refuses to complete
// within the frame bound is corruption, not a slow peer.
func (f *Framer) incomplete(buffered int) ([]byte, error) {
	if buffered > MaxFrameLength {
		return nil, fmt.Errorf("%w: unterminated header, dropped %d bytes", ErrGarbled, f.resync())
	}
	return nil, nil
}

// resync drops bytes until the next plausible frame start and reports how
// many were discarded.
func (f *Framer) resync() int {
	rest := f.buf[f.start:]
	if next := bytes.Index(rest[1:], framePrefix); next >= 0 {
		f.start += 1 + next
		return 1 + next
	}
	// Keep a trailing '8' that may be the first byte of a split prefix.
	keep := 0
	if rest[len(rest)-1] == framePrefix[0] {
		keep = 1
	}
	dropped := len(rest) - keep
	f.start = len(f.buf) - keep
	return dropped
}

// msgTypeOf peeks the MsgType of a framed message without decoding it. It
// returns "?" when tag 35 is absent, which only happens on frames the
// decoder will reject anyway.
func msgTypeOf(frame []byte) string {
	rest := frame
	for len(rest) > 0 {
		soh := bytes.IndexByte(rest, fix.SOH)
		if soh < 0 {
			break
		}
		if field := rest[:soh]; bytes.HasPrefix(field, []byte("35=")) {
			return string(field[3:])
		}
		rest = rest[soh+1:]
	}
	return "?"
}
