// Package transport provides positioned, framed publications and
// subscriptions over an append-only log. Publications are single-writer,
// subscriptions are independent readers, and positions are byte offsets
// advanced by aligned frame lengths.
package transport

import (
	"errors"
)

const (
	// HeaderLength is the framing overhead accounted into every position.
	HeaderLength = 32

	// FrameAlignment is the boundary every frame end position is padded to.
	FrameAlignment = 32

	// MaxClaimLength bounds a single TryClaim payload.
	MaxClaimLength = 1 << 21
)

var (
	// ErrClaimTooLarge is returned when a claim exceeds MaxClaimLength.
	ErrClaimTooLarge = errors.New("transport: claim exceeds max frame length")

	// ErrClaimOutstanding is returned when a publication already has an
	// uncommitted claim. Publications are exclusive, one claim at a time.
	ErrClaimOutstanding = errors.New("transport: previous claim not committed or aborted")

	// ErrClosed is returned on operations against a closed medium.
	ErrClosed = errors.New("transport: medium closed")
)

// FragmentHeader describes a delivered fragment. Position is the publication
// position immediately after the fragment, so a reader that has consumed a
// fragment is up to date through Position.
type FragmentHeader struct {
	SessionID int32
	StreamID  int32
	Position  int64
	Length    int32
}

// FragmentHandler consumes one fragment. The buffer is only valid for the
// duration of the call; retained bytes must be copied.
type FragmentHandler func(buffer []byte, header FragmentHeader)

// AlignedFrameLength returns the number of log bytes a payload occupies,
// including the frame header and alignment padding.
func AlignedFrameLength(payloadLength int) int64 {
	length := payloadLength + HeaderLength
	return int64((length + FrameAlignment - 1) &^ (FrameAlignment - 1))
}
