package transport

import (
	"sync"
	"sync/atomic"
)

// Medium is an in-process log shared by all publications and subscriptions of
// one process (and, for same-process clusters, of all nodes). Every stream id
// maps to one append-only sequence of frames. The medium retains frames for
// its lifetime; archival and eviction live above it.
type Medium struct {
	mu       sync.RWMutex
	streams  map[int32]*streamLog
	sessions atomic.Int32
	closed   atomic.Bool
}

// NewMedium creates an empty in-process medium.
func NewMedium() *Medium {
	m := &Medium{streams: make(map[int32]*streamLog)}
	m.sessions.Store(1000)
	return m
}

// Close rejects further publications and subscriptions.
func (m *Medium) Close() {
	m.closed.Store(true)
}

func (m *Medium) stream(streamID int32) *streamLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		s = &streamLog{}
		m.streams[streamID] = s
	}
	return s
}

// AddPublication attaches a new exclusive publication to a stream. Each
// publication owns a fresh session id and its own position sequence.
func (m *Medium) AddPublication(streamID int32) (*Publication, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return &Publication{
		log:       m.stream(streamID),
		streamID:  streamID,
		sessionID: m.sessions.Add(1),
	}, nil
}

// AddSubscription attaches a new reader to a stream, positioned at the start
// of the retained log.
func (m *Medium) AddSubscription(streamID int32) (*Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return &Subscription{log: m.stream(streamID), streamID: streamID}, nil
}

type frame struct {
	sessionID int32
	position  int64 // position after this frame, per session
	payload   []byte
	padding   bool
}

type streamLog struct {
	mu     sync.RWMutex
	frames []frame
}

func (l *streamLog) append(f frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

// Publication is the single-writer side of a stream. TryClaim reserves log
// space that the caller fills and then commits or aborts; Offer copies and
// commits in one step.
type Publication struct {
	log       *streamLog
	streamID  int32
	sessionID int32

	mu       sync.Mutex
	position int64
	claimed  bool
}

// SessionID identifies this publication's frames on the stream.
func (p *Publication) SessionID() int32 { return p.sessionID }

// StreamID returns the stream this publication writes to.
func (p *Publication) StreamID() int32 { return p.streamID }

// Position returns the publication position after the last claim or offer.
func (p *Publication) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// TryClaim reserves space for a payload of the given length and returns the
// position the publication will have once the claim is committed. The claim
// must be committed or aborted before the next claim.
func (p *Publication) TryClaim(length int) (*Claim, int64, error) {
	if length <= 0 || length > MaxClaimLength {
		return nil, 0, ErrClaimTooLarge
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed {
		return nil, 0, ErrClaimOutstanding
	}
	p.claimed = true
	p.position += AlignedFrameLength(length)
	claim := &Claim{pub: p, buf: make([]byte, length), position: p.position}
	return claim, p.position, nil
}

// Offer copies the payload into the log as a single committed frame and
// returns the position after it.
func (p *Publication) Offer(payload []byte) (int64, error) {
	claim, position, err := p.TryClaim(len(payload))
	if err != nil {
		return 0, err
	}
	copy(claim.Buffer(), payload)
	claim.Commit()
	return position, nil
}

func (p *Publication) release(f frame) {
	p.log.append(f)
	p.mu.Lock()
	p.claimed = false
	p.mu.Unlock()
}

// Claim is a reserved slice of the publication's log. Exactly one of Commit
// or Abort must be called.
type Claim struct {
	pub      *Publication
	buf      []byte
	position int64
	done     bool
}

// Buffer exposes the claimed payload bytes for writing.
func (c *Claim) Buffer() []byte { return c.buf }

// Position returns the publication position after this claim commits.
func (c *Claim) Position() int64 { return c.position }

// Commit publishes the claimed frame.
func (c *Claim) Commit() {
	if c.done {
		return
	}
	c.done = true
	c.pub.release(frame{sessionID: c.pub.sessionID, position: c.position, payload: c.buf})
}

// Abort releases the claim. The reserved space is published as padding so
// positions stay contiguous; padding is never delivered to handlers.
func (c *Claim) Abort() {
	if c.done {
		return
	}
	c.done = true
	c.pub.release(frame{sessionID: c.pub.sessionID, position: c.position, padding: true})
}

// Subscription is an independent reader over a stream. Frames are delivered
// in publication order across all sessions on the stream.
type Subscription struct {
	log      *streamLog
	streamID int32

	mu     sync.Mutex
	cursor int
}

// StreamID returns the stream this subscription reads from.
func (s *Subscription) StreamID() int32 { return s.streamID }

// Poll delivers up to limit fragments to the handler and returns the number
// delivered. It never blocks.
func (s *Subscription) Poll(handler FragmentHandler, limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.mu.RLock()
	frames := s.log.frames
	s.log.mu.RUnlock()

	read := 0
	for read < limit && s.cursor < len(frames) {
		f := frames[s.cursor]
		s.cursor++
		if f.padding {
			continue
		}
		handler(f.payload, FragmentHeader{
			SessionID: f.sessionID,
			StreamID:  s.streamID,
			Position:  f.position,
			Length:    int32(len(f.payload)),
		})
		read++
	}
	return read
}

// Rewind moves the cursor back so that every retained frame of the given
// session with a position beyond the supplied one is delivered again. Frames
// of other sessions between the rewind point and the old cursor are
// re-delivered too; readers must tolerate replays after a rewind.
func (s *Subscription) Rewind(sessionID int32, position int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.mu.RLock()
	defer s.log.mu.RUnlock()

	for i := 0; i < s.cursor && i < len(s.log.frames); i++ {
		f := s.log.frames[i]
		if f.sessionID == sessionID && f.position > position {
			s.cursor = i
			return
		}
	}
}
