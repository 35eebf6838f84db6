package archive

import (
	"sync"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/transport"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

// positionIndex orders the archived begin positions of each publication
// session so readers can run floor lookups and contiguity scans without
// touching disk.
type positionIndex struct {
	mu       sync.RWMutex
	sessions map[int32]*btree.Map[int64, int32] // begin position -> payload length
}

func newPositionIndex() *positionIndex {
	return &positionIndex{sessions: make(map[int32]*btree.Map[int64, int32])}
}

func (x *positionIndex) insert(sessionID int32, begin int64, length int32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.sessions[sessionID]
	if !ok {
		m = btree.NewMap[int64, int32](32)
		x.sessions[sessionID] = m
	}
	m.Set(begin, length)
}

// floor returns the archived fragment with the greatest begin position that
// is at or below the given position.
func (x *positionIndex) floor(sessionID int32, position int64) (begin int64, length int32, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, exists := x.sessions[sessionID]
	if !exists {
		return 0, 0, false
	}
	m.Descend(position, func(k int64, v int32) bool {
		begin, length, ok = k, v, true
		return false
	})
	return begin, length, ok
}

// contiguousEnd walks frames that tile exactly from the given position and
// returns the position after the last one. Frame lengths are aligned, so a
// gap shows up as a missing begin position.
func (x *positionIndex) contiguousEnd(sessionID int32, from int64) int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, exists := x.sessions[sessionID]
	if !exists {
		return from
	}
	for {
		length, ok := m.Get(from)
		if !ok {
			return from
		}
		from += transport.AlignedFrameLength(int(length))
	}
}

// Archiver copies every data stream fragment into the store. A follower only
// acknowledges positions the archiver has durably written, so recovery and
// resend always have the bytes they need.
type Archiver struct {
	subscription *transport.Subscription
	store        *Store
	index        *positionIndex
	log          *zap.Logger
	err          error
}

// NewArchiver builds an archiver over its own subscription to the data
// stream. The store's existing contents are indexed so a restarted node
// resumes where it left off.
func NewArchiver(subscription *transport.Subscription, store *Store, log *zap.Logger) (*Archiver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Archiver{
		subscription: subscription,
		store:        store,
		index:        newPositionIndex(),
		log:          log,
	}
	err := store.Scan(func(sessionID int32, begin int64, length int32) error {
		a.index.insert(sessionID, begin, length)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Poll drains pending fragments into the store and returns the amount of
// work done. After a write failure the archiver stops accepting fragments
// and reports the failure through Err.
func (a *Archiver) Poll(limit int) int {
	if a.err != nil {
		return 0
	}
	return a.subscription.Poll(a.onFragment, limit)
}

// Err returns the first storage failure, if any. An archiver with a pending
// error must be considered stopped.
func (a *Archiver) Err() error { return a.err }

// ArchivedPosition returns the position up to which the session's stream is
// archived without gaps, starting from zero.
func (a *Archiver) ArchivedPosition(sessionID int32) int64 {
	return a.index.contiguousEnd(sessionID, 0)
}

// Reader returns a reader sharing this archiver's index and store.
func (a *Archiver) Reader() *Reader {
	return &Reader{store: a.store, index: a.index}
}

func (a *Archiver) onFragment(buffer []byte, header transport.FragmentHeader) {
	if a.err != nil {
		return
	}
	begin := header.Position - transport.AlignedFrameLength(len(buffer))
	if err := a.store.Put(header.SessionID, begin, header.StreamID, buffer); err != nil {
		a.err = err
		a.log.Error("archiving fragment failed",
			zap.Int32("session_id", header.SessionID),
			zap.Int64("position", header.Position),
			zap.Error(err))
		return
	}
	a.index.insert(header.SessionID, begin, int32(len(buffer)))
	metrics.ArchivedFragments.Inc()
	metrics.ArchivedBytes.Add(float64(len(buffer)))
}

// Reader reads archived fragments back. Reads are idempotent and always
// return complete fragments.
type Reader struct {
	store *Store
	index *positionIndex
}

// NewReader builds a reader over an existing store, indexing its contents.
// Use Archiver.Reader when an archiver is already running over the store.
func NewReader(store *Store) (*Reader, error) {
	index := newPositionIndex()
	err := store.Scan(func(sessionID int32, begin int64, length int32) error {
		index.insert(sessionID, begin, length)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Reader{store: store, index: index}, nil
}

// Read delivers the fragment that begins at the given position to the
// handler, or returns ErrFragmentNotFound.
func (r *Reader) Read(sessionID int32, position int64, handler transport.FragmentHandler) error {
	_, err := r.read(sessionID, position, handler)
	return err
}

func (r *Reader) read(sessionID int32, position int64, handler transport.FragmentHandler) (int64, error) {
	streamID, payload, err := r.store.Get(sessionID, position)
	if err != nil {
		return position, err
	}
	end := position + transport.AlignedFrameLength(len(payload))
	handler(payload, transport.FragmentHeader{
		SessionID: sessionID,
		StreamID:  streamID,
		Position:  end,
		Length:    int32(len(payload)),
	})
	return end, nil
}

// ReadUpTo delivers archived fragments in order starting at position and
// stopping at the limit position or at the first gap. It returns the
// position after the last fragment delivered.
func (r *Reader) ReadUpTo(sessionID int32, position, limit int64, handler transport.FragmentHandler) (int64, error) {
	for position < limit {
		end, err := r.read(sessionID, position, handler)
		if err == ErrFragmentNotFound {
			return position, nil
		}
		if err != nil {
			return position, err
		}
		position = end
	}
	return position, nil
}
