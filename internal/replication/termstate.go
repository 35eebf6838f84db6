package replication

import "sync/atomic"

const (
	// NoLeader marks a term with no elected leader. Transport session ids
	// start above zero, so zero never collides with a real leader session.
	NoLeader int32 = 0

	// NoNode marks the absence of a node id, for example no vote cast.
	NoNode int16 = 0
)

// TermState is one node's view of the current leadership term. It is shared
// between the node's roles and read concurrently by publications gating on
// leadership and by status endpoints, hence the atomics.
//
// Positions are scoped to the leader's data stream session: each leader
// appends from zero in its own session, and the commit position refers to
// that session. Cross-term ordering is the cluster subscription's concern.
type TermState struct {
	leadershipTermID atomic.Int32
	leaderSessionID  atomic.Int32
	commitPosition   atomic.Int64
}

// LeadershipTermID returns the current term.
func (t *TermState) LeadershipTermID() int32 { return t.leadershipTermID.Load() }

// SetLeadershipTermID moves the node onto a new term.
func (t *TermState) SetLeadershipTermID(termID int32) { t.leadershipTermID.Store(termID) }

// LeaderSessionID returns the data stream session of the current leader, or
// NoLeader when none is known.
func (t *TermState) LeaderSessionID() int32 { return t.leaderSessionID.Load() }

// SetLeaderSessionID records the data stream session of the current leader.
func (t *TermState) SetLeaderSessionID(sessionID int32) { t.leaderSessionID.Store(sessionID) }

// HasLeader reports whether a leader is known for the current term.
func (t *TermState) HasLeader() bool { return t.leaderSessionID.Load() != NoLeader }

// CommitPosition returns the highest position known to be replicated far
// enough to satisfy the cluster's acknowledgement strategy.
func (t *TermState) CommitPosition() int64 { return t.commitPosition.Load() }

// MoveCommitPosition advances the commit position and reports whether it
// moved. Within a term the commit position never regresses.
func (t *TermState) MoveCommitPosition(position int64) bool {
	for {
		current := t.commitPosition.Load()
		if position <= current {
			return false
		}
		if t.commitPosition.CompareAndSwap(current, position) {
			return true
		}
	}
}

// SwitchTerm adopts a new term and leader in one step. The commit position
// is rebased into the new leader's session position space.
func (t *TermState) SwitchTerm(termID, leaderSessionID int32, commitPosition int64) {
	t.leadershipTermID.Store(termID)
	t.leaderSessionID.Store(leaderSessionID)
	t.commitPosition.Store(commitPosition)
}
