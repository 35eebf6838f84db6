package replication

import (
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/transport"
)

// FollowerConfig wires a Follower role.
type FollowerConfig struct {
	NodeID    int16
	TermState *TermState
	Handler   TransitionHandler

	ControlPublication         *ControlPublication
	AcknowledgementPublication *ControlPublication
	ControlSubscription        *transport.Subscription
	DataSubscription           *transport.Subscription

	Timeout *RandomTimeout
	Log     *zap.Logger
}

// Follower tracks the leader's data stream, acknowledges what it has
// received and answers vote requests. When the leader goes quiet past a
// randomized timeout the follower asks its node to stand for election.
type Follower struct {
	nodeID    int16
	termState *TermState
	handler   TransitionHandler

	controlPublication *ControlPublication
	ackPublication     *ControlPublication

	controlSubscription *transport.Subscription
	dataSubscription    *transport.Subscription

	timeout       *RandomTimeout
	nextTimeoutMS int64
	nowMS         int64

	receivedPosition int64
	votedFor         int16
	votedInTerm      int32

	log *zap.Logger
}

// NewFollower creates a follower role. The election clock arms on the first
// poll or on Follow, whichever comes first.
func NewFollower(cfg FollowerConfig) *Follower {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Follower{
		nodeID:              cfg.NodeID,
		termState:           cfg.TermState,
		handler:             cfg.Handler,
		controlPublication:  cfg.ControlPublication,
		ackPublication:      cfg.AcknowledgementPublication,
		controlSubscription: cfg.ControlSubscription,
		dataSubscription:    cfg.DataSubscription,
		timeout:             cfg.Timeout,
		log:                 cfg.Log,
	}
}

// Follow (re)enters the following state. The election clock restarts and the
// current received position is acknowledged so the leader learns where this
// node stands, which is position zero for a node that has just started.
func (f *Follower) Follow(nowMS int64) {
	f.nowMS = nowMS
	f.resetTimeout(nowMS)
	f.saveAcknowledgement(AckOK)
}

// RecordVote marks the candidate this node endorsed for a term so a second
// candidate in the same term is refused.
func (f *Follower) RecordVote(candidateID int16, termID int32) {
	if candidateID == NoNode {
		return
	}
	f.votedFor = candidateID
	f.votedInTerm = termID
}

// ReceivedPosition returns the highest leader position received so far.
func (f *Follower) ReceivedPosition() int64 { return f.receivedPosition }

// Poll processes control traffic and leader data, then checks the election
// clock. It returns the amount of work done.
func (f *Follower) Poll(fragmentLimit int, nowMS int64) int {
	f.nowMS = nowMS
	if f.nextTimeoutMS == 0 {
		f.resetTimeout(nowMS)
	}
	work := PollControl(f.controlSubscription, f, fragmentLimit)
	work += f.readData(fragmentLimit)
	if nowMS >= f.nextTimeoutMS {
		f.log.Info("leader timed out",
			zap.Int16("node_id", f.nodeID),
			zap.Int32("term", f.termState.LeadershipTermID()))
		f.handler.TransitionToCandidate(nowMS)
		return work + 1
	}
	return work
}

func (f *Follower) readData(fragmentLimit int) int {
	leaderSessionID := f.termState.LeaderSessionID()
	before := f.receivedPosition
	read := f.dataSubscription.Poll(func(buffer []byte, header transport.FragmentHeader) {
		if header.SessionID == leaderSessionID && header.Position > f.receivedPosition {
			f.receivedPosition = header.Position
		}
	}, fragmentLimit)
	if f.receivedPosition > before {
		f.saveAcknowledgement(AckOK)
		f.resetTimeout(f.nowMS)
	}
	return read
}

func (f *Follower) saveAcknowledgement(status AckStatus) {
	f.ackPublication.SaveAcknowledgement(&Acknowledgement{
		NodeID:           f.nodeID,
		LeadershipTermID: f.termState.LeadershipTermID(),
		Position:         f.receivedPosition,
		Status:           status,
	})
}

func (f *Follower) resetTimeout(nowMS int64) {
	f.nextTimeoutMS = nowMS + f.timeout.NextDelay()
}

// OnConsensusHeartbeat follows a leader of a later term, or refreshes the
// election clock when the current leader speaks. Received positions are
// rebased when the leader session changes.
func (f *Follower) OnConsensusHeartbeat(m *ConsensusHeartbeat) {
	currentTerm := f.termState.LeadershipTermID()
	switch {
	case m.LeadershipTermID > currentTerm:
		f.log.Info("following new leader",
			zap.Int16("leader_node_id", m.LeaderNodeID),
			zap.Int32("term", m.LeadershipTermID))
		f.termState.SwitchTerm(m.LeadershipTermID, m.LeaderSessionID, m.CommitPosition)
		f.receivedPosition = 0
		f.resetTimeout(f.nowMS)
	case m.LeadershipTermID == currentTerm && m.LeaderSessionID == f.termState.LeaderSessionID():
		f.termState.MoveCommitPosition(m.CommitPosition)
		f.resetTimeout(f.nowMS)
	}
}

// OnRequestVote endorses one candidate per term, and only a candidate whose
// acknowledged position is at or past this node's. Everything else is voted
// against.
func (f *Follower) OnRequestVote(m *RequestVote) {
	if m.CandidateID == f.nodeID {
		return
	}
	stale := m.LeadershipTermID <= f.termState.LeadershipTermID() || m.LeadershipTermID < f.votedInTerm
	taken := m.LeadershipTermID == f.votedInTerm && m.CandidateID != f.votedFor
	if stale || taken || m.LastAckedPosition < f.receivedPosition {
		f.replyVote(m, VoteAgainst)
		return
	}
	f.votedFor = m.CandidateID
	f.votedInTerm = m.LeadershipTermID
	f.replyVote(m, VoteFor)
	f.resetTimeout(f.nowMS)
}

func (f *Follower) replyVote(m *RequestVote, vote Vote) {
	f.controlPublication.SaveReplyVote(&ReplyVote{
		SenderNodeID:     f.nodeID,
		CandidateID:      m.CandidateID,
		LeadershipTermID: m.LeadershipTermID,
		Vote:             vote,
	})
}

// OnReplyVote is ignored; followers are not campaigning.
func (f *Follower) OnReplyVote(m *ReplyVote) {}

// OnAcknowledgement is ignored; only leaders track acknowledgements.
func (f *Follower) OnAcknowledgement(m *Acknowledgement) {}
