package replication

import (
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/transport"
)

// LeaderConfig wires a Leader role.
type LeaderConfig struct {
	NodeID int16

	// Members lists the other nodes of the cluster, excluding this one.
	Members []int16

	TermState *TermState
	Strategy  AcknowledgementStrategy
	Handler   TransitionHandler

	ControlPublication          *ControlPublication
	ControlSubscription         *transport.Subscription
	AcknowledgementSubscription *transport.Subscription
	DataSubscription            *transport.Subscription

	HeartbeatIntervalMS int64
	Log                 *zap.Logger
}

// Leader drives a term from the coordinating side. It tracks its own
// appended position and every follower's acknowledged position, advances the
// shared commit position once the acknowledgement strategy is satisfied, and
// heartbeats the cluster so followers do not start elections.
type Leader struct {
	nodeID    int16
	members   []int16
	termState *TermState
	strategy  AcknowledgementStrategy
	handler   TransitionHandler

	controlPublication  *ControlPublication
	controlSubscription *transport.Subscription
	ackSubscription     *transport.Subscription
	dataSubscription    *transport.Subscription

	heartbeatIntervalMS int64
	nextHeartbeatTimeMS int64
	nowMS               int64

	appendedPosition int64
	nodeToPosition   map[int16]int64

	log *zap.Logger
}

// NewLeader creates a leader role. It stays passive until TakeOffice.
func NewLeader(cfg LeaderConfig) *Leader {
	if cfg.Strategy == nil {
		cfg.Strategy = Quorum{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Leader{
		nodeID:              cfg.NodeID,
		members:             cfg.Members,
		termState:           cfg.TermState,
		strategy:            cfg.Strategy,
		handler:             cfg.Handler,
		controlPublication:  cfg.ControlPublication,
		controlSubscription: cfg.ControlSubscription,
		ackSubscription:     cfg.AcknowledgementSubscription,
		dataSubscription:    cfg.DataSubscription,
		heartbeatIntervalMS: cfg.HeartbeatIntervalMS,
		nodeToPosition:      make(map[int16]int64, len(cfg.Members)+1),
		log:                 cfg.Log,
	}
}

// TakeOffice starts a term with this node coordinating. Every member is
// seeded at position zero so strategies that need the whole cluster see
// nodes that have yet to acknowledge anything. The leader announces itself
// immediately.
func (l *Leader) TakeOffice(nowMS int64) {
	l.nowMS = nowMS
	l.nodeToPosition = make(map[int16]int64, len(l.members)+1)
	for _, member := range l.members {
		l.nodeToPosition[member] = 0
	}
	l.nodeToPosition[l.nodeID] = l.appendedPosition
	l.log.Info("taking leadership",
		zap.Int16("node_id", l.nodeID),
		zap.Int32("term", l.termState.LeadershipTermID()),
		zap.Int32("leader_session_id", l.termState.LeaderSessionID()))
	l.heartbeat()
}

// Poll processes acknowledgements, control traffic and the leader's own data
// stream, then heartbeats if the interval elapsed. It returns the amount of
// work done.
func (l *Leader) Poll(fragmentLimit int, nowMS int64) int {
	l.nowMS = nowMS
	work := PollControl(l.ackSubscription, l, fragmentLimit)
	work += PollControl(l.controlSubscription, l, fragmentLimit)
	work += l.readData(fragmentLimit)
	work += l.checkHeartbeat(nowMS)
	return work
}

// UpdateNextHeartbeatTime defers the next heartbeat. Callers invoke this
// after publishing data, which reaches followers by the same path a
// heartbeat would.
func (l *Leader) UpdateNextHeartbeatTime(nowMS int64) {
	l.nextHeartbeatTimeMS = nowMS + l.heartbeatIntervalMS
}

func (l *Leader) readData(fragmentLimit int) int {
	read := l.dataSubscription.Poll(func(buffer []byte, header transport.FragmentHeader) {
		if header.SessionID == l.termState.LeaderSessionID() && header.Position > l.appendedPosition {
			l.appendedPosition = header.Position
		}
	}, fragmentLimit)
	if read > 0 {
		l.nodeToPosition[l.nodeID] = l.appendedPosition
		l.checkCommit()
	}
	return read
}

func (l *Leader) checkCommit() {
	acked := l.strategy.FindAckedPosition(l.nodeToPosition)
	if l.termState.MoveCommitPosition(acked) {
		l.heartbeat()
	}
}

func (l *Leader) checkHeartbeat(nowMS int64) int {
	if nowMS >= l.nextHeartbeatTimeMS {
		l.heartbeat()
		return 1
	}
	return 0
}

func (l *Leader) heartbeat() {
	l.controlPublication.SaveConsensusHeartbeat(&ConsensusHeartbeat{
		LeaderNodeID:     l.nodeID,
		LeadershipTermID: l.termState.LeadershipTermID(),
		Position:         l.appendedPosition,
		CommitPosition:   l.termState.CommitPosition(),
		LeaderSessionID:  l.termState.LeaderSessionID(),
	})
	l.UpdateNextHeartbeatTime(l.nowMS)
}

// OnAcknowledgement records a follower's position as reported, regressions
// included. The commit position itself never regresses, so a follower that
// restarts from zero holds up new commits without undoing old ones.
func (l *Leader) OnAcknowledgement(m *Acknowledgement) {
	if m.NodeID == l.nodeID || m.LeadershipTermID != l.termState.LeadershipTermID() {
		return
	}
	if m.Status == AckMissingLogEntries {
		l.log.Warn("follower reports missing log entries",
			zap.Int16("node_id", m.NodeID),
			zap.Int64("position", m.Position))
	}
	l.nodeToPosition[m.NodeID] = m.Position
	l.checkCommit()
}

// OnRequestVote steps down and endorses the candidate when it campaigns for
// a later term from a position at or past our commit point. Anything else is
// voted against.
func (l *Leader) OnRequestVote(m *RequestVote) {
	if m.CandidateID == l.nodeID {
		return
	}
	if m.LeadershipTermID > l.termState.LeadershipTermID() && m.LastAckedPosition >= l.termState.CommitPosition() {
		l.controlPublication.SaveReplyVote(&ReplyVote{
			SenderNodeID:     l.nodeID,
			CandidateID:      m.CandidateID,
			LeadershipTermID: m.LeadershipTermID,
			Vote:             VoteFor,
		})
		l.termState.SetLeaderSessionID(NoLeader)
		l.handler.TransitionToFollower(m.CandidateID, m.LeadershipTermID, l.nowMS)
		return
	}
	l.controlPublication.SaveReplyVote(&ReplyVote{
		SenderNodeID:     l.nodeID,
		CandidateID:      m.CandidateID,
		LeadershipTermID: m.LeadershipTermID,
		Vote:             VoteAgainst,
	})
}

// OnConsensusHeartbeat yields to a leader of a later term.
func (l *Leader) OnConsensusHeartbeat(m *ConsensusHeartbeat) {
	if m.LeaderNodeID == l.nodeID {
		return
	}
	if m.LeadershipTermID > l.termState.LeadershipTermID() {
		l.log.Info("deposed by leader of a later term",
			zap.Int16("leader_node_id", m.LeaderNodeID),
			zap.Int32("term", m.LeadershipTermID))
		l.termState.SwitchTerm(m.LeadershipTermID, m.LeaderSessionID, m.CommitPosition)
		l.handler.TransitionToFollower(NoNode, m.LeadershipTermID, l.nowMS)
	}
}

// OnReplyVote is ignored; the election this node won is over.
func (l *Leader) OnReplyVote(m *ReplyVote) {}
