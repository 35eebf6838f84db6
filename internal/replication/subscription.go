package replication

import (
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/transport"
)

// ClusterSubscription delivers the replicated data stream in publication
// order, holding every fragment back until a consensus heartbeat covers it.
// Fragments a deposed leader published past its final commit point are
// dropped once a new leader takes over, so consumers only ever observe data
// the cluster cannot lose.
type ClusterSubscription struct {
	dataSubscription    *transport.Subscription
	controlSubscription *transport.Subscription

	currentTermID   int32
	leaderSessionID int32
	commits         map[int32]int64
	pending         []pendingFragment

	log *zap.Logger
}

type pendingFragment struct {
	header  transport.FragmentHeader
	payload []byte
}

// NewClusterSubscription combines a data subscription with the control
// subscription it learns commit positions from.
func NewClusterSubscription(dataSubscription, controlSubscription *transport.Subscription, log *zap.Logger) *ClusterSubscription {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClusterSubscription{
		dataSubscription:    dataSubscription,
		controlSubscription: controlSubscription,
		commits:             make(map[int32]int64),
		log:                 log,
	}
}

// LeaderSessionID returns the session the current leader publishes on, or
// NoLeader before the first heartbeat.
func (s *ClusterSubscription) LeaderSessionID() int32 { return s.leaderSessionID }

// CommitPosition returns the committed position of the current leader's
// session as learnt from heartbeats.
func (s *ClusterSubscription) CommitPosition() int64 { return s.commits[s.leaderSessionID] }

// PendingFragments counts fragments received but not yet committed.
func (s *ClusterSubscription) PendingFragments() int { return len(s.pending) }

// Poll advances the control view, flushes newly committed fragments, then
// reads fresh data. It returns the amount of work done.
func (s *ClusterSubscription) Poll(handler transport.FragmentHandler, limit int) int {
	work := PollControl(s.controlSubscription, s, limit)
	work += s.drainPending(handler)
	work += s.dataSubscription.Poll(func(buffer []byte, header transport.FragmentHeader) {
		s.onFragment(buffer, header, handler)
	}, limit)
	work += s.drainPending(handler)
	return work
}

func (s *ClusterSubscription) onFragment(buffer []byte, header transport.FragmentHeader, handler transport.FragmentHandler) {
	if len(s.pending) == 0 && header.Position <= s.commits[header.SessionID] {
		handler(buffer, header)
		return
	}
	payload := make([]byte, len(buffer))
	copy(payload, buffer)
	s.pending = append(s.pending, pendingFragment{header: header, payload: payload})
}

func (s *ClusterSubscription) drainPending(handler transport.FragmentHandler) int {
	delivered := 0
	for len(s.pending) > 0 {
		front := s.pending[0]
		if front.header.Position <= s.commits[front.header.SessionID] {
			s.pending = s.pending[1:]
			handler(front.payload, front.header)
			delivered++
			continue
		}
		if s.leaderSessionID != NoLeader && front.header.SessionID != s.leaderSessionID {
			// Uncommitted remainder of a deposed leader.
			s.log.Debug("dropping uncommitted fragment from old leader",
				zap.Int32("session_id", front.header.SessionID),
				zap.Int64("position", front.header.Position))
			s.pending = s.pending[1:]
			continue
		}
		break
	}
	return delivered
}

// OnConsensusHeartbeat tracks commit positions per leader session and
// switches leader on a later term.
func (s *ClusterSubscription) OnConsensusHeartbeat(m *ConsensusHeartbeat) {
	if m.CommitPosition > s.commits[m.LeaderSessionID] {
		s.commits[m.LeaderSessionID] = m.CommitPosition
	}
	if m.LeadershipTermID > s.currentTermID || s.leaderSessionID == NoLeader {
		s.currentTermID = m.LeadershipTermID
		s.leaderSessionID = m.LeaderSessionID
	}
}

// OnRequestVote is ignored; subscriptions do not take part in elections.
func (s *ClusterSubscription) OnRequestVote(m *RequestVote) {}

// OnReplyVote is ignored; subscriptions do not take part in elections.
func (s *ClusterSubscription) OnReplyVote(m *ReplyVote) {}

// OnAcknowledgement is ignored; only leaders track acknowledgements.
func (s *ClusterSubscription) OnAcknowledgement(m *Acknowledgement) {}
