package replication

import (
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/transport"
)

// CandidateConfig wires a Candidate role.
type CandidateConfig struct {
	NodeID int16

	// SessionID is the node's data publication session, which becomes the
	// leader session if the candidacy succeeds.
	SessionID int32

	// ClusterSize counts every node, this one included.
	ClusterSize int

	TermState *TermState
	Handler   TransitionHandler

	ControlPublication  *ControlPublication
	ControlSubscription *transport.Subscription

	Timeout *RandomTimeout
	Log     *zap.Logger
}

// Candidate campaigns for leadership of a new term. It counts distinct
// endorsements and restarts the election with a later term if no majority
// forms before a randomized deadline.
type Candidate struct {
	nodeID      int16
	sessionID   int32
	clusterSize int
	termState   *TermState
	handler     TransitionHandler

	controlPublication  *ControlPublication
	controlSubscription *transport.Subscription

	timeout        *RandomTimeout
	nextElectionMS int64
	nowMS          int64

	term     int32
	position int64
	votes    map[int16]struct{}
	won      bool

	log *zap.Logger
}

// NewCandidate creates a candidate role. It stays passive until
// StartNewElection.
func NewCandidate(cfg CandidateConfig) *Candidate {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Candidate{
		nodeID:              cfg.NodeID,
		sessionID:           cfg.SessionID,
		clusterSize:         cfg.ClusterSize,
		termState:           cfg.TermState,
		handler:             cfg.Handler,
		controlPublication:  cfg.ControlPublication,
		controlSubscription: cfg.ControlSubscription,
		timeout:             cfg.Timeout,
		log:                 cfg.Log,
	}
}

// SetPosition records the position this candidate campaigns from, normally
// the received position handed over by the follower role.
func (c *Candidate) SetPosition(position int64) { c.position = position }

// StartNewElection campaigns for the term after the latest one this node has
// seen, voting for itself. A single-node cluster wins immediately.
func (c *Candidate) StartNewElection(nowMS int64) {
	c.nowMS = nowMS
	term := c.termState.LeadershipTermID()
	if c.term > term {
		term = c.term
	}
	c.term = term + 1
	c.votes = map[int16]struct{}{c.nodeID: {}}
	c.won = false
	c.nextElectionMS = nowMS + c.timeout.NextDelay()
	c.log.Info("starting election",
		zap.Int16("node_id", c.nodeID),
		zap.Int32("term", c.term),
		zap.Int64("position", c.position))
	c.controlPublication.SaveRequestVote(&RequestVote{
		CandidateID:        c.nodeID,
		CandidateSessionID: c.sessionID,
		LeadershipTermID:   c.term,
		LastAckedPosition:  c.position,
	})
	c.checkMajority()
}

// Poll processes control traffic and restarts the election if the deadline
// passed without a majority. It returns the amount of work done.
func (c *Candidate) Poll(fragmentLimit int, nowMS int64) int {
	c.nowMS = nowMS
	work := PollControl(c.controlSubscription, c, fragmentLimit)
	if !c.won && nowMS >= c.nextElectionMS {
		c.StartNewElection(nowMS)
		return work + 1
	}
	return work
}

// OnReplyVote counts endorsements for the current campaign.
func (c *Candidate) OnReplyVote(m *ReplyVote) {
	if c.won || m.CandidateID != c.nodeID || m.LeadershipTermID != c.term || m.Vote != VoteFor {
		return
	}
	if m.SenderNodeID == c.nodeID {
		return
	}
	c.votes[m.SenderNodeID] = struct{}{}
	c.checkMajority()
}

func (c *Candidate) checkMajority() {
	if c.won || len(c.votes) <= c.clusterSize/2 {
		return
	}
	c.won = true
	c.log.Info("won election",
		zap.Int16("node_id", c.nodeID),
		zap.Int32("term", c.term),
		zap.Int("votes", len(c.votes)))
	c.termState.SwitchTerm(c.term, c.sessionID, 0)
	c.handler.TransitionToLeader(c.nowMS)
}

// OnRequestVote endorses a competing candidate campaigning for a later term
// from a position at or past ours, abandoning this candidacy. Anything else
// is voted against.
func (c *Candidate) OnRequestVote(m *RequestVote) {
	if m.CandidateID == c.nodeID {
		return
	}
	if m.LeadershipTermID > c.term && m.LastAckedPosition >= c.position {
		c.controlPublication.SaveReplyVote(&ReplyVote{
			SenderNodeID:     c.nodeID,
			CandidateID:      m.CandidateID,
			LeadershipTermID: m.LeadershipTermID,
			Vote:             VoteFor,
		})
		c.handler.TransitionToFollower(m.CandidateID, m.LeadershipTermID, c.nowMS)
		return
	}
	c.controlPublication.SaveReplyVote(&ReplyVote{
		SenderNodeID:     c.nodeID,
		CandidateID:      m.CandidateID,
		LeadershipTermID: m.LeadershipTermID,
		Vote:             VoteAgainst,
	})
}

// OnConsensusHeartbeat abandons the candidacy when a leader for this term or
// a later one already exists. Stale leaders are the reason elections start,
// so earlier terms are ignored.
func (c *Candidate) OnConsensusHeartbeat(m *ConsensusHeartbeat) {
	if m.LeaderNodeID == c.nodeID {
		return
	}
	if m.LeadershipTermID >= c.term {
		c.log.Info("yielding to elected leader",
			zap.Int16("leader_node_id", m.LeaderNodeID),
			zap.Int32("term", m.LeadershipTermID))
		c.termState.SwitchTerm(m.LeadershipTermID, m.LeaderSessionID, m.CommitPosition)
		c.handler.TransitionToFollower(NoNode, m.LeadershipTermID, c.nowMS)
	}
}

// OnAcknowledgement is ignored; only leaders track acknowledgements.
func (c *Candidate) OnAcknowledgement(m *Acknowledgement) {}
