// Package replication keeps a cluster of gateway nodes agreeing on a single
// data stream. One node leads each term and owns the stream's write side;
// the others follow, acknowledge what they have received, and elect a new
// leader when the current one goes quiet. Commit positions move only when
// the configured acknowledgement strategy is satisfied, so a consumer that
// sticks to committed data never observes writes the cluster could lose.
package replication

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/transport"
)

// Stream ids used by a cluster on its transport medium.
const (
	DefaultDataStreamID            int32 = 1
	DefaultControlStreamID         int32 = 2
	DefaultAcknowledgementStreamID int32 = 3
)

// DefaultTimeoutMS is the minimum leader silence before an election.
const DefaultTimeoutMS int64 = 1000

// Role is one face of a cluster node. Exactly one role is active at a time.
type Role interface {
	Poll(fragmentLimit int, nowMS int64) int
}

// TransitionHandler is told when a role wants the node to change shape.
type TransitionHandler interface {
	// TransitionToFollower is called with the candidate this node just
	// endorsed, or NoNode when it is yielding to an established leader.
	TransitionToFollower(votedFor int16, termID int32, nowMS int64)
	TransitionToCandidate(nowMS int64)
	TransitionToLeader(nowMS int64)
}

// Configuration wires a ClusterNode onto a transport medium.
type Configuration struct {
	NodeID int16

	// Members lists the other nodes of the cluster, excluding this one.
	Members []int16

	Medium *transport.Medium

	DataStreamID            int32
	ControlStreamID         int32
	AcknowledgementStreamID int32

	// TimeoutMS is the minimum leader silence before an election. The
	// heartbeat interval is half of it.
	TimeoutMS int64

	Strategy AcknowledgementStrategy
	Log      *zap.Logger
}

// ClusterNode composes the three roles over shared subscriptions and swaps
// the active one as the cluster's shape changes. Nodes start as followers
// and elect themselves only after the configured silence.
type ClusterNode struct {
	nodeID    int16
	termState *TermState

	leader    *Leader
	follower  *Follower
	candidate *Candidate
	role      Role

	publication *ClusterPublication
	log         *zap.Logger
}

// NewClusterNode attaches a node to the medium and wires its roles.
func NewClusterNode(cfg Configuration) (*ClusterNode, error) {
	if cfg.Medium == nil {
		return nil, fmt.Errorf("replication: configuration needs a transport medium")
	}
	if cfg.NodeID == NoNode {
		return nil, fmt.Errorf("replication: node id must be nonzero")
	}
	if cfg.DataStreamID == 0 {
		cfg.DataStreamID = DefaultDataStreamID
	}
	if cfg.ControlStreamID == 0 {
		cfg.ControlStreamID = DefaultControlStreamID
	}
	if cfg.AcknowledgementStreamID == 0 {
		cfg.AcknowledgementStreamID = DefaultAcknowledgementStreamID
	}
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = DefaultTimeoutMS
	}
	if cfg.Strategy == nil {
		cfg.Strategy = Quorum{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	dataPublication, err := cfg.Medium.AddPublication(cfg.DataStreamID)
	if err != nil {
		return nil, fmt.Errorf("replication: add data publication: %w", err)
	}
	controlPublication, err := cfg.Medium.AddPublication(cfg.ControlStreamID)
	if err != nil {
		return nil, fmt.Errorf("replication: add control publication: %w", err)
	}
	ackPublication, err := cfg.Medium.AddPublication(cfg.AcknowledgementStreamID)
	if err != nil {
		return nil, fmt.Errorf("replication: add acknowledgement publication: %w", err)
	}
	dataSubscription, err := cfg.Medium.AddSubscription(cfg.DataStreamID)
	if err != nil {
		return nil, fmt.Errorf("replication: add data subscription: %w", err)
	}
	controlSubscription, err := cfg.Medium.AddSubscription(cfg.ControlStreamID)
	if err != nil {
		return nil, fmt.Errorf("replication: add control subscription: %w", err)
	}
	ackSubscription, err := cfg.Medium.AddSubscription(cfg.AcknowledgementStreamID)
	if err != nil {
		return nil, fmt.Errorf("replication: add acknowledgement subscription: %w", err)
	}

	termState := &TermState{}
	control := NewControlPublication(controlPublication, cfg.Log)
	acks := NewControlPublication(ackPublication, cfg.Log)

	node := &ClusterNode{
		nodeID:      cfg.NodeID,
		termState:   termState,
		publication: NewClusterPublication(dataPublication, termState),
		log:         cfg.Log,
	}
	node.leader = NewLeader(LeaderConfig{
		NodeID:                      cfg.NodeID,
		Members:                     cfg.Members,
		TermState:                   termState,
		Strategy:                    cfg.Strategy,
		Handler:                     node,
		ControlPublication:          control,
		ControlSubscription:         controlSubscription,
		AcknowledgementSubscription: ackSubscription,
		DataSubscription:            dataSubscription,
		HeartbeatIntervalMS:         cfg.TimeoutMS / 2,
		Log:                         cfg.Log,
	})
	node.follower = NewFollower(FollowerConfig{
		NodeID:                     cfg.NodeID,
		TermState:                  termState,
		Handler:                    node,
		ControlPublication:         control,
		AcknowledgementPublication: acks,
		ControlSubscription:        controlSubscription,
		DataSubscription:           dataSubscription,
		Timeout:                    NewRandomTimeout(cfg.TimeoutMS, int64(cfg.NodeID)),
		Log:                        cfg.Log,
	})
	node.candidate = NewCandidate(CandidateConfig{
		NodeID:              cfg.NodeID,
		SessionID:           dataPublication.SessionID(),
		ClusterSize:         len(cfg.Members) + 1,
		TermState:           termState,
		Handler:             node,
		ControlPublication:  control,
		ControlSubscription: controlSubscription,
		Timeout:             NewRandomTimeout(cfg.TimeoutMS, int64(cfg.NodeID)<<16|1),
		Log:                 cfg.Log,
	})
	node.role = node.follower
	return node, nil
}

// Poll runs the active role once. It returns the amount of work done.
func (n *ClusterNode) Poll(fragmentLimit int, nowMS int64) int {
	return n.role.Poll(fragmentLimit, nowMS)
}

// NodeID returns this node's cluster-wide id.
func (n *ClusterNode) NodeID() int16 { return n.nodeID }

// TermState exposes the node's leadership view.
func (n *ClusterNode) TermState() *TermState { return n.termState }

// Publication returns the leadership-gated write side of the data stream.
func (n *ClusterNode) Publication() *ClusterPublication { return n.publication }

// IsLeader reports whether the leader role is active.
func (n *ClusterNode) IsLeader() bool {
	_, ok := n.role.(*Leader)
	return ok
}

// RoleName names the active role for status reporting.
func (n *ClusterNode) RoleName() string {
	switch n.role.(type) {
	case *Leader:
		return "leader"
	case *Candidate:
		return "candidate"
	default:
		return "follower"
	}
}

// UpdateNextHeartbeatTime defers the leader heartbeat after the caller has
// published data. It is a no-op on non-leaders.
func (n *ClusterNode) UpdateNextHeartbeatTime(nowMS int64) {
	if n.IsLeader() {
		n.leader.UpdateNextHeartbeatTime(nowMS)
	}
}

// TransitionToFollower implements TransitionHandler.
func (n *ClusterNode) TransitionToFollower(votedFor int16, termID int32, nowMS int64) {
	n.log.Info("transitioning to follower",
		zap.Int16("node_id", n.nodeID),
		zap.Int32("term", termID),
		zap.Int16("voted_for", votedFor))
	n.follower.RecordVote(votedFor, termID)
	n.role = n.follower
	n.follower.Follow(nowMS)
}

// TransitionToCandidate implements TransitionHandler.
func (n *ClusterNode) TransitionToCandidate(nowMS int64) {
	n.log.Info("transitioning to candidate", zap.Int16("node_id", n.nodeID))
	n.candidate.SetPosition(n.follower.ReceivedPosition())
	n.role = n.candidate
	n.candidate.StartNewElection(nowMS)
}

// TransitionToLeader implements TransitionHandler.
func (n *ClusterNode) TransitionToLeader(nowMS int64) {
	n.log.Info("transitioning to leader",
		zap.Int16("node_id", n.nodeID),
		zap.Int32("term", n.termState.LeadershipTermID()))
	n.role = n.leader
	n.leader.TakeOffice(nowMS)
}
