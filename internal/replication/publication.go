package replication

import (
	"errors"

	"github.com/Aidin1998/fixgate/internal/transport"
)

// ErrNotLeader is returned on writes from a node that does not hold the
// current term. Callers redirect traffic to the elected leader.
var ErrNotLeader = errors.New("replication: node is not the leader")

// ClusterPublication is the write side of the replicated data stream. Every
// write is gated on this node's data session holding the leadership, so a
// deposed leader fails fast instead of publishing into a dead term.
type ClusterPublication struct {
	publication *transport.Publication
	termState   *TermState
}

// NewClusterPublication gates a transport publication on leadership.
func NewClusterPublication(publication *transport.Publication, termState *TermState) *ClusterPublication {
	return &ClusterPublication{publication: publication, termState: termState}
}

// SessionID identifies this node's frames on the data stream.
func (p *ClusterPublication) SessionID() int32 { return p.publication.SessionID() }

// Position returns the publication position after the last write.
func (p *ClusterPublication) Position() int64 { return p.publication.Position() }

// TryClaim reserves space for a payload when this node leads.
func (p *ClusterPublication) TryClaim(length int) (*transport.Claim, int64, error) {
	if p.termState.LeaderSessionID() != p.publication.SessionID() {
		return nil, 0, ErrNotLeader
	}
	return p.publication.TryClaim(length)
}

// Offer publishes a payload when this node leads.
func (p *ClusterPublication) Offer(payload []byte) (int64, error) {
	if p.termState.LeaderSessionID() != p.publication.SessionID() {
		return 0, ErrNotLeader
	}
	return p.publication.Offer(payload)
}
