package replication

import (
	"github.com/ugorji/go/codec"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/transport"
)

// MessageType tags a control frame. It travels as the first payload byte,
// ahead of the msgpack-encoded body.
type MessageType byte

const (
	MessageTypeRequestVote MessageType = iota + 1
	MessageTypeReplyVote
	MessageTypeConsensusHeartbeat
	MessageTypeAcknowledgement
)

// Vote is a node's answer to a RequestVote.
type Vote byte

const (
	VoteFor Vote = iota + 1
	VoteAgainst
)

// AckStatus qualifies a follower acknowledgement.
type AckStatus byte

const (
	AckOK AckStatus = iota + 1
	AckMissingLogEntries
)

// RequestVote asks the cluster to elect the sender for a new term. The
// candidate's session id lets voters know which data stream session will
// carry the log if the candidate wins.
type RequestVote struct {
	CandidateID        int16
	CandidateSessionID int32
	LeadershipTermID   int32
	LastAckedPosition  int64
}

// ReplyVote answers a RequestVote, for or against.
type ReplyVote struct {
	SenderNodeID     int16
	CandidateID      int16
	LeadershipTermID int32
	Vote             Vote
}

// ConsensusHeartbeat is the leader's periodic announcement of its term, its
// appended position and the position the cluster has committed through.
type ConsensusHeartbeat struct {
	LeaderNodeID     int16
	LeadershipTermID int32
	Position         int64
	CommitPosition   int64
	LeaderSessionID  int32
}

// Acknowledgement reports how far a follower has received the leader's data
// stream. Positions are in the leader session's position space, so acks
// carry the term they belong to.
type Acknowledgement struct {
	NodeID           int16
	LeadershipTermID int32
	Position         int64
	Status           AckStatus
}

var msgpackHandle codec.MsgpackHandle

func marshalMessage(msgType MessageType, body any) ([]byte, error) {
	var encoded []byte
	if err := codec.NewEncoderBytes(&encoded, &msgpackHandle).Encode(body); err != nil {
		return nil, err
	}
	payload := make([]byte, 0, len(encoded)+1)
	payload = append(payload, byte(msgType))
	return append(payload, encoded...), nil
}

func unmarshalBody(data []byte, body any) error {
	return codec.NewDecoderBytes(data, &msgpackHandle).Decode(body)
}

// ControlHandler receives decoded consensus control messages. Roles
// implement the subset they react to and ignore the rest.
type ControlHandler interface {
	OnRequestVote(m *RequestVote)
	OnReplyVote(m *ReplyVote)
	OnConsensusHeartbeat(m *ConsensusHeartbeat)
	OnAcknowledgement(m *Acknowledgement)
}

// PollControl drains up to limit control frames from the subscription and
// dispatches them to the handler. Corrupt or unknown frames are dropped.
func PollControl(sub *transport.Subscription, handler ControlHandler, limit int) int {
	return sub.Poll(func(buffer []byte, header transport.FragmentHeader) {
		dispatchControl(buffer, handler)
	}, limit)
}

func dispatchControl(buffer []byte, handler ControlHandler) {
	if len(buffer) < 1 {
		return
	}
	body := buffer[1:]
	switch MessageType(buffer[0]) {
	case MessageTypeRequestVote:
		m := &RequestVote{}
		if unmarshalBody(body, m) == nil {
			handler.OnRequestVote(m)
		}
	case MessageTypeReplyVote:
		m := &ReplyVote{}
		if unmarshalBody(body, m) == nil {
			handler.OnReplyVote(m)
		}
	case MessageTypeConsensusHeartbeat:
		m := &ConsensusHeartbeat{}
		if unmarshalBody(body, m) == nil {
			handler.OnConsensusHeartbeat(m)
		}
	case MessageTypeAcknowledgement:
		m := &Acknowledgement{}
		if unmarshalBody(body, m) == nil {
			handler.OnAcknowledgement(m)
		}
	}
}

// ControlPublication writes consensus control messages onto a stream. The
// same type serves both the control stream and the acknowledgement stream;
// each instance wraps one exclusive transport publication.
type ControlPublication struct {
	pub *transport.Publication
	log *zap.Logger
}

// NewControlPublication wraps a transport publication for control traffic.
func NewControlPublication(pub *transport.Publication, log *zap.Logger) *ControlPublication {
	if log == nil {
		log = zap.NewNop()
	}
	return &ControlPublication{pub: pub, log: log}
}

// SessionID identifies this publication's frames on the stream.
func (c *ControlPublication) SessionID() int32 { return c.pub.SessionID() }

// SaveRequestVote publishes a vote request.
func (c *ControlPublication) SaveRequestVote(m *RequestVote) {
	c.save(MessageTypeRequestVote, m)
}

// SaveReplyVote publishes a vote reply.
func (c *ControlPublication) SaveReplyVote(m *ReplyVote) {
	c.save(MessageTypeReplyVote, m)
}

// SaveConsensusHeartbeat publishes a leader heartbeat.
func (c *ControlPublication) SaveConsensusHeartbeat(m *ConsensusHeartbeat) {
	c.save(MessageTypeConsensusHeartbeat, m)
}

// SaveAcknowledgement publishes a follower acknowledgement.
func (c *ControlPublication) SaveAcknowledgement(m *Acknowledgement) {
	c.save(MessageTypeAcknowledgement, m)
}

func (c *ControlPublication) save(msgType MessageType, body any) {
	payload, err := marshalMessage(msgType, body)
	if err != nil {
		c.log.Error("failed to encode control message",
			zap.Uint8("type", uint8(msgType)),
			zap.Error(err))
		return
	}
	if _, err := c.pub.Offer(payload); err != nil {
		c.log.Warn("failed to offer control message",
			zap.Uint8("type", uint8(msgType)),
			zap.Error(err))
	}
}
