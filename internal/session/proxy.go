package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/fix"
)

// Proxy is the sink for a session's outbound session-layer messages. The
// state machine drives it in the exact order its inputs arrive; every method
// that carries msgSeqNum consumes one outbound sequence number.
type Proxy interface {
	Logon(heartBtIntSecs, msgSeqNum int, username, password string, resetSeqNumFlag bool)
	Logout(msgSeqNum int)
	LowSequenceNumberLogout(msgSeqNum, expectedSeqNum, receivedSeqNum int)
	IncorrectBeginStringLogout(msgSeqNum int)
	NegativeHeartbeatLogout(msgSeqNum int)
	Reject(msgSeqNum, refSeqNum, refTagID int, refMsgType string, reason fix.RejectReason)
	Heartbeat(testReqID string, msgSeqNum int)
	TestRequest(msgSeqNum int, testReqID string)
	SequenceReset(msgSeqNum, newSeqNo int)
	ResendRequest(msgSeqNum, beginSeqNo, endSeqNo int)
	ReceivedMessageWithoutSequenceNumber(msgSeqNum int)
	RequestDisconnect(connectionID int64)
}

// FrameSink carries encoded outbound frames toward the peer. The slice is
// only valid for the duration of the call.
type FrameSink interface {
	SendFrame(frame []byte) error
}

// Disconnector receives disconnect requests for transport connections.
type Disconnector interface {
	RequestDisconnect(connectionID int64)
}

// WireProxy encodes session-layer messages and hands the frames to a sink.
// It owns its encoder and must only be driven by the session that owns it.
type WireProxy struct {
	encoder      *fix.Encoder
	sink         FrameSink
	disconnector Disconnector
	clock        Clock
	log          *zap.Logger
}

// NewWireProxy builds a proxy bound to one connection's outbound path.
func NewWireProxy(encoder *fix.Encoder, sink FrameSink, disconnector Disconnector, clock Clock, log *zap.Logger) *WireProxy {
	if log == nil {
		log = zap.NewNop()
	}
	return &WireProxy{
		encoder:      encoder,
		sink:         sink,
		disconnector: disconnector,
		clock:        clock,
		log:          log,
	}
}

// SetIdentity stamps the comp ids used in every outbound header.
func (p *WireProxy) SetIdentity(key Key) {
	p.encoder.SetIdentity(key.SenderCompID, key.SenderSubID, key.TargetCompID)
}

func (p *WireProxy) send(frame []byte, msgType string) {
	if err := p.sink.SendFrame(frame); err != nil {
		p.log.Warn("failed to send session message",
			zap.String("msg_type", msgType),
			zap.Error(err))
	}
}

// Logon sends the logon, as reply on the acceptor side or opener on the
// initiator side.
func (p *WireProxy) Logon(heartBtIntSecs, msgSeqNum int, username, password string, resetSeqNumFlag bool) {
	p.send(p.encoder.Logon(msgSeqNum, heartBtIntSecs, resetSeqNumFlag, username, password, p.clock()), fix.MsgTypeLogon)
}

// Logout sends a plain logout.
func (p *WireProxy) Logout(msgSeqNum int) {
	p.send(p.encoder.Logout(msgSeqNum, "", p.clock()), fix.MsgTypeLogout)
}

// LowSequenceNumberLogout sends a logout explaining the sequence gap.
func (p *WireProxy) LowSequenceNumberLogout(msgSeqNum, expectedSeqNum, receivedSeqNum int) {
	text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", expectedSeqNum, receivedSeqNum)
	p.send(p.encoder.Logout(msgSeqNum, text, p.clock()), fix.MsgTypeLogout)
}

// IncorrectBeginStringLogout sends a logout for a wire version mismatch.
func (p *WireProxy) IncorrectBeginStringLogout(msgSeqNum int) {
	p.send(p.encoder.Logout(msgSeqNum, "Incorrect BeginString", p.clock()), fix.MsgTypeLogout)
}

// NegativeHeartbeatLogout sends a logout for a negative HeartBtInt.
func (p *WireProxy) NegativeHeartbeatLogout(msgSeqNum int) {
	p.send(p.encoder.Logout(msgSeqNum, "HeartBtInt must not be negative", p.clock()), fix.MsgTypeLogout)
}

// Reject sends a session-level reject.
func (p *WireProxy) Reject(msgSeqNum, refSeqNum, refTagID int, refMsgType string, reason fix.RejectReason) {
	p.send(p.encoder.Reject(msgSeqNum, refSeqNum, refTagID, refMsgType, reason, p.clock()), fix.MsgTypeReject)
}

// Heartbeat sends a heartbeat, echoing a test request id when present.
func (p *WireProxy) Heartbeat(testReqID string, msgSeqNum int) {
	p.send(p.encoder.Heartbeat(msgSeqNum, testReqID, p.clock()), fix.MsgTypeHeartbeat)
}

// TestRequest sends a liveness probe.
func (p *WireProxy) TestRequest(msgSeqNum int, testReqID string) {
	p.send(p.encoder.TestRequest(msgSeqNum, testReqID, p.clock()), fix.MsgTypeTestRequest)
}

// SequenceReset sends a gap fill replacing administrative messages.
func (p *WireProxy) SequenceReset(msgSeqNum, newSeqNo int) {
	p.send(p.encoder.SequenceReset(msgSeqNum, newSeqNo, true, p.clock()), fix.MsgTypeSequenceReset)
}

// ResendRequest asks the peer to retransmit from beginSeqNo; endSeqNo zero
// means everything after it.
func (p *WireProxy) ResendRequest(msgSeqNum, beginSeqNo, endSeqNo int) {
	p.send(p.encoder.ResendRequest(msgSeqNum, beginSeqNo, endSeqNo, p.clock()), fix.MsgTypeResendRequest)
}

// ReceivedMessageWithoutSequenceNumber rejects a message whose MsgSeqNum was
// absent.
func (p *WireProxy) ReceivedMessageWithoutSequenceNumber(msgSeqNum int) {
	p.send(p.encoder.Reject(msgSeqNum, 0, fix.TagMsgSeqNum, "", fix.RejectReasonRequiredTagMissing, p.clock()), fix.MsgTypeReject)
}

// RequestDisconnect asks the transport to drop the connection.
func (p *WireProxy) RequestDisconnect(connectionID int64) {
	p.disconnector.RequestDisconnect(connectionID)
}
