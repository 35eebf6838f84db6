package session

import (
	"math"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/fix"
)

// Clock returns the current time in milliseconds since the unix epoch.
type Clock func() int64

// State is the lifecycle state of a FIX session.
type State int

const (
	// StateConnected means the TCP connection is up but no logon has been
	// exchanged. The only acceptable first message is a logon.
	StateConnected State = iota
	// StateSentLogon means we initiated the session and await the logon reply.
	StateSentLogon
	// StateActive means the logon handshake completed and the session trades.
	StateActive
	// StateAwaitingResend means a sequence gap was detected or a test request
	// is outstanding; replayed traffic is expected.
	StateAwaitingResend
	// StateAwaitingLogout means we sent a logout and await the reply.
	StateAwaitingLogout
	// StateDisconnected means the session is over. Nothing is emitted.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSentLogon:
		return "SENT_LOGON"
	case StateActive:
		return "ACTIVE"
	case StateAwaitingResend:
		return "AWAITING_RESEND"
	case StateAwaitingLogout:
		return "AWAITING_LOGOUT"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultBeginString is the protocol version accepted when none is
	// configured.
	DefaultBeginString = "FIX.4.4"

	// DefaultHeartbeatIntervalSecs applies to initiated sessions whose
	// configuration leaves HeartBtInt unset.
	DefaultHeartbeatIntervalSecs = 10

	// DefaultSendingTimeWindowMS bounds the acceptable skew between a
	// message's SendingTime and our clock.
	DefaultSendingTimeWindowMS = 2 * 60 * 1000

	// TestReqID is the id stamped on liveness probes we originate.
	TestReqID = "TEST"
)

// Settings configures a single session instance.
type Settings struct {
	ConnectionID          int64
	BeginString           string
	HeartbeatIntervalSecs int
	SendingTimeWindowMS   int64
}

// Session is the per-connection FIX session state machine. It validates
// inbound administrative traffic, tracks sequence numbers in both directions
// and drives heartbeats and test requests off Poll. It is not safe for
// concurrent use; the owning agent must serialize all calls.
type Session struct {
	id           int64
	connectionID int64
	key          Key

	state                 State
	lastSentMsgSeqNum     int
	lastReceivedMsgSeqNum int

	beginString           string
	heartbeatIntervalSecs int
	heartbeatIntervalMS   int64
	sendingTimeWindowMS   int64

	nextRequiredInboundTimeMS int64
	nextHeartbeatTimeMS       int64
	awaitingHeartbeatReply    bool

	proxy Proxy
	clock Clock
	log   *zap.Logger
}

// NewSession builds a session in the CONNECTED state.
func NewSession(settings Settings, proxy Proxy, clock Clock, log *zap.Logger) *Session {
	if settings.BeginString == "" {
		settings.BeginString = DefaultBeginString
	}
	if settings.HeartbeatIntervalSecs == 0 {
		settings.HeartbeatIntervalSecs = DefaultHeartbeatIntervalSecs
	}
	if settings.SendingTimeWindowMS == 0 {
		settings.SendingTimeWindowMS = DefaultSendingTimeWindowMS
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		connectionID:        settings.ConnectionID,
		state:               StateConnected,
		beginString:         settings.BeginString,
		sendingTimeWindowMS: settings.SendingTimeWindowMS,
		proxy:               proxy,
		clock:               clock,
		log:                 log,
	}
	s.SetHeartbeatInterval(settings.HeartbeatIntervalSecs)
	return s
}

// ID returns the logical session id, zero until a logon assigned one.
func (s *Session) ID() int64 { return s.id }

// ConnectionID returns the transport connection this session runs over.
func (s *Session) ConnectionID() int64 { return s.connectionID }

// Key returns the composite identity, zero until a logon assigned one.
func (s *Session) Key() Key { return s.key }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// LastSentMsgSeqNum returns the sequence number of the last outbound message.
func (s *Session) LastSentMsgSeqNum() int { return s.lastSentMsgSeqNum }

// LastReceivedMsgSeqNum returns the sequence number of the last inbound
// message accepted in order.
func (s *Session) LastReceivedMsgSeqNum() int { return s.lastReceivedMsgSeqNum }

// ExpectedReceivedSeqNum returns the sequence number the next inbound
// message must carry.
func (s *Session) ExpectedReceivedSeqNum() int { return s.lastReceivedMsgSeqNum + 1 }

// HeartbeatIntervalSecs returns the negotiated HeartBtInt.
func (s *Session) HeartbeatIntervalSecs() int { return s.heartbeatIntervalSecs }

// SetHeartbeatInterval applies a HeartBtInt in seconds. Zero disables both
// the outbound heartbeat and the inbound liveness check.
func (s *Session) SetHeartbeatInterval(seconds int) {
	s.heartbeatIntervalSecs = seconds
	if seconds <= 0 {
		s.heartbeatIntervalMS = 0
		s.nextHeartbeatTimeMS = math.MaxInt64
		s.nextRequiredInboundTimeMS = math.MaxInt64
		return
	}
	s.heartbeatIntervalMS = int64(seconds) * 1000
	now := s.clock()
	s.nextHeartbeatTimeMS = now + s.heartbeatIntervalMS
	s.nextRequiredInboundTimeMS = now + 2*s.heartbeatIntervalMS
}

// ResumeSequences restores sequence counters persisted from a previous
// connection of the same logical session.
func (s *Session) ResumeSequences(lastSent, lastReceived int) {
	s.lastSentMsgSeqNum = lastSent
	s.lastReceivedMsgSeqNum = lastReceived
}

// newSentSeqNum allocates the next outbound sequence number. Sending any
// message defers the next heartbeat by one interval.
func (s *Session) newSentSeqNum() int {
	s.lastSentMsgSeqNum++
	if s.heartbeatIntervalMS > 0 {
		s.nextHeartbeatTimeMS = s.clock() + s.heartbeatIntervalMS
	}
	return s.lastSentMsgSeqNum
}

// setLastReceivedMsgSeqNum accepts an inbound sequence number and restarts
// the inbound liveness window.
func (s *Session) setLastReceivedMsgSeqNum(seqNum int) {
	s.lastReceivedMsgSeqNum = seqNum
	s.incNextReceivedInboundMessageTime()
}

func (s *Session) incNextReceivedInboundMessageTime() {
	if s.heartbeatIntervalMS > 0 {
		s.nextRequiredInboundTimeMS = s.clock() + 2*s.heartbeatIntervalMS
	}
}

func (s *Session) requestDisconnect() {
	if s.state == StateDisconnected {
		return
	}
	s.state = StateDisconnected
	s.proxy.RequestDisconnect(s.connectionID)
}

func (s *Session) logoutAndDisconnect() {
	s.proxy.Logout(s.newSentSeqNum())
	s.requestDisconnect()
}

// StartLogout sends a logout and waits for the peer to confirm it.
func (s *Session) StartLogout() {
	if s.state == StateDisconnected {
		return
	}
	s.proxy.Logout(s.newSentSeqNum())
	s.state = StateAwaitingLogout
}

// SendLogon opens the handshake on an initiated connection.
func (s *Session) SendLogon(heartBtIntSecs int, username, password string, resetSeqNum bool) {
	s.SetHeartbeatInterval(heartBtIntSecs)
	if resetSeqNum {
		s.lastSentMsgSeqNum = 0
	}
	s.proxy.Logon(heartBtIntSecs, s.newSentSeqNum(), username, password, resetSeqNum)
	s.state = StateSentLogon
}

// SetIdentity assigns the logical session id and composite key. Initiators
// know these up front; acceptors learn them from the logon.
func (s *Session) SetIdentity(id int64, key Key) {
	s.id = id
	s.key = key
}

// SendSequenceReset jumps our outbound sequence to newSeqNo.
func (s *Session) SendSequenceReset(newSeqNo int) {
	s.proxy.SequenceReset(s.newSentSeqNum(), newSeqNo)
	s.lastSentMsgSeqNum = newSeqNo - 1
}

// OnBeginString checks the protocol version of an inbound message. A
// mismatch ends the session; mid-session we explain with a logout, on a
// first logon we just drop the line. It reports whether processing of the
// message should continue.
func (s *Session) OnBeginString(beginString string, isLogon bool) bool {
	if beginString == s.beginString {
		return true
	}
	if !isLogon {
		s.proxy.IncorrectBeginStringLogout(s.newSentSeqNum())
	}
	s.log.Warn("begin string mismatch",
		zap.Int64("connection_id", s.connectionID),
		zap.String("received", beginString),
		zap.String("expected", s.beginString))
	s.requestDisconnect()
	return false
}

// OnMessage runs the shared header validation and sequence number handling
// for an inbound message. It reports whether the message arrived in order
// and should be applied.
func (s *Session) OnMessage(msgSeqNo int, msgType string, sendingTime, origSendingTime int64, possDup bool) bool {
	switch s.state {
	case StateDisconnected:
		return false
	case StateConnected:
		// The first message on an accepted connection must be a logon.
		s.requestDisconnect()
		return false
	}

	if msgSeqNo == fix.MissingInt {
		s.proxy.ReceivedMessageWithoutSequenceNumber(s.newSentSeqNum())
		s.requestDisconnect()
		return false
	}

	if !s.validateTimestamps(msgSeqNo, msgType, sendingTime, origSendingTime, possDup) {
		return false
	}

	return s.onSequenceNumber(msgSeqNo, possDup)
}

// validateTimestamps rejects messages whose SendingTime or OrigSendingTime
// is unusable. Rejected messages do not advance the inbound sequence number
// but still count as liveness.
func (s *Session) validateTimestamps(msgSeqNo int, msgType string, sendingTime, origSendingTime int64, possDup bool) bool {
	if possDup {
		if origSendingTime == fix.UnknownTime {
			s.proxy.Reject(s.newSentSeqNum(), msgSeqNo, fix.TagOrigSendingTime, msgType, fix.RejectReasonRequiredTagMissing)
			s.incNextReceivedInboundMessageTime()
			return false
		}
		if origSendingTime > sendingTime {
			s.proxy.Reject(s.newSentSeqNum(), msgSeqNo, fix.TagOrigSendingTime, msgType, fix.RejectReasonSendingTimeAccuracyProblem)
			s.incNextReceivedInboundMessageTime()
			return false
		}
	}

	if sendingTime != fix.UnknownTime {
		now := s.clock()
		if sendingTime < now-s.sendingTimeWindowMS || sendingTime > now+s.sendingTimeWindowMS {
			s.proxy.Reject(s.newSentSeqNum(), msgSeqNo, fix.TagSendingTime, msgType, fix.RejectReasonSendingTimeAccuracyProblem)
			s.incNextReceivedInboundMessageTime()
			return false
		}
	}

	return true
}

// onSequenceNumber applies the gap detection rules. Exactly one resend
// request is in flight at a time; further high messages are dropped until
// the replay catches us up.
func (s *Session) onSequenceNumber(msgSeqNo int, possDup bool) bool {
	expected := s.ExpectedReceivedSeqNum()
	switch {
	case msgSeqNo == expected:
		s.setLastReceivedMsgSeqNum(msgSeqNo)
		if s.state == StateAwaitingResend && !s.awaitingHeartbeatReply {
			s.state = StateActive
		}
		return true

	case msgSeqNo < expected:
		if possDup {
			s.incNextReceivedInboundMessageTime()
			return false
		}
		s.proxy.LowSequenceNumberLogout(s.newSentSeqNum(), expected, msgSeqNo)
		s.requestDisconnect()
		return false

	default:
		if s.state != StateAwaitingResend {
			s.proxy.ResendRequest(s.newSentSeqNum(), expected, 0)
			s.state = StateAwaitingResend
		}
		s.incNextReceivedInboundMessageTime()
		return false
	}
}

// OnLogon handles an inbound logon on either side of the handshake.
func (s *Session) OnLogon(
	heartBtIntSecs, msgSeqNo int,
	sessionID int64,
	key Key,
	sendingTime, origSendingTime int64,
	username, password string,
	possDup, resetSeqNumFlag bool,
) {
	if s.state == StateDisconnected {
		return
	}

	if heartBtIntSecs < 0 {
		s.proxy.NegativeHeartbeatLogout(s.newSentSeqNum())
		s.requestDisconnect()
		return
	}

	switch s.state {
	case StateConnected:
		// Acceptor side. The logon fixes the session identity and interval
		// and its sequence number is adopted as-is.
		if msgSeqNo == fix.MissingInt {
			s.proxy.ReceivedMessageWithoutSequenceNumber(s.newSentSeqNum())
			s.requestDisconnect()
			return
		}
		s.id = sessionID
		s.key = key
		s.SetHeartbeatInterval(heartBtIntSecs)
		if resetSeqNumFlag {
			s.lastSentMsgSeqNum = 0
		}
		s.setLastReceivedMsgSeqNum(msgSeqNo)
		s.proxy.Logon(heartBtIntSecs, s.newSentSeqNum(), "", "", resetSeqNumFlag)
		s.state = StateActive
		s.log.Info("session logged on",
			zap.Int64("session_id", s.id),
			zap.Int64("connection_id", s.connectionID),
			zap.String("session_key", s.key.String()),
			zap.Int("heartbeat_interval_s", heartBtIntSecs))

	case StateSentLogon:
		// Initiator side. The reply is sequence checked like any message.
		if s.OnMessage(msgSeqNo, fix.MsgTypeLogon, sendingTime, origSendingTime, possDup) {
			s.state = StateActive
			s.log.Info("session logged on",
				zap.Int64("session_id", s.id),
				zap.Int64("connection_id", s.connectionID),
				zap.String("session_key", s.key.String()))
		}

	default:
		s.OnMessage(msgSeqNo, fix.MsgTypeLogon, sendingTime, origSendingTime, possDup)
	}
}

// OnLogout handles an inbound logout. If we started the logout this confirms
// it, otherwise we confirm theirs, and either way the connection ends.
func (s *Session) OnLogout(msgSeqNo int, sendingTime, origSendingTime int64, possDup bool) {
	wasAwaitingLogout := s.state == StateAwaitingLogout
	if !s.OnMessage(msgSeqNo, fix.MsgTypeLogout, sendingTime, origSendingTime, possDup) {
		return
	}
	if wasAwaitingLogout {
		s.requestDisconnect()
	} else {
		s.logoutAndDisconnect()
	}
}

// OnHeartbeat handles an inbound heartbeat. One answering our outstanding
// test request makes the session active again.
func (s *Session) OnHeartbeat(msgSeqNo int, testReqID string, sendingTime, origSendingTime int64, possDup bool) {
	if s.awaitingHeartbeatReply && testReqID == TestReqID {
		s.awaitingHeartbeatReply = false
		if s.state == StateAwaitingResend {
			s.state = StateActive
		}
	}
	s.OnMessage(msgSeqNo, fix.MsgTypeHeartbeat, sendingTime, origSendingTime, possDup)
}

// OnTestRequest echoes the test request id in a heartbeat once the message
// is accepted in sequence.
func (s *Session) OnTestRequest(msgSeqNo int, testReqID string, sendingTime, origSendingTime int64, possDup bool) {
	if s.OnMessage(msgSeqNo, fix.MsgTypeTestRequest, sendingTime, origSendingTime, possDup) {
		s.proxy.Heartbeat(testReqID, s.newSentSeqNum())
	}
}

// OnReject handles an inbound session-level reject. It only moves the
// sequence number along.
func (s *Session) OnReject(msgSeqNo int, sendingTime, origSendingTime int64, possDup bool) {
	s.OnMessage(msgSeqNo, fix.MsgTypeReject, sendingTime, origSendingTime, possDup)
}

// OnResendRequest answers a retransmission request. Administrative history
// is never replayed verbatim; the whole range collapses into one gap fill
// pointing at our next real sequence number.
func (s *Session) OnResendRequest(msgSeqNo, beginSeqNo, endSeqNo int, sendingTime, origSendingTime int64, possDup bool) {
	if !s.OnMessage(msgSeqNo, fix.MsgTypeResendRequest, sendingTime, origSendingTime, possDup) {
		return
	}
	s.proxy.SequenceReset(beginSeqNo, s.lastSentMsgSeqNum+1)
}

// OnSequenceReset handles both flavors of SequenceReset. In reset mode the
// header sequence number is ignored entirely and NewSeqNo decides the
// outcome. In gap fill mode the header sequence number is subject to the
// usual gap rules first.
func (s *Session) OnSequenceReset(msgSeqNo, newSeqNo int, gapFillFlag, possDup bool) {
	if s.state == StateDisconnected {
		return
	}
	if gapFillFlag {
		s.onGapFill(msgSeqNo, newSeqNo, possDup)
	} else {
		s.applySequenceReset(msgSeqNo, newSeqNo)
	}
}

func (s *Session) applySequenceReset(receivedMsgSeqNo, newSeqNo int) {
	expected := s.ExpectedReceivedSeqNum()
	switch {
	case newSeqNo > expected:
		s.setLastReceivedMsgSeqNum(newSeqNo - 1)
	case newSeqNo < expected:
		s.proxy.Reject(s.newSentSeqNum(), receivedMsgSeqNo, fix.TagNewSeqNo, fix.MsgTypeSequenceReset, fix.RejectReasonValueIsIncorrect)
		s.incNextReceivedInboundMessageTime()
	default:
		s.incNextReceivedInboundMessageTime()
	}
}

func (s *Session) onGapFill(receivedMsgSeqNo, newSeqNo int, possDup bool) {
	expected := s.ExpectedReceivedSeqNum()
	switch {
	case receivedMsgSeqNo > expected:
		if s.state != StateAwaitingResend {
			s.proxy.ResendRequest(s.newSentSeqNum(), expected, 0)
			s.state = StateAwaitingResend
		}
		s.incNextReceivedInboundMessageTime()

	case receivedMsgSeqNo < expected:
		if possDup {
			s.incNextReceivedInboundMessageTime()
			return
		}
		s.proxy.LowSequenceNumberLogout(s.newSentSeqNum(), expected, receivedMsgSeqNo)
		s.requestDisconnect()

	default:
		if newSeqNo > expected {
			s.setLastReceivedMsgSeqNum(newSeqNo - 1)
			if s.state == StateAwaitingResend && !s.awaitingHeartbeatReply {
				s.state = StateActive
			}
			return
		}
		if possDup {
			s.incNextReceivedInboundMessageTime()
			return
		}
		s.proxy.LowSequenceNumberLogout(s.newSentSeqNum(), expected, newSeqNo)
		s.requestDisconnect()
	}
}

// OnInvalidMessage rejects a message that failed parsing or codec
// validation. A message rejected at its expected sequence number still
// consumes that number.
func (s *Session) OnInvalidMessage(refSeqNum, refTagID int, refMsgType string, reason fix.RejectReason) {
	s.proxy.Reject(s.newSentSeqNum(), refSeqNum, refTagID, refMsgType, reason)
	if refSeqNum == s.ExpectedReceivedSeqNum() {
		s.setLastReceivedMsgSeqNum(refSeqNum)
	} else {
		s.incNextReceivedInboundMessageTime()
	}
}

// Poll drives the session's timers. It returns the number of actions taken.
// The inbound check runs first so that a test request sent on timeout defers
// the heartbeat that would otherwise fire in the same cycle.
func (s *Session) Poll(nowMS int64) int {
	if s.state == StateDisconnected || s.state == StateConnected {
		return 0
	}

	actions := 0

	if nowMS >= s.nextRequiredInboundTimeMS {
		if s.state == StateAwaitingResend && s.awaitingHeartbeatReply {
			s.log.Warn("no reply to test request, disconnecting",
				zap.Int64("session_id", s.id),
				zap.Int64("connection_id", s.connectionID))
			s.requestDisconnect()
		} else {
			s.proxy.TestRequest(s.newSentSeqNum(), TestReqID)
			s.state = StateAwaitingResend
			s.awaitingHeartbeatReply = true
			s.nextRequiredInboundTimeMS = nowMS + s.heartbeatIntervalMS
		}
		actions++
	}

	if s.state != StateDisconnected && nowMS >= s.nextHeartbeatTimeMS {
		s.proxy.Heartbeat("", s.newSentSeqNum())
		actions++
	}

	return actions
}
