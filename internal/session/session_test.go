package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/internal/fix"
)

const (
	testEpochMS         = int64(1_700_000_000_000)
	testConnectionID    = int64(3)
	testSessionID       = int64(2)
	testHeartbeatSecs   = 2
	testIntervalMS      = int64(2000)
	testSendingWindowMS = int64(2000)
	testMsgType         = "D"
)

// recordingProxy captures outbound session actions as formatted calls so
// tests can assert on exact order and arguments.
type recordingProxy struct {
	calls []string
}

func (p *recordingProxy) record(format string, args ...interface{}) {
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *recordingProxy) Logon(heartBtIntSecs, msgSeqNum int, username, password string, resetSeqNumFlag bool) {
	p.record("logon(%d,%d,%q,%q,%t)", heartBtIntSecs, msgSeqNum, username, password, resetSeqNumFlag)
}

func (p *recordingProxy) Logout(msgSeqNum int) {
	p.record("logout(%d)", msgSeqNum)
}

func (p *recordingProxy) LowSequenceNumberLogout(msgSeqNum, expectedSeqNum, receivedSeqNum int) {
	p.record("lowSequenceNumberLogout(%d,%d,%d)", msgSeqNum, expectedSeqNum, receivedSeqNum)
}

func (p *recordingProxy) IncorrectBeginStringLogout(msgSeqNum int) {
	p.record("incorrectBeginStringLogout(%d)", msgSeqNum)
}

func (p *recordingProxy) NegativeHeartbeatLogout(msgSeqNum int) {
	p.record("negativeHeartbeatLogout(%d)", msgSeqNum)
}

func (p *recordingProxy) Reject(msgSeqNum, refSeqNum, refTagID int, refMsgType string, reason fix.RejectReason) {
	p.record("reject(%d,%d,%d,%q,%d)", msgSeqNum, refSeqNum, refTagID, refMsgType, reason)
}

func (p *recordingProxy) Heartbeat(testReqID string, msgSeqNum int) {
	p.record("heartbeat(%q,%d)", testReqID, msgSeqNum)
}

func (p *recordingProxy) TestRequest(msgSeqNum int, testReqID string) {
	p.record("testRequest(%d,%q)", msgSeqNum, testReqID)
}

func (p *recordingProxy) SequenceReset(msgSeqNum, newSeqNo int) {
	p.record("sequenceReset(%d,%d)", msgSeqNum, newSeqNo)
}

func (p *recordingProxy) ResendRequest(msgSeqNum, beginSeqNo, endSeqNo int) {
	p.record("resendRequest(%d,%d,%d)", msgSeqNum, beginSeqNo, endSeqNo)
}

func (p *recordingProxy) ReceivedMessageWithoutSequenceNumber(msgSeqNum int) {
	p.record("receivedMessageWithoutSequenceNumber(%d)", msgSeqNum)
}

func (p *recordingProxy) RequestDisconnect(connectionID int64) {
	p.record("requestDisconnect(%d)", connectionID)
}

type sessionFixture struct {
	clock   int64
	proxy   *recordingProxy
	session *Session
}

func newSessionFixture() *sessionFixture {
	f := &sessionFixture{clock: testEpochMS, proxy: &recordingProxy{}}
	f.session = NewSession(Settings{
		ConnectionID:          testConnectionID,
		HeartbeatIntervalSecs: testHeartbeatSecs,
		SendingTimeWindowMS:   testSendingWindowMS,
	}, f.proxy, func() int64 { return f.clock }, nil)
	return f
}

func (f *sessionFixture) advance(ms int64) { f.clock += ms }

func (f *sessionFixture) poll() int { return f.session.Poll(f.clock) }

// sendingTime is a timestamp just inside the accuracy window, the way a
// healthy peer stamps messages.
func (f *sessionFixture) sendingTime() int64 { return f.clock - 1 }

func (f *sessionFixture) onMessage(msgSeqNum int) bool {
	return f.session.OnMessage(msgSeqNum, testMsgType, f.sendingTime(), fix.UnknownTime, false)
}

func TestLowSequenceNumberLogsOutAndDisconnects(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 2

	accepted := f.onMessage(1)

	assert.False(t, accepted)
	assert.Equal(t, []string{
		"lowSequenceNumberLogout(1,3,1)",
		"requestDisconnect(3)",
	}, f.proxy.calls)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestLowSequenceNumberPossDupIsIgnored(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 2

	accepted := f.session.OnMessage(1, testMsgType, f.sendingTime(), f.sendingTime()-5, true)

	assert.False(t, accepted)
	assert.Empty(t, f.proxy.calls)
	assert.Equal(t, 2, f.session.LastReceivedMsgSeqNum())
	assert.Equal(t, StateActive, f.session.State())
}

func TestHighSequenceNumberRequestsResend(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	accepted := f.onMessage(3)

	assert.False(t, accepted)
	assert.Equal(t, []string{"resendRequest(1,1,0)"}, f.proxy.calls)
	assert.Equal(t, StateAwaitingResend, f.session.State())
	assert.Equal(t, 0, f.session.LastReceivedMsgSeqNum())
}

func TestOnlyOneResendRequestPerGap(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.onMessage(3)
	f.onMessage(4)
	f.onMessage(5)

	assert.Equal(t, []string{"resendRequest(1,1,0)"}, f.proxy.calls)
	assert.Equal(t, 0, f.session.LastReceivedMsgSeqNum())
}

func TestGapFillRestoresActiveSession(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	require.False(t, f.onMessage(3))
	require.Equal(t, StateAwaitingResend, f.session.State())

	f.session.OnSequenceReset(1, 4, true, true)

	assert.Equal(t, 3, f.session.LastReceivedMsgSeqNum())
	assert.Equal(t, StateActive, f.session.State())

	f.session.OnTestRequest(4, "Hello", f.sendingTime(), fix.UnknownTime, false)
	assert.Equal(t, `heartbeat("Hello",2)`, f.proxy.calls[len(f.proxy.calls)-1])
}

func TestSequenceResetMovesExpectedForward(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 2

	f.session.OnSequenceReset(4, 10, false, false)

	assert.Empty(t, f.proxy.calls)
	assert.Equal(t, 9, f.session.LastReceivedMsgSeqNum())
	assert.Equal(t, 10, f.session.ExpectedReceivedSeqNum())
}

func TestSequenceResetToCurrentExpectedIsANoOp(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 2

	f.session.OnSequenceReset(4, 3, false, false)

	assert.Empty(t, f.proxy.calls)
	assert.Equal(t, 2, f.session.LastReceivedMsgSeqNum())
}

func TestSequenceResetBackwardsIsRejected(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 4

	f.session.OnSequenceReset(3, 2, false, false)

	assert.Equal(t, []string{`reject(1,3,36,"4",5)`}, f.proxy.calls)
	assert.Equal(t, 4, f.session.LastReceivedMsgSeqNum())
	assert.Equal(t, StateActive, f.session.State())
}

func TestSequenceResetAppliesRegardlessOfPossDup(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 2

	f.session.OnSequenceReset(1, 10, false, true)

	assert.Empty(t, f.proxy.calls)
	assert.Equal(t, 9, f.session.LastReceivedMsgSeqNum())
}

func TestSequenceResetBackwardsIsRejectedEvenWithPossDup(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 4

	f.session.OnSequenceReset(3, 2, false, true)

	assert.Equal(t, []string{`reject(1,3,36,"4",5)`}, f.proxy.calls)
	assert.Equal(t, 4, f.session.LastReceivedMsgSeqNum())
}

func TestGapFillBelowExpectedWithoutPossDupLogsOut(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 4

	f.session.OnSequenceReset(3, 8, true, false)

	assert.Equal(t, []string{
		"lowSequenceNumberLogout(1,5,3)",
		"requestDisconnect(3)",
	}, f.proxy.calls)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestGapFillBelowExpectedWithPossDupIsIgnored(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 4

	f.session.OnSequenceReset(3, 8, true, true)

	assert.Empty(t, f.proxy.calls)
	assert.Equal(t, 4, f.session.LastReceivedMsgSeqNum())
}

func TestGapFillAboveExpectedRequestsResend(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.session.OnSequenceReset(3, 6, true, true)

	assert.Equal(t, []string{"resendRequest(1,1,0)"}, f.proxy.calls)
	assert.Equal(t, StateAwaitingResend, f.session.State())
	assert.Equal(t, 0, f.session.LastReceivedMsgSeqNum())
}

func TestGapFillShrinkingSequenceLogsOut(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 4

	f.session.OnSequenceReset(5, 3, true, false)

	assert.Equal(t, []string{
		"lowSequenceNumberLogout(1,5,3)",
		"requestDisconnect(3)",
	}, f.proxy.calls)
}

func TestPossDupWithoutOrigSendingTimeIsRejected(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 1

	accepted := f.session.OnMessage(2, testMsgType, f.sendingTime(), fix.UnknownTime, true)

	assert.False(t, accepted)
	assert.Equal(t, []string{`reject(1,2,122,"D",1)`}, f.proxy.calls)
	assert.Equal(t, 1, f.session.LastReceivedMsgSeqNum())
}

func TestOrigSendingTimeAfterSendingTimeIsRejected(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 1

	st := f.sendingTime()
	accepted := f.session.OnMessage(2, testMsgType, st, st+10, true)

	assert.False(t, accepted)
	assert.Equal(t, []string{`reject(1,2,122,"D",10)`}, f.proxy.calls)
	assert.Equal(t, 1, f.session.LastReceivedMsgSeqNum())
}

func TestInaccurateSendingTimeIsRejected(t *testing.T) {
	for name, offset := range map[string]int64{
		"too old": -(testSendingWindowMS + 1),
		"too new": testSendingWindowMS + 1,
	} {
		t.Run(name, func(t *testing.T) {
			f := newSessionFixture()
			f.session.state = StateActive
			f.session.lastReceivedMsgSeqNum = 1

			accepted := f.session.OnMessage(2, testMsgType, f.clock+offset, fix.UnknownTime, false)

			assert.False(t, accepted)
			assert.Equal(t, []string{`reject(1,2,52,"D",10)`}, f.proxy.calls)
			assert.Equal(t, 1, f.session.LastReceivedMsgSeqNum())
		})
	}
}

func TestSendingTimeAtWindowEdgeIsAccepted(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 1

	accepted := f.session.OnMessage(2, testMsgType, f.clock-testSendingWindowMS, fix.UnknownTime, false)

	assert.True(t, accepted)
	assert.Equal(t, 2, f.session.LastReceivedMsgSeqNum())
}

func TestMissingSequenceNumberDisconnects(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	accepted := f.session.OnMessage(fix.MissingInt, testMsgType, f.sendingTime(), fix.UnknownTime, false)

	assert.False(t, accepted)
	assert.Equal(t, []string{
		"receivedMessageWithoutSequenceNumber(1)",
		"requestDisconnect(3)",
	}, f.proxy.calls)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestFirstMessageMustBeALogon(t *testing.T) {
	f := newSessionFixture()

	accepted := f.onMessage(1)

	assert.False(t, accepted)
	assert.Equal(t, []string{"requestDisconnect(3)"}, f.proxy.calls)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestBeginStringMismatchMidSessionLogsOut(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	ok := f.session.OnBeginString("FIX.4.2", false)

	assert.False(t, ok)
	assert.Equal(t, []string{
		"incorrectBeginStringLogout(1)",
		"requestDisconnect(3)",
	}, f.proxy.calls)
}

func TestBeginStringMismatchOnLogonDropsConnection(t *testing.T) {
	f := newSessionFixture()

	ok := f.session.OnBeginString("FIX.4.2", true)

	assert.False(t, ok)
	assert.Equal(t, []string{"requestDisconnect(3)"}, f.proxy.calls)
}

func TestMatchingBeginStringContinues(t *testing.T) {
	f := newSessionFixture()

	ok := f.session.OnBeginString(DefaultBeginString, false)

	assert.True(t, ok)
	assert.Empty(t, f.proxy.calls)
}

func TestAcceptorLogonActivatesSession(t *testing.T) {
	f := newSessionFixture()
	key := Key{SenderCompID: "GATEWAY", TargetCompID: "CLIENT"}

	f.session.OnLogon(testHeartbeatSecs, 1, testSessionID, key,
		f.sendingTime(), fix.UnknownTime, "bob", "s3cret", false, false)

	assert.Equal(t, StateActive, f.session.State())
	assert.Equal(t, testSessionID, f.session.ID())
	assert.Equal(t, key, f.session.Key())
	assert.Equal(t, 1, f.session.LastReceivedMsgSeqNum())
	assert.Equal(t, 1, f.session.LastSentMsgSeqNum())
	assert.Equal(t, []string{`logon(2,1,"","",false)`}, f.proxy.calls)
}

func TestAcceptorLogonAdoptsInboundSequenceNumber(t *testing.T) {
	f := newSessionFixture()
	key := Key{SenderCompID: "GATEWAY", TargetCompID: "CLIENT"}

	f.session.OnLogon(testHeartbeatSecs, 5, testSessionID, key,
		f.sendingTime(), fix.UnknownTime, "", "", false, false)

	assert.Equal(t, 5, f.session.LastReceivedMsgSeqNum())
	assert.Equal(t, 6, f.session.ExpectedReceivedSeqNum())
	assert.Equal(t, StateActive, f.session.State())
}

func TestAcceptorLogonWithResetSeqNumFlagEchoesIt(t *testing.T) {
	f := newSessionFixture()
	f.session.lastSentMsgSeqNum = 40
	key := Key{SenderCompID: "GATEWAY", TargetCompID: "CLIENT"}

	f.session.OnLogon(testHeartbeatSecs, 1, testSessionID, key,
		f.sendingTime(), fix.UnknownTime, "", "", false, true)

	assert.Equal(t, []string{`logon(2,1,"","",true)`}, f.proxy.calls)
	assert.Equal(t, 1, f.session.LastSentMsgSeqNum())
}

func TestNegativeHeartbeatIntervalLogsOut(t *testing.T) {
	f := newSessionFixture()
	key := Key{SenderCompID: "GATEWAY", TargetCompID: "CLIENT"}

	f.session.OnLogon(-1, 1, testSessionID, key,
		f.sendingTime(), fix.UnknownTime, "", "", false, false)

	assert.Equal(t, []string{
		"negativeHeartbeatLogout(1)",
		"requestDisconnect(3)",
	}, f.proxy.calls)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestInitiatorLogonHandshake(t *testing.T) {
	f := newSessionFixture()

	f.session.SendLogon(testHeartbeatSecs, "bob", "s3cret", false)

	require.Equal(t, StateSentLogon, f.session.State())
	require.Equal(t, []string{`logon(2,1,"bob","s3cret",false)`}, f.proxy.calls)
	f.proxy.calls = nil

	f.session.OnLogon(testHeartbeatSecs, 1, 0, Key{},
		f.sendingTime(), fix.UnknownTime, "", "", false, false)

	assert.Equal(t, StateActive, f.session.State())
	assert.Equal(t, 1, f.session.LastReceivedMsgSeqNum())
	assert.Empty(t, f.proxy.calls)
}

func TestOutOfSequenceLogonReplyRequestsResend(t *testing.T) {
	f := newSessionFixture()
	f.session.SendLogon(testHeartbeatSecs, "", "", false)
	f.proxy.calls = nil

	f.session.OnLogon(testHeartbeatSecs, 5, 0, Key{},
		f.sendingTime(), fix.UnknownTime, "", "", false, false)

	assert.Equal(t, []string{"resendRequest(2,1,0)"}, f.proxy.calls)
	assert.Equal(t, StateAwaitingResend, f.session.State())
}

func TestAnswersPeerLogout(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.session.OnLogout(1, f.sendingTime(), fix.UnknownTime, false)

	assert.Equal(t, []string{"logout(1)", "requestDisconnect(3)"}, f.proxy.calls)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestLogoutReplyOnlyDisconnects(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.session.StartLogout()
	require.Equal(t, []string{"logout(1)"}, f.proxy.calls)
	require.Equal(t, StateAwaitingLogout, f.session.State())

	f.session.OnLogout(1, f.sendingTime(), fix.UnknownTime, false)

	assert.Equal(t, []string{"logout(1)", "requestDisconnect(3)"}, f.proxy.calls)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestAnswersTestRequestWithMatchingHeartbeat(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.session.OnTestRequest(1, "ping", f.sendingTime(), fix.UnknownTime, false)

	assert.Equal(t, []string{`heartbeat("ping",1)`}, f.proxy.calls)
	assert.Equal(t, 1, f.session.LastReceivedMsgSeqNum())
}

func TestOutOfSequenceTestRequestIsNotAnswered(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.session.OnTestRequest(3, "ping", f.sendingTime(), fix.UnknownTime, false)

	assert.Equal(t, []string{"resendRequest(1,1,0)"}, f.proxy.calls)
}

func TestHeartbeatSentAfterQuietInterval(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.advance(testIntervalMS)
	require.Equal(t, 1, f.poll())
	require.Equal(t, []string{`heartbeat("",1)`}, f.proxy.calls)

	require.Equal(t, 0, f.poll())

	require.True(t, f.onMessage(1))
	f.advance(testIntervalMS)
	require.Equal(t, 1, f.poll())
	assert.Equal(t, `heartbeat("",2)`, f.proxy.calls[1])
}

func TestOutboundTrafficDefersHeartbeat(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.advance(1000)
	f.session.OnTestRequest(1, "ping", f.sendingTime(), fix.UnknownTime, false)
	require.Equal(t, []string{`heartbeat("ping",1)`}, f.proxy.calls)

	f.advance(1000)
	assert.Equal(t, 0, f.poll())

	f.advance(1000)
	assert.Equal(t, 1, f.poll())
	assert.Equal(t, `heartbeat("",2)`, f.proxy.calls[1])
}

func TestTestRequestSentWhenInboundGoesQuiet(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastSentMsgSeqNum = 5
	f.session.lastReceivedMsgSeqNum = 1

	f.advance(1)
	require.True(t, f.session.OnMessage(2, testMsgType, f.sendingTime(), fix.UnknownTime, false))

	f.advance(2 * testIntervalMS)
	require.Equal(t, 1, f.poll())

	assert.Equal(t, []string{`testRequest(6,"TEST")`}, f.proxy.calls)
	assert.Equal(t, StateAwaitingResend, f.session.State())
}

func TestDisconnectsWhenTestRequestGoesUnanswered(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 1

	f.advance(2 * testIntervalMS)
	require.Equal(t, 1, f.poll())
	require.Equal(t, []string{`testRequest(1,"TEST")`}, f.proxy.calls)

	f.advance(testIntervalMS)
	require.Equal(t, 1, f.poll())

	assert.Equal(t, "requestDisconnect(3)", f.proxy.calls[len(f.proxy.calls)-1])
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestHeartbeatAnsweringTestRequestReactivates(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 1

	f.advance(2 * testIntervalMS)
	require.Equal(t, 1, f.poll())
	require.Equal(t, StateAwaitingResend, f.session.State())

	f.advance(100)
	f.session.OnHeartbeat(2, TestReqID, f.sendingTime(), fix.UnknownTime, false)

	assert.Equal(t, StateActive, f.session.State())
	assert.False(t, f.session.awaitingHeartbeatReply)

	f.advance(2 * testIntervalMS)
	f.poll()
	assert.NotEqual(t, StateDisconnected, f.session.State())
}

func TestHeartbeatWithUnknownTestReqIDDoesNotReactivate(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 1

	f.advance(2 * testIntervalMS)
	require.Equal(t, 1, f.poll())

	f.advance(100)
	f.session.OnHeartbeat(2, "other", f.sendingTime(), fix.UnknownTime, false)

	assert.Equal(t, StateAwaitingResend, f.session.State())
	assert.True(t, f.session.awaitingHeartbeatReply)
	assert.Equal(t, 2, f.session.LastReceivedMsgSeqNum())
}

func TestZeroHeartbeatIntervalDisablesTimers(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.SetHeartbeatInterval(0)

	f.advance(100 * testIntervalMS)

	assert.Equal(t, 0, f.poll())
	assert.Empty(t, f.proxy.calls)
}

func TestDisconnectedSessionEmitsNothing(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.requestDisconnect()
	f.proxy.calls = nil

	f.advance(10 * testIntervalMS)
	assert.Equal(t, 0, f.poll())
	assert.False(t, f.onMessage(1))
	f.session.OnLogout(2, f.sendingTime(), fix.UnknownTime, false)
	f.session.OnSequenceReset(2, 10, false, false)

	assert.Empty(t, f.proxy.calls)
}

func TestResendRequestAnsweredWithGapFill(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastSentMsgSeqNum = 10

	f.session.OnResendRequest(1, 5, 0, f.sendingTime(), fix.UnknownTime, false)

	assert.Equal(t, []string{"sequenceReset(5,11)"}, f.proxy.calls)
	assert.Equal(t, 1, f.session.LastReceivedMsgSeqNum())
}

func TestSendSequenceResetJumpsOutboundSequence(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive

	f.session.SendSequenceReset(10)

	assert.Equal(t, []string{"sequenceReset(1,10)"}, f.proxy.calls)
	assert.Equal(t, 9, f.session.LastSentMsgSeqNum())
}

func TestResumedSequencesContinueWhereTheyLeftOff(t *testing.T) {
	f := newSessionFixture()
	f.session.ResumeSequences(7, 12)
	f.session.state = StateActive

	require.Equal(t, 13, f.session.ExpectedReceivedSeqNum())
	require.True(t, f.session.OnMessage(13, testMsgType, f.sendingTime(), fix.UnknownTime, false))

	f.session.OnTestRequest(14, "ping", f.sendingTime(), fix.UnknownTime, false)
	assert.Equal(t, []string{`heartbeat("ping",8)`}, f.proxy.calls)
}

func TestInvalidMessageConsumesItsSequenceNumber(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 1

	f.session.OnInvalidMessage(2, fix.TagTestReqID, fix.MsgTypeTestRequest, fix.RejectReasonRequiredTagMissing)

	assert.Equal(t, []string{`reject(1,2,112,"1",1)`}, f.proxy.calls)
	assert.Equal(t, 2, f.session.LastReceivedMsgSeqNum())
}

func TestOutOfSequenceInvalidMessageDoesNotAdvance(t *testing.T) {
	f := newSessionFixture()
	f.session.state = StateActive
	f.session.lastReceivedMsgSeqNum = 1

	f.session.OnInvalidMessage(5, fix.TagTestReqID, fix.MsgTypeTestRequest, fix.RejectReasonRequiredTagMissing)

	assert.Equal(t, []string{`reject(1,5,112,"1",1)`}, f.proxy.calls)
	assert.Equal(t, 1, f.session.LastReceivedMsgSeqNum())
}
