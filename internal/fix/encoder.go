package fix

import (
	"strconv"
	"time"
)

// DefaultEncoderBufferSize is the scratch buffer size outbound messages are
// assembled in.
const DefaultEncoderBufferSize = 8 * 1024

// Encoder assembles outbound session-layer messages. It is bound to one
// session's identity fields and is not safe for concurrent use; each session
// proxy owns its encoder. Returned slices are valid until the next call.
type Encoder struct {
	beginString  string
	senderCompID string
	senderSubID  string
	targetCompID string

	body []byte
	out  []byte
}

// NewEncoder creates an encoder for the given wire version with the default
// scratch buffer size.
func NewEncoder(beginString string) *Encoder {
	return NewEncoderWithBufferSize(beginString, DefaultEncoderBufferSize)
}

// NewEncoderWithBufferSize creates an encoder with an explicit scratch size.
func NewEncoderWithBufferSize(beginString string, bufferSize int) *Encoder {
	if bufferSize < 256 {
		bufferSize = 256
	}
	return &Encoder{
		beginString: beginString,
		body:        make([]byte, 0, bufferSize),
		out:         make([]byte, 0, bufferSize),
	}
}

// SetIdentity binds the comp ids stamped into every outbound header.
func (e *Encoder) SetIdentity(senderCompID, senderSubID, targetCompID string) {
	e.senderCompID = senderCompID
	e.senderSubID = senderSubID
	e.targetCompID = targetCompID
}

// Logon encodes a logon with the negotiated heartbeat interval in seconds.
func (e *Encoder) Logon(msgSeqNum, heartBtInt int, resetSeqNum bool, username, password string, sendingTime int64) []byte {
	e.start(MsgTypeLogon, msgSeqNum, sendingTime, UnknownTime, false)
	e.intField(TagEncryptMethod, 0)
	e.intField(TagHeartBtInt, heartBtInt)
	if resetSeqNum {
		e.boolField(TagResetSeqNumFlag, true)
	}
	if username != "" {
		e.stringField(TagUsername, username)
	}
	if password != "" {
		e.stringField(TagPassword, password)
	}
	return e.finish()
}

// Logout encodes a logout; text is optional.
func (e *Encoder) Logout(msgSeqNum int, text string, sendingTime int64) []byte {
	e.start(MsgTypeLogout, msgSeqNum, sendingTime, UnknownTime, false)
	if text != "" {
		e.stringField(TagText, text)
	}
	return e.finish()
}

// Heartbeat encodes a heartbeat, echoing a test request id when present.
func (e *Encoder) Heartbeat(msgSeqNum int, testReqID string, sendingTime int64) []byte {
	e.start(MsgTypeHeartbeat, msgSeqNum, sendingTime, UnknownTime, false)
	if testReqID != "" {
		e.stringField(TagTestReqID, testReqID)
	}
	return e.finish()
}

// TestRequest encodes a test request carrying the liveness probe id.
func (e *Encoder) TestRequest(msgSeqNum int, testReqID string, sendingTime int64) []byte {
	e.start(MsgTypeTestRequest, msgSeqNum, sendingTime, UnknownTime, false)
	e.stringField(TagTestReqID, testReqID)
	return e.finish()
}

// Reject encodes a session-level reject. refTagID and refMsgType are omitted
// when zero-valued.
func (e *Encoder) Reject(msgSeqNum, refSeqNum, refTagID int, refMsgType string, reason RejectReason, sendingTime int64) []byte {
	e.start(MsgTypeReject, msgSeqNum, sendingTime, UnknownTime, false)
	e.intField(TagRefSeqNum, refSeqNum)
	if refTagID > 0 {
		e.intField(TagRefTagID, refTagID)
	}
	if refMsgType != "" {
		e.stringField(TagRefMsgType, refMsgType)
	}
	e.intField(TagSessionRejectReason, int(reason))
	return e.finish()
}

// SequenceReset encodes a sequence reset; gap fill mode sets PossDupFlag as
// required for retransmitted administrative replacement.
func (e *Encoder) SequenceReset(msgSeqNum, newSeqNo int, gapFill bool, sendingTime int64) []byte {
	e.start(MsgTypeSequenceReset, msgSeqNum, sendingTime, UnknownTime, gapFill)
	e.intField(TagNewSeqNo, newSeqNo)
	if gapFill {
		e.boolField(TagGapFillFlag, true)
	}
	return e.finish()
}

// ResendRequest encodes a resend request; endSeqNo zero means all subsequent.
func (e *Encoder) ResendRequest(msgSeqNum, beginSeqNo, endSeqNo int, sendingTime int64) []byte {
	e.start(MsgTypeResendRequest, msgSeqNum, sendingTime, UnknownTime, false)
	e.intField(TagBeginSeqNo, beginSeqNo)
	e.intField(TagEndSeqNo, endSeqNo)
	return e.finish()
}

func (e *Encoder) start(msgType string, msgSeqNum int, sendingTime, origSendingTime int64, possDup bool) {
	e.body = e.body[:0]
	e.stringField(TagMsgType, msgType)
	e.stringField(TagSenderCompID, e.senderCompID)
	if e.senderSubID != "" {
		e.stringField(TagSenderSubID, e.senderSubID)
	}
	e.stringField(TagTargetCompID, e.targetCompID)
	e.intField(TagMsgSeqNum, msgSeqNum)
	if possDup {
		e.boolField(TagPossDupFlag, true)
	}
	e.timeField(TagSendingTime, sendingTime)
	if origSendingTime != UnknownTime {
		e.timeField(TagOrigSendingTime, origSendingTime)
	}
}

func (e *Encoder) finish() []byte {
	e.out = e.out[:0]
	e.out = append(e.out, "8="...)
	e.out = append(e.out, e.beginString...)
	e.out = append(e.out, SOH)
	e.out = append(e.out, "9="...)
	e.out = strconv.AppendInt(e.out, int64(len(e.body)), 10)
	e.out = append(e.out, SOH)
	e.out = append(e.out, e.body...)

	checksum := 0
	for _, b := range e.out {
		checksum += int(b)
	}
	checksum %= 256

	e.out = append(e.out, "10="...)
	if checksum < 100 {
		e.out = append(e.out, '0')
	}
	if checksum < 10 {
		e.out = append(e.out, '0')
	}
	e.out = strconv.AppendInt(e.out, int64(checksum), 10)
	e.out = append(e.out, SOH)
	return e.out
}

func (e *Encoder) stringField(tag int, value string) {
	e.body = strconv.AppendInt(e.body, int64(tag), 10)
	e.body = append(e.body, '=')
	e.body = append(e.body, value...)
	e.body = append(e.body, SOH)
}

func (e *Encoder) intField(tag, value int) {
	e.body = strconv.AppendInt(e.body, int64(tag), 10)
	e.body = append(e.body, '=')
	e.body = strconv.AppendInt(e.body, int64(value), 10)
	e.body = append(e.body, SOH)
}

func (e *Encoder) boolField(tag int, value bool) {
	v := "N"
	if value {
		v = "Y"
	}
	e.stringField(tag, v)
}

func (e *Encoder) timeField(tag int, epochMillis int64) {
	e.body = strconv.AppendInt(e.body, int64(tag), 10)
	e.body = append(e.body, '=')
	e.body = time.UnixMilli(epochMillis).UTC().AppendFormat(e.body, utcTimestampMillisFormat)
	e.body = append(e.body, SOH)
}
