package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMalformed is returned for buffers that are not parseable FIX at all.
	ErrMalformed = errors.New("fix: malformed message")
)

// Message is a decoded session-layer message. Integer fields hold MissingInt
// and timestamps hold UnknownTime when the tag was absent. String fields are
// copies, safe to retain after the source buffer is reused.
type Message struct {
	// Header.
	BeginString     string
	BodyLength      int
	MsgType         string
	MsgSeqNum       int
	SenderCompID    string
	SenderSubID     string
	TargetCompID    string
	TargetSubID     string
	PossDupFlag     bool
	PossResend      bool
	SendingTime     int64
	OrigSendingTime int64

	// Session bodies (union across the fixed message set).
	EncryptMethod   int
	HeartBtInt      int
	ResetSeqNumFlag bool
	Username        string
	Password        string
	TestReqID       string
	NewSeqNo        int
	GapFillFlag     bool
	BeginSeqNo      int
	EndSeqNo        int
	RefSeqNum       int
	RefTagID        int
	RefMsgType      string
	RejectReason    int
	Text            string

	checksumDeclared int
	checksumComputed int
	hasNewSeqNo      bool
	hasTestReqID     bool
	hasBeginSeqNo    bool
	hasEndSeqNo      bool
	hasHeartBtInt    bool
	hasSendingTime   bool
}

// PossDup reports whether the message may be a retransmission, per either of
// the two header flags that signal it.
func (m *Message) PossDup() bool {
	return m.PossDupFlag || m.PossResend
}

func (m *Message) reset() {
	*m = Message{
		MsgSeqNum:       MissingInt,
		EncryptMethod:   MissingInt,
		HeartBtInt:      MissingInt,
		NewSeqNo:        MissingInt,
		BeginSeqNo:      MissingInt,
		EndSeqNo:        MissingInt,
		RefSeqNum:       MissingInt,
		RefTagID:        MissingInt,
		RejectReason:    MissingInt,
		SendingTime:     UnknownTime,
		OrigSendingTime: UnknownTime,
	}
}

// Decoder parses session-layer messages. The returned Message is reused
// across Decode calls; callers keep string fields, never the Message itself.
type Decoder struct {
	msg Message
}

// Decode parses one complete FIX message from the buffer.
func (d *Decoder) Decode(buffer []byte) (*Message, error) {
	m := &d.msg
	m.reset()

	if len(buffer) < 8 || !bytes.HasPrefix(buffer, []byte("8=")) {
		return nil, ErrMalformed
	}

	checksum := 0
	rest := buffer
	for len(rest) > 0 {
		soh := bytes.IndexByte(rest, SOH)
		if soh < 0 {
			return nil, fmt.Errorf("fix: unterminated field: %w", ErrMalformed)
		}
		field := rest[:soh]
		eq := bytes.IndexByte(field, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("fix: field without tag: %w", ErrMalformed)
		}
		tag, err := strconv.Atoi(string(field[:eq]))
		if err != nil {
			return nil, fmt.Errorf("fix: bad tag %q: %w", field[:eq], ErrMalformed)
		}
		value := field[eq+1:]

		if tag != TagCheckSum {
			for _, b := range rest[:soh+1] {
				checksum += int(b)
			}
		}
		if err := m.setField(tag, value); err != nil {
			return nil, err
		}
		rest = rest[soh+1:]
	}

	m.checksumComputed = checksum % 256
	if m.MsgType == "" {
		return nil, fmt.Errorf("fix: missing MsgType: %w", ErrMalformed)
	}
	return m, nil
}

func (m *Message) setField(tag int, value []byte) error {
	switch tag {
	case TagBeginString:
		m.BeginString = string(value)
	case TagBodyLength:
		m.BodyLength = parseInt(value)
	case TagMsgType:
		m.MsgType = string(value)
	case TagMsgSeqNum:
		m.MsgSeqNum = parseInt(value)
	case TagSenderCompID:
		m.SenderCompID = string(value)
	case TagSenderSubID:
		m.SenderSubID = string(value)
	case TagTargetCompID:
		m.TargetCompID = string(value)
	case TagTargetSubID:
		m.TargetSubID = string(value)
	case TagPossDupFlag:
		m.PossDupFlag = parseBool(value)
	case TagPossResend:
		m.PossResend = parseBool(value)
	case TagSendingTime:
		m.SendingTime = parseUTCTimestamp(value)
		m.hasSendingTime = true
	case TagOrigSendingTime:
		m.OrigSendingTime = parseUTCTimestamp(value)
	case TagEncryptMethod:
		m.EncryptMethod = parseInt(value)
	case TagHeartBtInt:
		m.HeartBtInt = parseInt(value)
		m.hasHeartBtInt = true
	case TagResetSeqNumFlag:
		m.ResetSeqNumFlag = parseBool(value)
	case TagUsername:
		m.Username = string(value)
	case TagPassword:
		m.Password = string(value)
	case TagTestReqID:
		m.TestReqID = string(value)
		m.hasTestReqID = true
	case TagNewSeqNo:
		m.NewSeqNo = parseInt(value)
		m.hasNewSeqNo = true
	case TagGapFillFlag:
		m.GapFillFlag = parseBool(value)
	case TagBeginSeqNo:
		m.BeginSeqNo = parseInt(value)
		m.hasBeginSeqNo = true
	case TagEndSeqNo:
		m.EndSeqNo = parseInt(value)
		m.hasEndSeqNo = true
	case TagRefSeqNum:
		m.RefSeqNum = parseInt(value)
	case TagRefTagID:
		m.RefTagID = parseInt(value)
	case TagRefMsgType:
		m.RefMsgType = string(value)
	case TagSessionRejectReason:
		m.RejectReason = parseInt(value)
	case TagText:
		m.Text = string(value)
	case TagCheckSum:
		m.checksumDeclared = parseInt(value)
	default:
		// Business tags flow through untyped; the session layer only
		// dispatches on the header.
	}
	return nil
}

// Validate performs the structural check applied before dispatch. It returns
// the offending tag and reject reason for invalid messages.
func (m *Message) Validate() (invalidTag int, reason RejectReason, ok bool) {
	if m.checksumDeclared != m.checksumComputed {
		return TagCheckSum, RejectReasonValueIsIncorrect, false
	}
	if !m.hasSendingTime {
		return TagSendingTime, RejectReasonRequiredTagMissing, false
	}
	switch m.MsgType {
	case MsgTypeLogon:
		if !m.hasHeartBtInt {
			return TagHeartBtInt, RejectReasonRequiredTagMissing, false
		}
	case MsgTypeTestRequest:
		if !m.hasTestReqID {
			return TagTestReqID, RejectReasonRequiredTagMissing, false
		}
	case MsgTypeSequenceReset:
		if !m.hasNewSeqNo {
			return TagNewSeqNo, RejectReasonRequiredTagMissing, false
		}
	case MsgTypeResendRequest:
		if !m.hasBeginSeqNo {
			return TagBeginSeqNo, RejectReasonRequiredTagMissing, false
		}
		if !m.hasEndSeqNo {
			return TagEndSeqNo, RejectReasonRequiredTagMissing, false
		}
	}
	return 0, 0, true
}

func parseInt(value []byte) int {
	n, err := strconv.Atoi(string(value))
	if err != nil {
		return MissingInt
	}
	return n
}

func parseBool(value []byte) bool {
	return len(value) == 1 && value[0] == 'Y'
}

const (
	utcTimestampMillisFormat = "20060102-15:04:05.000"
	utcTimestampFormat       = "20060102-15:04:05"
)

func parseUTCTimestamp(value []byte) int64 {
	s := string(value)
	if t, err := time.Parse(utcTimestampMillisFormat, s); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse(utcTimestampFormat, s); err == nil {
		return t.UnixMilli()
	}
	return UnknownTime
}
