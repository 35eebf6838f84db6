// Package fix implements the tag=value wire codec for the FIX 4.x session
// layer: a decoder for the fixed session message set, an encoder for the
// outbound side, and the associated constants.
package fix

// SOH is the FIX field delimiter.
const SOH = byte(1)

// MissingInt marks an absent integer field on a decoded message.
const MissingInt = -2147483648

// UnknownTime marks an absent timestamp field (epoch milliseconds otherwise).
const UnknownTime int64 = -1

// Session-layer message types.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogout        = "5"
	MsgTypeLogon         = "A"
)

// Header and session body tags.
const (
	TagBeginSeqNo          = 7
	TagBeginString         = 8
	TagBodyLength          = 9
	TagCheckSum            = 10
	TagClOrdID             = 11
	TagEndSeqNo            = 16
	TagMsgSeqNum           = 34
	TagMsgType             = 35
	TagNewSeqNo            = 36
	TagOrderQty            = 38
	TagOrdType             = 40
	TagPossDupFlag         = 43
	TagPrice               = 44
	TagRefSeqNum           = 45
	TagSenderCompID        = 49
	TagSenderSubID         = 50
	TagSendingTime         = 52
	TagSide                = 54
	TagSymbol              = 55
	TagTargetCompID        = 56
	TagTargetSubID         = 57
	TagText                = 58
	TagPossResend          = 97
	TagEncryptMethod       = 98
	TagHeartBtInt          = 108
	TagTestReqID           = 112
	TagOrigSendingTime     = 122
	TagGapFillFlag         = 123
	TagResetSeqNumFlag     = 141
	TagRefTagID            = 371
	TagRefMsgType          = 372
	TagSessionRejectReason = 373
	TagUsername            = 553
	TagPassword            = 554
)

// RejectReason is the session-level reject reason (tag 373).
type RejectReason int

// Session reject reasons used by the gateway.
const (
	RejectReasonInvalidTagNumber           RejectReason = 0
	RejectReasonRequiredTagMissing         RejectReason = 1
	RejectReasonTagNotDefinedForMessage    RejectReason = 2
	RejectReasonUndefinedTag               RejectReason = 3
	RejectReasonTagSpecifiedWithoutValue   RejectReason = 4
	RejectReasonValueIsIncorrect           RejectReason = 5
	RejectReasonIncorrectDataFormat        RejectReason = 6
	RejectReasonCompIDProblem              RejectReason = 9
	RejectReasonSendingTimeAccuracyProblem RejectReason = 10
	RejectReasonInvalidMsgType             RejectReason = 11
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonInvalidTagNumber:
		return "invalid_tag_number"
	case RejectReasonRequiredTagMissing:
		return "required_tag_missing"
	case RejectReasonTagNotDefinedForMessage:
		return "tag_not_defined_for_message"
	case RejectReasonUndefinedTag:
		return "undefined_tag"
	case RejectReasonTagSpecifiedWithoutValue:
		return "tag_specified_without_value"
	case RejectReasonValueIsIncorrect:
		return "value_is_incorrect"
	case RejectReasonIncorrectDataFormat:
		return "incorrect_data_format"
	case RejectReasonCompIDProblem:
		return "compid_problem"
	case RejectReasonSendingTimeAccuracyProblem:
		return "sendingtime_accuracy_problem"
	case RejectReasonInvalidMsgType:
		return "invalid_msgtype"
	default:
		return "other"
	}
}
