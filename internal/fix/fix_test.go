package fix

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawWithChecksum builds a wire message with a correct trailer from the
// fields after 8= and 9=.
func rawWithChecksum(beginString string, bodyFields ...string) []byte {
	body := strings.Join(bodyFields, "\x01") + "\x01"
	head := "8=" + beginString + "\x019=" + itoa(len(body)) + "\x01"
	sum := 0
	for _, b := range []byte(head + body) {
		sum += int(b)
	}
	sum %= 256
	tail := "10=" + pad3(sum) + "\x01"
	return []byte(head + body + tail)
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{digits[n%10]}, out...)
		n /= 10
	}
	return string(out)
}

func pad3(n int) string {
	s := itoa(n)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

func TestLogonRoundTripPreservesHeaderFields(t *testing.T) {
	enc := NewEncoder("FIX.4.4")
	enc.SetIdentity("GATEWAY", "DESK1", "CLIENT")
	sendingTime := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC).UnixMilli()

	wire := enc.Logon(1, 10, false, "user", "pass", sendingTime)

	var dec Decoder
	msg, err := dec.Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, "FIX.4.4", msg.BeginString)
	assert.Equal(t, MsgTypeLogon, msg.MsgType)
	assert.Equal(t, 1, msg.MsgSeqNum)
	assert.Equal(t, "GATEWAY", msg.SenderCompID)
	assert.Equal(t, "DESK1", msg.SenderSubID)
	assert.Equal(t, "CLIENT", msg.TargetCompID)
	assert.Equal(t, 10, msg.HeartBtInt)
	assert.Equal(t, "user", msg.Username)
	assert.Equal(t, "pass", msg.Password)
	assert.Equal(t, sendingTime, msg.SendingTime)
	assert.False(t, msg.PossDup())

	_, _, ok := msg.Validate()
	assert.True(t, ok)
}

func TestEncodedMessagesCarryValidChecksumAndBodyLength(t *testing.T) {
	enc := NewEncoder("FIX.4.4")
	enc.SetIdentity("A", "", "B")

	// The encoder reuses its scratch buffer, so each wire image is copied
	// before the next encode.
	clone := func(b []byte) []byte { return append([]byte(nil), b...) }

	for name, wire := range map[string][]byte{
		"heartbeat":      clone(enc.Heartbeat(5, "probe", 0)),
		"test_request":   clone(enc.TestRequest(6, "TEST", 0)),
		"logout":         clone(enc.Logout(7, "bye", 0)),
		"resend_request": clone(enc.ResendRequest(8, 1, 0, 0)),
		"sequence_reset": clone(enc.SequenceReset(9, 20, true, 0)),
		"reject":         clone(enc.Reject(10, 4, TagNewSeqNo, MsgTypeSequenceReset, RejectReasonValueIsIncorrect, 0)),
	} {
		var dec Decoder
		msg, err := dec.Decode(wire)
		require.NoError(t, err, name)
		_, _, ok := msg.Validate()
		assert.True(t, ok, name)
	}
}

func TestDecodeRejectCarriesReferenceFields(t *testing.T) {
	enc := NewEncoder("FIX.4.4")
	enc.SetIdentity("A", "", "B")
	wire := enc.Reject(3, 7, TagNewSeqNo, MsgTypeSequenceReset, RejectReasonValueIsIncorrect, 0)

	var dec Decoder
	msg, err := dec.Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, 7, msg.RefSeqNum)
	assert.Equal(t, TagNewSeqNo, msg.RefTagID)
	assert.Equal(t, MsgTypeSequenceReset, msg.RefMsgType)
	assert.Equal(t, int(RejectReasonValueIsIncorrect), msg.RejectReason)
}

func TestDecodeMissingSeqNumYieldsSentinel(t *testing.T) {
	wire := rawWithChecksum("FIX.4.4",
		"35=0", "49=A", "56=B", "52=20240517-09:30:00.000")

	var dec Decoder
	msg, err := dec.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, MissingInt, msg.MsgSeqNum)
}

func TestValidateFlagsChecksumMismatch(t *testing.T) {
	wire := rawWithChecksum("FIX.4.4",
		"35=0", "34=2", "49=A", "56=B", "52=20240517-09:30:00.000")
	// Corrupt a body byte after the trailer was computed.
	idx := bytes.Index(wire, []byte("49=A"))
	require.GreaterOrEqual(t, idx, 0)
	wire[idx+3] = 'C'

	var dec Decoder
	msg, err := dec.Decode(wire)
	require.NoError(t, err)

	tag, reason, ok := msg.Validate()
	assert.False(t, ok)
	assert.Equal(t, TagCheckSum, tag)
	assert.Equal(t, RejectReasonValueIsIncorrect, reason)
}

func TestValidateFlagsMissingRequiredBodyTags(t *testing.T) {
	cases := map[string]struct {
		fields      []string
		expectedTag int
	}{
		"logon without heartbeat interval": {
			fields:      []string{"35=A", "34=1", "49=A", "56=B", "52=20240517-09:30:00.000"},
			expectedTag: TagHeartBtInt,
		},
		"test request without id": {
			fields:      []string{"35=1", "34=2", "49=A", "56=B", "52=20240517-09:30:00.000"},
			expectedTag: TagTestReqID,
		},
		"sequence reset without new seq no": {
			fields:      []string{"35=4", "34=3", "49=A", "56=B", "52=20240517-09:30:00.000"},
			expectedTag: TagNewSeqNo,
		},
	}

	for name, tc := range cases {
		wire := rawWithChecksum("FIX.4.4", tc.fields...)
		var dec Decoder
		msg, err := dec.Decode(wire)
		require.NoError(t, err, name)

		tag, reason, ok := msg.Validate()
		assert.False(t, ok, name)
		assert.Equal(t, tc.expectedTag, tag, name)
		assert.Equal(t, RejectReasonRequiredTagMissing, reason, name)
	}
}

func TestPossDupFromEitherHeaderFlag(t *testing.T) {
	dup := rawWithChecksum("FIX.4.4",
		"35=0", "34=2", "49=A", "56=B", "43=Y", "52=20240517-09:30:00.000")
	resend := rawWithChecksum("FIX.4.4",
		"35=0", "34=2", "49=A", "56=B", "97=Y", "52=20240517-09:30:00.000")

	var dec Decoder
	msg, err := dec.Decode(dup)
	require.NoError(t, err)
	assert.True(t, msg.PossDup())

	msg, err = dec.Decode(resend)
	require.NoError(t, err)
	assert.True(t, msg.PossDup())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var dec Decoder
	_, err := dec.Decode([]byte("not fix at all"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = dec.Decode([]byte("8=FIX.4.4\x019=5\x0135=0"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSendingTimeParsesWithAndWithoutMillis(t *testing.T) {
	withMillis := rawWithChecksum("FIX.4.4",
		"35=0", "34=2", "49=A", "56=B", "52=20240517-09:30:00.123")
	withoutMillis := rawWithChecksum("FIX.4.4",
		"35=0", "34=2", "49=A", "56=B", "52=20240517-09:30:00")

	var dec Decoder
	msg, err := dec.Decode(withMillis)
	require.NoError(t, err)
	expected := time.Date(2024, 5, 17, 9, 30, 0, 123_000_000, time.UTC).UnixMilli()
	assert.Equal(t, expected, msg.SendingTime)

	msg, err = dec.Decode(withoutMillis)
	require.NoError(t, err)
	assert.Equal(t, expected-123, msg.SendingTime)
}

func BenchmarkDecodeHeartbeat(b *testing.B) {
	enc := NewEncoder("FIX.4.4")
	enc.SetIdentity("GATEWAY", "", "CLIENT")
	wire := append([]byte(nil), enc.Heartbeat(1, "", time.Now().UnixMilli())...)

	var dec Decoder
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := dec.Decode(wire); err != nil {
			b.Fatal(err)
		}
	}
}
