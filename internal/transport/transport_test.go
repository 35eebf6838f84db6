package transport

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferAdvancesPositionByAlignedFrames(t *testing.T) {
	medium := NewMedium()
	pub, err := medium.AddPublication(7)
	require.NoError(t, err)

	payload := []byte("hello world")
	position, err := pub.Offer(payload)
	require.NoError(t, err)
	assert.Equal(t, AlignedFrameLength(len(payload)), position)

	second, err := pub.Offer(payload)
	require.NoError(t, err)
	assert.Equal(t, 2*AlignedFrameLength(len(payload)), second)
	assert.Equal(t, second, pub.Position())
}

func TestSubscriptionDeliversInPublicationOrder(t *testing.T) {
	medium := NewMedium()
	pub, err := medium.AddPublication(7)
	require.NoError(t, err)
	sub, err := medium.AddSubscription(7)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := pub.Offer([]byte(fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
	}

	var got []string
	read := sub.Poll(func(buffer []byte, header FragmentHeader) {
		assert.Equal(t, pub.SessionID(), header.SessionID)
		got = append(got, string(buffer))
	}, 10)

	assert.Equal(t, 5, read)
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2", "msg-3", "msg-4"}, got)
}

func TestPollHonoursFragmentLimit(t *testing.T) {
	medium := NewMedium()
	pub, _ := medium.AddPublication(1)
	sub, _ := medium.AddSubscription(1)

	for i := 0; i < 4; i++ {
		_, err := pub.Offer([]byte{byte(i)})
		require.NoError(t, err)
	}

	count := 0
	handler := func([]byte, FragmentHeader) { count++ }

	assert.Equal(t, 1, sub.Poll(handler, 1))
	assert.Equal(t, 3, sub.Poll(handler, 10))
	assert.Equal(t, 0, sub.Poll(handler, 10))
	assert.Equal(t, 4, count)
}

func TestTryClaimCommitDeliversWrittenBytes(t *testing.T) {
	medium := NewMedium()
	pub, _ := medium.AddPublication(1)
	sub, _ := medium.AddSubscription(1)

	claim, position, err := pub.TryClaim(4)
	require.NoError(t, err)
	assert.Greater(t, position, int64(0))
	copy(claim.Buffer(), "data")
	claim.Commit()

	var header FragmentHeader
	var body string
	sub.Poll(func(buffer []byte, h FragmentHeader) {
		header = h
		body = string(buffer)
	}, 1)

	assert.Equal(t, "data", body)
	assert.Equal(t, position, header.Position)
	assert.Equal(t, int32(4), header.Length)
}

func TestAbortedClaimIsNeverDelivered(t *testing.T) {
	medium := NewMedium()
	pub, _ := medium.AddPublication(1)
	sub, _ := medium.AddSubscription(1)

	claim, aborted, err := pub.TryClaim(8)
	require.NoError(t, err)
	claim.Abort()

	after, err := pub.Offer([]byte("kept"))
	require.NoError(t, err)
	assert.Greater(t, after, aborted)

	var got []string
	sub.Poll(func(buffer []byte, _ FragmentHeader) {
		got = append(got, string(buffer))
	}, 10)
	assert.Equal(t, []string{"kept"}, got)
}

func TestSecondClaimWithoutCommitFails(t *testing.T) {
	medium := NewMedium()
	pub, _ := medium.AddPublication(1)

	claim, _, err := pub.TryClaim(8)
	require.NoError(t, err)

	_, _, err = pub.TryClaim(8)
	assert.ErrorIs(t, err, ErrClaimOutstanding)

	claim.Commit()
	_, _, err = pub.TryClaim(8)
	assert.NoError(t, err)
}

func TestRewindRedeliversSessionFrames(t *testing.T) {
	medium := NewMedium()
	pub, _ := medium.AddPublication(1)
	sub, _ := medium.AddSubscription(1)

	first, err := pub.Offer([]byte("one"))
	require.NoError(t, err)
	_, err = pub.Offer([]byte("two"))
	require.NoError(t, err)

	handler := func([]byte, FragmentHeader) {}
	assert.Equal(t, 2, sub.Poll(handler, 10))
	assert.Equal(t, 0, sub.Poll(handler, 10))

	sub.Rewind(pub.SessionID(), first)

	var replayed []string
	sub.Poll(func(buffer []byte, _ FragmentHeader) {
		replayed = append(replayed, string(buffer))
	}, 10)
	assert.Equal(t, []string{"two"}, replayed)
}

func TestIndependentSubscriptionCursors(t *testing.T) {
	medium := NewMedium()
	pub, _ := medium.AddPublication(1)
	subA, _ := medium.AddSubscription(1)
	subB, _ := medium.AddSubscription(1)

	_, err := pub.Offer([]byte("x"))
	require.NoError(t, err)

	handler := func([]byte, FragmentHeader) {}
	assert.Equal(t, 1, subA.Poll(handler, 10))
	assert.Equal(t, 1, subB.Poll(handler, 10))
	assert.Equal(t, 0, subA.Poll(handler, 10))
}

func TestConcurrentPublishersInterleaveWithoutLoss(t *testing.T) {
	medium := NewMedium()
	sub, _ := medium.AddSubscription(3)

	const publishers = 4
	const perPublisher = 50

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		pub, err := medium.AddPublication(3)
		require.NoError(t, err)
		wg.Add(1)
		go func(pub *Publication) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := pub.Offer([]byte{1})
				assert.NoError(t, err)
			}
		}(pub)
	}
	wg.Wait()

	total := 0
	for {
		read := sub.Poll(func([]byte, FragmentHeader) { total++ }, 64)
		if read == 0 {
			break
		}
	}
	assert.Equal(t, publishers*perPublisher, total)
}

func BenchmarkOfferPoll(b *testing.B) {
	medium := NewMedium()
	pub, _ := medium.AddPublication(1)
	sub, _ := medium.AddSubscription(1)
	payload := make([]byte, 128)
	handler := func([]byte, FragmentHeader) {}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pub.Offer(payload); err != nil {
			b.Fatal(err)
		}
		sub.Poll(handler, 1)
	}
}
