package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/internal/transport"
)

func TestCandidateWinsElectionWithMajority(t *testing.T) {
	f := newClusterFixture(t)
	candidateNode := f.newCandidateNode(nodeTwo, 3)
	voter1 := f.newFollowerNode(nodeOne, NoLeader)
	voter3 := f.newFollowerNode(nodeThree, NoLeader)

	candidateNode.candidate.StartNewElection(0)
	voter1.follower.Poll(testFragmentLimit, 1)
	voter3.follower.Poll(testFragmentLimit, 1)
	candidateNode.candidate.Poll(testFragmentLimit, 2)

	require.Contains(t, candidateNode.transitions.events, "leader")
	assert.EqualValues(t, 1, candidateNode.termState.LeadershipTermID())
	assert.Equal(t, candidateNode.dataPublication.SessionID(), candidateNode.termState.LeaderSessionID())
}

func TestCandidateWithoutVotersStaysCandidate(t *testing.T) {
	f := newClusterFixture(t)
	candidateNode := f.newCandidateNode(nodeTwo, 3)

	candidateNode.candidate.StartNewElection(0)
	candidateNode.candidate.Poll(testFragmentLimit, 1)

	assert.Empty(t, candidateNode.transitions.events)
	assert.Zero(t, candidateNode.termState.LeadershipTermID())
}

func TestFollowerVotesForOnlyOneCandidatePerTerm(t *testing.T) {
	f := newClusterFixture(t)
	watcher, recorder := f.watchControl()
	first := f.newCandidateNode(nodeTwo, 3)
	second := f.newCandidateNode(nodeThree, 3)
	voter := f.newFollowerNode(nodeOne, NoLeader)

	first.candidate.StartNewElection(0)
	second.candidate.StartNewElection(0)
	voter.follower.Poll(testFragmentLimit, 1)

	PollControl(watcher, recorder, 100)
	var votes []ReplyVote
	for _, reply := range recorder.replies {
		if reply.SenderNodeID == nodeOne {
			votes = append(votes, reply)
		}
	}
	require.Len(t, votes, 2)
	assert.EqualValues(t, nodeTwo, votes[0].CandidateID)
	assert.Equal(t, VoteFor, votes[0].Vote)
	assert.EqualValues(t, nodeThree, votes[1].CandidateID)
	assert.Equal(t, VoteAgainst, votes[1].Vote)
}

func TestFollowerRefusesStaleTermCandidate(t *testing.T) {
	f := newClusterFixture(t)
	watcher, recorder := f.watchControl()
	candidateNode := f.newCandidateNode(nodeTwo, 3)
	voter := f.newFollowerNode(nodeOne, NoLeader)
	voter.termState.SetLeadershipTermID(5)

	candidateNode.candidate.StartNewElection(0)
	voter.follower.Poll(testFragmentLimit, 1)

	PollControl(watcher, recorder, 100)
	require.Len(t, recorder.replies, 1)
	assert.Equal(t, VoteAgainst, recorder.replies[0].Vote)
}

func TestFollowerRefusesCandidateBehindItsPosition(t *testing.T) {
	f := newClusterFixture(t)
	watcher, recorder := f.watchControl()
	candidateNode := f.newCandidateNode(nodeTwo, 3)
	voter := f.newFollowerNode(nodeOne, NoLeader)
	voter.follower.receivedPosition = 4096

	candidateNode.candidate.StartNewElection(0)
	voter.follower.Poll(testFragmentLimit, 1)

	PollControl(watcher, recorder, 100)
	require.Len(t, recorder.replies, 1)
	assert.Equal(t, VoteAgainst, recorder.replies[0].Vote)
}

func TestCandidateRestartsElectionWithLaterTerm(t *testing.T) {
	f := newClusterFixture(t)
	watcher, recorder := f.watchControl()
	candidateNode := f.newCandidateNode(nodeTwo, 3)

	candidateNode.candidate.StartNewElection(0)
	candidateNode.candidate.Poll(testFragmentLimit, MaxToMinTimeoutRatio*testTimeoutMS+1)

	PollControl(watcher, recorder, 100)
	require.Len(t, recorder.requestVotes, 2)
	assert.EqualValues(t, 1, recorder.requestVotes[0].LeadershipTermID)
	assert.EqualValues(t, 2, recorder.requestVotes[1].LeadershipTermID)
}

func TestCandidateYieldsToElectedLeader(t *testing.T) {
	f := newClusterFixture(t)
	candidateNode := f.newCandidateNode(nodeTwo, 3)
	leaderControl := NewControlPublication(f.addPublication(DefaultControlStreamID), nil)

	candidateNode.candidate.StartNewElection(0)
	leaderControl.SaveConsensusHeartbeat(&ConsensusHeartbeat{
		LeaderNodeID:     nodeOne,
		LeadershipTermID: 1,
		LeaderSessionID:  4242,
	})
	candidateNode.candidate.Poll(testFragmentLimit, 1)

	require.Contains(t, candidateNode.transitions.events, "follower(0,1)")
	assert.EqualValues(t, 4242, candidateNode.termState.LeaderSessionID())
}

func TestLeaderStepsDownToLaterTermCandidate(t *testing.T) {
	f := newClusterFixture(t)
	watcher, recorder := f.watchControl()
	leaderNode := f.newLeaderNode(nodeOne, []int16{nodeTwo, nodeThree}, Quorum{})
	challenger := NewControlPublication(f.addPublication(DefaultControlStreamID), nil)

	challenger.SaveRequestVote(&RequestVote{
		CandidateID:        nodeTwo,
		CandidateSessionID: 5000,
		LeadershipTermID:   2,
	})
	leaderNode.leader.Poll(testFragmentLimit, 1)

	require.Contains(t, leaderNode.transitions.events, "follower(2,2)")
	_, err := leaderNode.publication.Offer([]byte("late-order"))
	assert.ErrorIs(t, err, ErrNotLeader)

	PollControl(watcher, recorder, 100)
	var endorsed bool
	for _, reply := range recorder.replies {
		if reply.SenderNodeID == nodeOne && reply.CandidateID == nodeTwo && reply.Vote == VoteFor {
			endorsed = true
		}
	}
	assert.True(t, endorsed, "deposed leader should endorse the candidate")
}

func TestLeaderRefusesStaleCandidate(t *testing.T) {
	f := newClusterFixture(t)
	watcher, recorder := f.watchControl()
	leaderNode := f.newLeaderNode(nodeOne, []int16{nodeTwo, nodeThree}, Quorum{})
	challenger := NewControlPublication(f.addPublication(DefaultControlStreamID), nil)

	challenger.SaveRequestVote(&RequestVote{
		CandidateID:        nodeTwo,
		CandidateSessionID: 5000,
		LeadershipTermID:   1,
	})
	leaderNode.leader.Poll(testFragmentLimit, 1)

	assert.Empty(t, leaderNode.transitions.events)
	_, err := leaderNode.publication.Offer([]byte("still-leading"))
	assert.NoError(t, err)

	PollControl(watcher, recorder, 100)
	require.NotEmpty(t, recorder.replies)
	assert.Equal(t, VoteAgainst, recorder.replies[len(recorder.replies)-1].Vote)
}

func TestLeaderYieldsToLaterTermHeartbeat(t *testing.T) {
	f := newClusterFixture(t)
	leaderNode := f.newLeaderNode(nodeOne, []int16{nodeTwo, nodeThree}, Quorum{})
	usurper := NewControlPublication(f.addPublication(DefaultControlStreamID), nil)

	usurper.SaveConsensusHeartbeat(&ConsensusHeartbeat{
		LeaderNodeID:     nodeTwo,
		LeadershipTermID: 3,
		LeaderSessionID:  6000,
		CommitPosition:   0,
	})
	leaderNode.leader.Poll(testFragmentLimit, 1)

	require.Contains(t, leaderNode.transitions.events, "follower(0,3)")
	assert.EqualValues(t, 6000, leaderNode.termState.LeaderSessionID())
	_, err := leaderNode.publication.Offer([]byte("late-order"))
	assert.ErrorIs(t, err, ErrNotLeader)
}

type clusterHarness struct {
	t     *testing.T
	nodes []*ClusterNode
	nowMS int64
}

func newClusterHarness(t *testing.T, size int) *clusterHarness {
	t.Helper()
	medium := transport.NewMedium()
	ids := make([]int16, size)
	for i := range ids {
		ids[i] = int16(i + 1)
	}
	harness := &clusterHarness{t: t}
	for _, id := range ids {
		var members []int16
		for _, other := range ids {
			if other != id {
				members = append(members, other)
			}
		}
		node, err := NewClusterNode(Configuration{
			NodeID:    id,
			Members:   members,
			Medium:    medium,
			TimeoutMS: testTimeoutMS,
			Strategy:  Quorum{},
		})
		require.NoError(t, err)
		harness.nodes = append(harness.nodes, node)
	}
	return harness
}

func (h *clusterHarness) pollAll() {
	h.nowMS += 5
	for _, node := range h.nodes {
		node.Poll(testFragmentLimit, h.nowMS)
	}
}

func (h *clusterHarness) singleLeader() *ClusterNode {
	var leader *ClusterNode
	for _, node := range h.nodes {
		if node.IsLeader() {
			if leader != nil {
				return nil
			}
			leader = node
		}
	}
	if leader == nil {
		return nil
	}
	session := leader.TermState().LeaderSessionID()
	for _, node := range h.nodes {
		if node.TermState().LeaderSessionID() != session {
			return nil
		}
	}
	return leader
}

func (h *clusterHarness) awaitLeader() *ClusterNode {
	h.t.Helper()
	for i := 0; i < 2000; i++ {
		h.pollAll()
		if leader := h.singleLeader(); leader != nil {
			return leader
		}
	}
	h.t.Fatal("cluster failed to elect a leader")
	return nil
}

func TestThreeNodeClusterElectsSingleLeader(t *testing.T) {
	h := newClusterHarness(t, 3)
	leader := h.awaitLeader()

	assert.Equal(t, "leader", leader.RoleName())
	for _, node := range h.nodes {
		if node != leader {
			assert.Equal(t, "follower", node.RoleName())
		}
		assert.Equal(t, leader.TermState().LeadershipTermID(), node.TermState().LeadershipTermID())
	}
}

func TestElectedLeaderReplicatesAndCommits(t *testing.T) {
	h := newClusterHarness(t, 3)
	leader := h.awaitLeader()

	position, err := leader.Publication().Offer([]byte("replicated-order"))
	require.NoError(t, err)

	for i := 0; i < 10 && leader.TermState().CommitPosition() < position; i++ {
		h.pollAll()
	}
	assert.EqualValues(t, position, leader.TermState().CommitPosition())

	for _, node := range h.nodes {
		if node != leader {
			_, err := node.Publication().Offer([]byte("from-a-follower"))
			assert.ErrorIs(t, err, ErrNotLeader)
		}
	}
}

func TestSingleNodeClusterLeadsItself(t *testing.T) {
	node, err := NewClusterNode(Configuration{
		NodeID:    7,
		Medium:    transport.NewMedium(),
		TimeoutMS: testTimeoutMS,
		Strategy:  EntireCluster{},
	})
	require.NoError(t, err)

	now := int64(0)
	for ; now <= MaxToMinTimeoutRatio*testTimeoutMS+1 && !node.IsLeader(); now += 5 {
		node.Poll(testFragmentLimit, now)
	}
	require.True(t, node.IsLeader())

	position, err := node.Publication().Offer([]byte("solo-order"))
	require.NoError(t, err)
	node.Poll(testFragmentLimit, now)
	assert.EqualValues(t, position, node.TermState().CommitPosition())
}
