package fault

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/testlogger"
	"github.com/shardnet/shardnet/xorname"
)

func names(n int) []xorname.Name {
	out := make([]xorname.Name, n)
	for i := range out {
		out[i] = xorname.Random()
	}
	return out
}

func TestNoIssuesNoFaults(t *testing.T) {
	f := New(testlogger.New(t), clockwork.NewFakeClock(), names(10))
	require.Empty(t, f.FaultyNodes())
}

func TestEqualCountsNoFaults(t *testing.T) {
	peers := names(10)
	f := New(testlogger.New(t), clockwork.NewFakeClock(), peers)
	for _, p := range peers {
		for i := 0; i < 5; i++ {
			f.TrackIssue(p, IssueDkg)
		}
	}
	require.Empty(t, f.FaultyNodes())
}

func TestSingleOutlierDetected(t *testing.T) {
	peers := names(10)
	f := New(testlogger.New(t), clockwork.NewFakeClock(), peers)

	for _, p := range peers {
		f.TrackIssue(p, IssueDkg)
	}
	spiked := peers[3]
	for i := 0; i < 29; i++ {
		f.TrackIssue(spiked, IssueDkg)
	}

	faulty := f.FaultyNodes()
	require.Len(t, faulty, 1)
	require.Equal(t, spiked, faulty[0])
}

func TestMonotoneInIssueCounts(t *testing.T) {
	peers := names(6)
	f := New(testlogger.New(t), clockwork.NewFakeClock(), peers)

	spiked := peers[0]
	for i := 0; i < 10; i++ {
		f.TrackIssue(spiked, IssueComm)
	}
	first := len(f.FaultyNodes())

	// more issues can only make things worse, never better
	for i := 0; i < 10; i++ {
		f.TrackIssue(spiked, IssueComm)
	}
	require.GreaterOrEqual(t, len(f.FaultyNodes()), first)
}

func TestWindowPruning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	peers := names(5)
	f := New(testlogger.New(t), clock, peers)

	spiked := peers[0]
	for i := 0; i < 30; i++ {
		f.TrackIssue(spiked, IssueProbe)
	}
	require.Len(t, f.FaultyNodes(), 1)

	// the issues age out of the window
	clock.Advance(RecentIssueWindow + 1)
	require.Empty(t, f.FaultyNodes())
}

func TestSortedByDescendingScore(t *testing.T) {
	peers := names(12)
	f := New(testlogger.New(t), clockwork.NewFakeClock(), peers)

	worst, bad := peers[0], peers[1]
	for i := 0; i < 60; i++ {
		f.TrackIssue(worst, IssueDkg)
	}
	for i := 0; i < 40; i++ {
		f.TrackIssue(bad, IssueDkg)
	}

	faulty := f.FaultyNodes()
	require.NotEmpty(t, faulty)
	require.Equal(t, worst, faulty[0])
}

func TestRemoveNodeClearsRecords(t *testing.T) {
	peers := names(5)
	f := New(testlogger.New(t), clockwork.NewFakeClock(), peers)

	spiked := peers[0]
	for i := 0; i < 30; i++ {
		f.TrackIssue(spiked, IssueDkg)
	}
	require.Len(t, f.FaultyNodes(), 1)

	f.RemoveNode(spiked)
	require.Empty(t, f.FaultyNodes())
}
