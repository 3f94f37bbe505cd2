package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p_compute/pkg/data"
)

func result(executor, hash string) data.JobResult {
	return data.JobResult{JobID: "j1", Executor: executor, OutputHash: hash}
}

func TestTallyMajority(t *testing.T) {
	tally := Tally([]data.JobResult{
		result("peer-a", "h1"),
		result("peer-b", "h1"),
		result("peer-c", "h2"),
	})

	assert.Equal(t, "h1", tally.OutputHash)
	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, tally.Agreeing)
	assert.ElementsMatch(t, []string{"peer-c"}, tally.Disputing)
	assert.InDelta(t, 2.0/3.0, tally.Score, 1e-9)
}

func TestTallyUnanimous(t *testing.T) {
	tally := Tally([]data.JobResult{
		result("peer-a", "h1"),
		result("peer-b", "h1"),
	})

	assert.Equal(t, "h1", tally.OutputHash)
	assert.Empty(t, tally.Disputing)
	assert.Equal(t, 1.0, tally.Score)
}

func TestTallyThreeWaySplit(t *testing.T) {
	tally := Tally([]data.JobResult{
		result("peer-a", "h1"),
		result("peer-b", "h2"),
		result("peer-c", "h3"),
	})

	// All groups tie at one; the lowest hash wins deterministically
	assert.Equal(t, "h1", tally.OutputHash)
	assert.ElementsMatch(t, []string{"peer-a"}, tally.Agreeing)
	assert.ElementsMatch(t, []string{"peer-b", "peer-c"}, tally.Disputing)
	assert.InDelta(t, 1.0/3.0, tally.Score, 1e-9)
}

func TestTallyTieBreaksLow(t *testing.T) {
	forward := Tally([]data.JobResult{
		result("peer-a", "hb"),
		result("peer-b", "ha"),
		result("peer-c", "hb"),
		result("peer-d", "ha"),
	})
	reversed := Tally([]data.JobResult{
		result("peer-d", "ha"),
		result("peer-c", "hb"),
		result("peer-b", "ha"),
		result("peer-a", "hb"),
	})

	require.Equal(t, "ha", forward.OutputHash)
	assert.Equal(t, forward.OutputHash, reversed.OutputHash,
		"winner must not depend on result arrival order")
	assert.Equal(t, forward.Agreeing, reversed.Agreeing)
}

func TestTallySingleResult(t *testing.T) {
	tally := Tally([]data.JobResult{result("peer-a", "h1")})

	assert.Equal(t, "h1", tally.OutputHash)
	assert.Equal(t, 1.0, tally.Score)
	assert.Empty(t, tally.Disputing)
}
