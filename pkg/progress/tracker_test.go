package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerCountsSteps(t *testing.T) {
	tr := NewTracker("run-1", 4)
	tr.StartStep("provision_tables")
	tr.FinishStep(7, 1)
	tr.StartStep("enforce_relations")

	stats := tr.GetStats()
	assert.Equal(t, "run-1", stats.RunID)
	assert.Equal(t, "enforce_relations", stats.CurrentStep)
	assert.EqualValues(t, 1, stats.CompletedSteps)
	assert.InDelta(t, 25.0, stats.ProgressPct, 0.001)
	assert.EqualValues(t, 7, stats.Operations)
	assert.EqualValues(t, 1, stats.FailedOperations)
	assert.Contains(t, tr.FormatProgress(), "1/4 steps")
}
