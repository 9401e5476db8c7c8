package runstate

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

func msg(step int) protocol.Message {
	return protocol.Message{"type": protocol.TypeStepStarted, "step_index": step}
}

func TestAppendKeepsOrder(t *testing.T) {
	s := NewStore()
	for i := 0; i < 50; i++ {
		s.AppendEvent(1, 9, msg(i))
	}

	log, ok := s.GetRunLog(1, 9)
	require.True(t, ok)
	require.Len(t, log, 50)
	for i, m := range log {
		assert.Equal(t, i, m["step_index"])
	}
}

func TestGetRunLogReturnsCopy(t *testing.T) {
	s := NewStore()
	s.AppendEvent(1, 1, msg(0))

	log, _ := s.GetRunLog(1, 1)
	log[0] = msg(99)
	_ = append(log, msg(100))

	again, _ := s.GetRunLog(1, 1)
	require.Len(t, again, 1)
	assert.Equal(t, 0, again[0]["step_index"])
}

func TestGetRunLogUnknown(t *testing.T) {
	s := NewStore()
	_, ok := s.GetRunLog(3, 4)
	assert.False(t, ok)
}

func TestLatestRunLogPicksNumericallyGreatest(t *testing.T) {
	s := NewStore()
	s.AppendEvent(7, 9, msg(9))
	s.AppendEvent(7, 10, msg(10))
	s.AppendEvent(7, 2, msg(2))

	runID, log, err := s.LatestRunLog(7)
	require.NoError(t, err)
	assert.Equal(t, int64(10), runID)
	require.Len(t, log, 1)
	assert.Equal(t, 10, log[0]["step_index"])
}

func TestLatestRunLogNoRuns(t *testing.T) {
	s := NewStore()
	_, _, err := s.LatestRunLog(7)
	assert.ErrorIs(t, err, ErrNoRunsForFeature)
}

func TestFeatureRunningDefaultsFalse(t *testing.T) {
	s := NewStore()
	assert.False(t, s.IsFeatureRunning(1))
	s.SetFeatureRunning(1, true)
	assert.True(t, s.IsFeatureRunning(1))
	s.SetFeatureRunning(1, false)
	assert.False(t, s.IsFeatureRunning(1))
}

func TestDataDrivenStatusMerge(t *testing.T) {
	s := NewStore()
	s.SetDataDrivenStatus(5, true, map[string]interface{}{"total": 10, "ok": 8})
	merged := s.SetDataDrivenStatus(5, true, map[string]interface{}{"status": "done", "fails": nil})

	assert.Equal(t, map[string]interface{}{"status": "done", "total": 10, "ok": 8}, merged.Metrics)

	got, ok := s.GetDataDrivenStatus(5)
	require.True(t, ok)
	assert.True(t, got.Running)
	assert.Equal(t, merged, got)

	s.SetDataDrivenStatus(5, false, map[string]interface{}{"ok": 9})
	got, _ = s.GetDataDrivenStatus(5)
	assert.False(t, got.Running)
	assert.Equal(t, 9, got.Metrics["ok"])
	assert.Equal(t, "done", got.Metrics["status"])

	_, ok = s.GetDataDrivenStatus(6)
	assert.False(t, ok)
}

func TestCompleteFeatureRunKeepsOtherRuns(t *testing.T) {
	s := NewStore()
	s.SetFeatureRunning(7, true)
	s.AppendEvent(7, 1, msg(1))
	s.AppendEvent(7, 2, msg(2))

	s.CompleteFeatureRun(7, 1)

	_, ok := s.GetRunLog(7, 1)
	assert.False(t, ok)
	log, ok := s.GetRunLog(7, 2)
	assert.True(t, ok)
	assert.Len(t, log, 1)
	assert.False(t, s.IsFeatureRunning(7))

	s.CompleteFeatureRun(7, 2)
	_, _, err := s.LatestRunLog(7)
	assert.ErrorIs(t, err, ErrNoRunsForFeature)
}

func TestConcurrentAppends(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for f := int64(0); f < 8; f++ {
		wg.Add(1)
		go func(feature int64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.AppendEvent(feature, 1, msg(i))
				s.IsFeatureRunning(feature)
			}
		}(f)
	}
	wg.Wait()

	for f := int64(0); f < 8; f++ {
		log, ok := s.GetRunLog(f, 1)
		require.True(t, ok, fmt.Sprintf("feature %d", f))
		assert.Len(t, log, 100)
	}
}
