// Package runstate keeps the volatile state of feature runs: the ordered
// event log of each run, the per-feature running flag and the status of
// data-driven runs.
package runstate

import (
	"errors"
	"sync"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

// ErrNoRunsForFeature is returned by LatestRunLog when nothing is logged for
// the feature.
var ErrNoRunsForFeature = errors.New("no runs for feature")

// DataDrivenStatus is the tracked state of a data-driven run.
type DataDrivenStatus struct {
	Running bool                   `json:"running"`
	Metrics map[string]interface{} `json:"metrics"`
}

// Store is safe for concurrent use. Every method takes the store lock for
// its whole duration, so no reader observes a half-applied mutation.
type Store struct {
	mu         sync.RWMutex
	logs       map[int64]map[int64][]protocol.Message
	running    map[int64]bool
	dataDriven map[int64]*DataDrivenStatus
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		logs:       make(map[int64]map[int64][]protocol.Message),
		running:    make(map[int64]bool),
		dataDriven: make(map[int64]*DataDrivenStatus),
	}
}

// AppendEvent appends msg to the log of (featureID, runID), creating the
// log on first use.
func (s *Store) AppendEvent(featureID, runID int64, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, ok := s.logs[featureID]
	if !ok {
		runs = make(map[int64][]protocol.Message)
		s.logs[featureID] = runs
	}
	runs[runID] = append(runs[runID], msg)
}

// GetRunLog returns a copy of the log of (featureID, runID).
func (s *Store) GetRunLog(featureID, runID int64) ([]protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[featureID][runID]
	if !ok {
		return nil, false
	}
	return append([]protocol.Message(nil), log...), true
}

// LatestRunLog returns the log of the run with the greatest run id under
// featureID.
func (s *Store) LatestRunLog(featureID int64) (int64, []protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.logs[featureID]
	if len(runs) == 0 {
		return 0, nil, ErrNoRunsForFeature
	}

	var latest int64
	first := true
	for runID := range runs {
		if first || runID > latest {
			latest = runID
			first = false
		}
	}
	return latest, append([]protocol.Message(nil), runs[latest]...), nil
}

// SetFeatureRunning sets the running flag of a feature.
func (s *Store) SetFeatureRunning(featureID int64, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[featureID] = running
}

// IsFeatureRunning reports the running flag; unknown features are not running.
func (s *Store) IsFeatureRunning(featureID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[featureID]
}

// SetDataDrivenStatus sets the running flag of a data-driven run and merges
// patch into its metrics field by field. Nil values in patch leave the
// existing value untouched. The merged status is returned.
func (s *Store) SetDataDrivenStatus(runID int64, running bool, patch map[string]interface{}) DataDrivenStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.dataDriven[runID]
	if !ok {
		st = &DataDrivenStatus{Metrics: make(map[string]interface{})}
		s.dataDriven[runID] = st
	}
	st.Running = running
	for k, v := range patch {
		if v == nil {
			continue
		}
		st.Metrics[k] = v
	}
	return st.copy()
}

// GetDataDrivenStatus returns a copy of the status of a data-driven run.
func (s *Store) GetDataDrivenStatus(runID int64) (DataDrivenStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.dataDriven[runID]
	if !ok {
		return DataDrivenStatus{}, false
	}
	return st.copy(), true
}

// CompleteFeatureRun drops the log of (featureID, runID) and clears the
// feature's running flag in one step. Logs of other runs of the same
// feature are kept.
func (s *Store) CompleteFeatureRun(featureID, runID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runs, ok := s.logs[featureID]; ok {
		delete(runs, runID)
		if len(runs) == 0 {
			delete(s.logs, featureID)
		}
	}
	delete(s.running, featureID)
}

func (st *DataDrivenStatus) copy() DataDrivenStatus {
	out := DataDrivenStatus{
		Running: st.Running,
		Metrics: make(map[string]interface{}, len(st.Metrics)),
	}
	for k, v := range st.Metrics {
		out.Metrics[k] = v
	}
	return out
}
