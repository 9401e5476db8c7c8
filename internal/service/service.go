// Package service applies ingested events: it mutates the run state and
// hands the resulting message to the router.
package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cometa-rocks/wsrelay/internal/metrics"
	"github.com/cometa-rocks/wsrelay/internal/protocol"
	"github.com/cometa-rocks/wsrelay/internal/router"
	"github.com/cometa-rocks/wsrelay/internal/runstate"
)

var (
	// ErrMissingType is returned for an action without a type tag.
	ErrMissingType = errors.New("type is required")
	// ErrUnknownEvent is returned for a lifecycle event the relay does not know.
	ErrUnknownEvent = errors.New("unknown lifecycle event")
)

// Service serialises event processing: the state change and the fan-out of
// one event complete before the next event is applied.
type Service struct {
	mu     sync.Mutex
	store  *runstate.Store
	router *router.Router

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates the relay service.
func New(store *runstate.Store, r *router.Router, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		router:  r,
		log:     logger.With().Str("component", "service").Logger(),
		metrics: m,
	}
}

// Lifecycle applies a lifecycle event of (featureID, runID) and broadcasts
// it. fields holds the event-specific payload; the type tag and ids are
// set here.
func (s *Service) Lifecycle(event Event, featureID, runID int64, fields protocol.Message) (int, error) {
	t, ok := transitions[event]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	msg := fields.Clone()
	msg["type"] = t.msgType
	msg["feature_id"] = featureID
	if t.hasRun {
		msg["run_id"] = runID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case t.completes:
		s.store.CompleteFeatureRun(featureID, runID)
	case t.setRunning:
		s.store.SetFeatureRunning(featureID, true)
	case t.clearRunning:
		s.store.SetFeatureRunning(featureID, false)
	}
	if t.appends {
		s.store.AppendEvent(featureID, runID, msg)
	}

	sent, err := s.router.Dispatch(msg)
	if err != nil {
		return 0, err
	}

	s.metrics.EventIngested(string(event))
	s.log.Info().
		Str("event", string(event)).
		Int64("feature_id", featureID).
		Int64("run_id", runID).
		Int("sent", sent).
		Msg("lifecycle event")
	return sent, nil
}

// FeatureStatus reports whether a feature is running.
func (s *Service) FeatureStatus(featureID int64) bool {
	return s.store.IsFeatureRunning(featureID)
}

// DataDrivenStatus returns the status of a data-driven run.
func (s *Service) DataDrivenStatus(runID int64) (runstate.DataDrivenStatus, bool) {
	return s.store.GetDataDrivenStatus(runID)
}

// Target narrows a status message to a user, falling back to a department.
type Target struct {
	UserID       *int64
	DepartmentID *int64
}

func (t Target) apply(msg protocol.Message) {
	if t.UserID != nil {
		msg["user_id"] = *t.UserID
	}
	if t.DepartmentID != nil {
		msg["department_id"] = *t.DepartmentID
	}
}

// UpdateDataDriven merges metrics into a data-driven run's status and sends
// the merged status to the target.
func (s *Service) UpdateDataDriven(runID int64, running bool, patch map[string]interface{}, target Target) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.store.SetDataDrivenStatus(runID, running, patch)
	msg := protocol.NewMessage(protocol.TypeDataDrivenStatus)
	msg["run_id"] = runID
	msg["running"] = st.Running
	msg["status"] = st.Metrics
	target.apply(msg)

	sent, err := s.router.Dispatch(msg)
	if err != nil {
		return 0, err
	}
	s.metrics.EventIngested("dataDrivenStatus")
	return sent, nil
}

// MobileContainer relays a mobile container change to the target.
func (s *Service) MobileContainer(msgType string, containerID int64, fields protocol.Message, target Target) (int, error) {
	msg := fields.Clone()
	msg["type"] = msgType
	msg["container_id"] = containerID
	target.apply(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	sent, err := s.router.Dispatch(msg)
	if err != nil {
		return 0, err
	}
	s.metrics.EventIngested("mobileContainer")
	return sent, nil
}

// SendAction routes an arbitrary action through the router's rule table.
func (s *Service) SendAction(msg protocol.Message) (int, error) {
	if msg.Type() == "" {
		return 0, ErrMissingType
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sent, err := s.router.Dispatch(msg)
	if err != nil {
		return 0, err
	}
	s.metrics.EventIngested("sendAction")
	s.log.Info().Str("type", msg.Type()).Int("sent", sent).Msg("action sent")
	return sent, nil
}

// Replay sends the latest run log of a feature to one connection. It runs
// under the event lock, so no live event of the feature can be queued to
// the connection ahead of, or be missing from, the replayed log.
func (s *Service) Replay(connID string, featureID int64) (bool, error) {
	reply := protocol.FeaturePastMessages{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeReplay, Ts: time.Now().UnixMilli()},
		FeatureID:   featureID,
		Messages:    []protocol.Message{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runID, messages, err := s.store.LatestRunLog(featureID)
	switch {
	case err == nil:
		reply.RunID = &runID
		reply.Messages = messages
	case !errors.Is(err, runstate.ErrNoRunsForFeature):
		return false, err
	}
	return s.router.Deliver(connID, reply)
}
