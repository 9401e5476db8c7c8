package service

import "github.com/cometa-rocks/wsrelay/internal/protocol"

// Event names a point in a feature run's lifecycle.
type Event string

const (
	EventQueued       Event = "queued"
	EventInitializing Event = "initializing"
	EventStarted      Event = "started"
	EventStepBegin    Event = "stepBegin"
	EventStepDetail   Event = "stepDetail"
	EventStepFinished Event = "stepFinished"
	EventFinished     Event = "finished"
	EventRunCompleted Event = "runCompleted"
	EventKilled       Event = "killed"
	EventError        Event = "error"
)

type transition struct {
	msgType      string
	hasRun       bool
	setRunning   bool
	clearRunning bool
	appends      bool
	completes    bool
}

// queued -> initializing -> started -> {stepBegin -> stepDetail* -> stepFinished}*
// -> finished -> runCompleted; killed ends a run from any state, error may
// happen anywhere without changing the running flag.
var transitions = map[Event]transition{
	EventQueued:       {msgType: protocol.TypeFeatureQueued, hasRun: true, setRunning: true, appends: true},
	EventInitializing: {msgType: protocol.TypeFeatureInitializing, hasRun: true, setRunning: true, appends: true},
	EventStarted:      {msgType: protocol.TypeFeatureStarted, hasRun: true, setRunning: true, appends: true},
	EventStepBegin:    {msgType: protocol.TypeStepStarted, hasRun: true, appends: true},
	EventStepDetail:   {msgType: protocol.TypeStepDetail, hasRun: true, appends: true},
	EventStepFinished: {msgType: protocol.TypeStepFinished, hasRun: true, appends: true},
	EventFinished:     {msgType: protocol.TypeFeatureFinished, hasRun: true, appends: true},
	EventRunCompleted: {msgType: protocol.TypeFeatureRunCompleted, hasRun: true, completes: true},
	EventKilled:       {msgType: protocol.TypeFeatureKilled, clearRunning: true},
	EventError:        {msgType: protocol.TypeFeatureError, hasRun: true, appends: true},
}

// Events lists every lifecycle event in run order.
func Events() []Event {
	return []Event{
		EventQueued, EventInitializing, EventStarted,
		EventStepBegin, EventStepDetail, EventStepFinished,
		EventFinished, EventRunCompleted, EventKilled, EventError,
	}
}
