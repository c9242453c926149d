package types

import "time"

// EventType distinguishes the frames emitted on a run's websocket topic.
type EventType string

const (
	EventPhaseUpdate EventType = "phase_update"
	EventProgress    EventType = "progress"
	EventRunStatus   EventType = "run_status"
	EventError       EventType = "error"
)

// Event is one frame on the pipeline_{id} topic.
type Event struct {
	Type       EventType      `json:"type"`
	PipelineID string         `json:"pipeline_id"`
	Message    string         `json:"message,omitempty"`
	Event      string         `json:"event,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent stamps an event frame for a run.
func NewEvent(t EventType, runID, message string, data map[string]any) Event {
	return Event{
		Type:       t,
		PipelineID: runID,
		Message:    message,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
}
