package engine

import "encoding/json"

// EventName enumerates the four pub/sub event kinds a job's lifecycle emits.
type EventName string

const (
	EventProgress  EventName = "progress"
	EventSucceeded EventName = "succeeded"
	EventRetrying  EventName = "retrying"
	EventFailed    EventName = "failed"
)

// ErrorPayload is the {message, stack?} shape carried by retrying/failed
// event data.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// EventMessage is the JSON object published to the events channel:
// {event, id, data}. data is left as raw JSON since its shape depends on
// event (a number for progress, arbitrary JSON for succeeded, ErrorPayload
// for retrying/failed).
type EventMessage struct {
	Event EventName       `json:"event"`
	ID    int64           `json:"id"`
	Data  json.RawMessage `json:"data"`
}

// Encode serializes the message for PUBLISH.
func (m EventMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeEvent parses a payload received over the subscriber connection.
func DecodeEvent(raw []byte) (EventMessage, error) {
	var m EventMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return EventMessage{}, err
	}
	return m, nil
}

// NewProgressEvent builds a progress event for job id with value n.
func NewProgressEvent(id int64, n int) (EventMessage, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return EventMessage{}, err
	}
	return EventMessage{Event: EventProgress, ID: id, Data: data}, nil
}

// NewSucceededEvent builds a succeeded event carrying the handler's result.
func NewSucceededEvent(id int64, result json.RawMessage) (EventMessage, error) {
	if result == nil {
		result = json.RawMessage("null")
	}
	return EventMessage{Event: EventSucceeded, ID: id, Data: result}, nil
}

// NewRetryingEvent builds a retrying event carrying the error that caused it.
func NewRetryingEvent(id int64, errPayload ErrorPayload) (EventMessage, error) {
	data, err := json.Marshal(errPayload)
	if err != nil {
		return EventMessage{}, err
	}
	return EventMessage{Event: EventRetrying, ID: id, Data: data}, nil
}

// NewFailedEvent builds a failed event carrying the terminal error.
func NewFailedEvent(id int64, errPayload ErrorPayload) (EventMessage, error) {
	data, err := json.Marshal(errPayload)
	if err != nil {
		return EventMessage{}, err
	}
	return EventMessage{Event: EventFailed, ID: id, Data: data}, nil
}
