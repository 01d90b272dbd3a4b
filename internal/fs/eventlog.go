package fs

import (
	"context"
	"time"
)

type EventType uint8

const (
	EventChanged EventType = iota
	EventCreated
	EventDeleted
	EventRenamed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventRenamed:
		return "renamed"
	default:
		return "changed"
	}
}

// Event is a raw change notification. Path is relative to the watched root.
type Event struct {
	Type EventType `json:"type"`
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// EventBatch is an ordered slice of the event log. Position continues the log after the
// batch. RefreshRequired reports that events before the batch were lost and the state
// must be enumerated again.
type EventBatch struct {
	Events          []Event `json:"events"`
	Position        uint64  `json:"position"`
	RefreshRequired bool    `json:"refresh_required"`
}

// EventLogClient supplies change notifications of a replica.
type EventLogClient interface {
	// ReadEvents blocks until events after position are available or ctx is done.
	ReadEvents(ctx context.Context, position uint64) (EventBatch, error)
}
