// Package lifecycle holds the instance state machine: which events may fire
// from which statuses and where each one lands on success or failure.
package lifecycle

import (
	"fmt"

	"github.com/dbstudio/engine/internal/models"
)

// Event is something that moves an instance between statuses.
type Event string

const (
	EventProvisionComplete Event = "provision_complete"
	EventStopRequested     Event = "stop_requested"
	EventStopComplete      Event = "stop_complete"
	EventStartRequested    Event = "start_requested"
	EventStartComplete     Event = "start_complete"
	EventUpdateRequested   Event = "update_requested"
	EventUpdateComplete    Event = "update_complete"
	EventDestroyRequested  Event = "destroy_requested"
	EventDestroyComplete   Event = "destroy_complete"
)

// Transition describes one row of the table. Failure is empty for request
// events, which are rejected instead of failing.
type Transition struct {
	From    []models.Status
	Success models.Status
	Failure models.Status
}

var table = map[Event]Transition{
	EventProvisionComplete: {
		From:    []models.Status{models.StatusProvisioning},
		Success: models.StatusRunning,
		Failure: models.StatusFailed,
	},
	EventStopRequested: {
		From:    []models.Status{models.StatusRunning},
		Success: models.StatusStopping,
	},
	EventStopComplete: {
		From:    []models.Status{models.StatusStopping},
		Success: models.StatusStopped,
		Failure: models.StatusRunning,
	},
	EventStartRequested: {
		From:    []models.Status{models.StatusStopped},
		Success: models.StatusStarting,
	},
	EventStartComplete: {
		From:    []models.Status{models.StatusStarting},
		Success: models.StatusRunning,
		Failure: models.StatusStopped,
	},
	EventUpdateRequested: {
		From:    []models.Status{models.StatusStopped},
		Success: models.StatusUpdating,
	},
	EventUpdateComplete: {
		From:    []models.Status{models.StatusUpdating},
		Success: models.StatusRunning,
		Failure: models.StatusFailed,
	},
	EventDestroyRequested: {
		From:    []models.Status{models.StatusProvisioning, models.StatusRunning, models.StatusFailed},
		Success: models.StatusDestroying,
	},
	EventDestroyComplete: {
		From:    []models.Status{models.StatusDestroying},
		Success: models.StatusDestroyed,
		Failure: models.StatusFailed,
	},
}

// Lookup returns the transition for e. It panics on an unknown event, which
// is a programming error.
func Lookup(e Event) Transition {
	t, ok := table[e]
	if !ok {
		panic(fmt.Sprintf("lifecycle: unknown event %q", e))
	}
	return t
}

// Allows reports whether e may fire while an instance is in status s.
func (t Transition) Allows(s models.Status) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// Target returns the status reached when the event succeeds or fails.
func (t Transition) Target(ok bool) models.Status {
	if ok {
		return t.Success
	}
	return t.Failure
}

// IsEdge reports whether from -> to is an edge of the state machine, either
// as a request, a completion, or a failure/rollback of a completion.
func IsEdge(from, to models.Status) bool {
	for _, t := range table {
		if !t.Allows(from) {
			continue
		}
		if t.Success == to || (t.Failure != "" && t.Failure == to) {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func Terminal(s models.Status) bool {
	return s == models.StatusDestroyed
}
