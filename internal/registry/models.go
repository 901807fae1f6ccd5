package registry

import (
	"strings"
	"time"
)

// State represents the lifecycle of a task.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

var allStates = []State{
	StateQueued,
	StateProcessing,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// Terminal reports whether the state ends the task lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// TaskError is the machine-readable failure recorded on a failed task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result describes a task's published subtitle artifact.
type Result struct {
	Path      string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Task is a point-in-time snapshot of a task record.
type Task struct {
	ID          string
	Model       string
	State       State
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Err         *TaskError
	BundlePath  string
	Result      *Result
}

// PoolStatus is the derived admission view.
type PoolStatus struct {
	IsFull          bool `json:"is_full"`
	CurrentSize     int  `json:"current_size"`
	MaxSize         int  `json:"max_size"`
	ProcessingCount int  `json:"processing_count"`
}
