package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType identifies the kind of analysis a task asks for. The set is
// closed: unknown values are rejected at the boundary by ParseTaskType
// instead of failing deep inside processing.
type TaskType string

const (
	// TaskTypeStrategy asks for a full race-strategy recommendation.
	TaskTypeStrategy TaskType = "strategy"
	// TaskTypePrediction asks for a lap-time or degradation forecast.
	TaskTypePrediction TaskType = "prediction"
	// TaskTypeSimulation asks for a what-if stint simulation.
	TaskTypeSimulation TaskType = "simulation"
	// TaskTypeExplanation asks for a human-readable rationale of a
	// previously produced forecast or recommendation.
	TaskTypeExplanation TaskType = "explanation"
)

// AllTaskTypes lists every valid task type in narrative-precedence order:
// later entries win when the arbiter merges narratives (explanation beats
// simulation beats prediction).
var AllTaskTypes = []TaskType{
	TaskTypePrediction,
	TaskTypeSimulation,
	TaskTypeExplanation,
	TaskTypeStrategy,
}

// ParseTaskType validates a raw task-type string against the closed set.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskTypeStrategy, TaskTypePrediction, TaskTypeSimulation, TaskTypeExplanation:
		return TaskType(s), nil
	}
	return "", NewError(ErrUnknownTaskType, fmt.Sprintf("unknown task type %q", s))
}

// Precedence returns the narrative-merge rank of a task type. Higher wins.
func (t TaskType) Precedence() int {
	for i, tt := range AllTaskTypes {
		if tt == t {
			return i
		}
	}
	return -1
}

// TrackWildcard matches any track when declared in an agent's track set.
const TrackWildcard = "*"

// Task is a unit of work routed to exactly one eligible agent instance at a
// time. Tasks are immutable once created; retry bookkeeping lives in the
// delivery envelope, never in the task itself.
type Task struct {
	TaskID    string          `json:"task_id"`
	Type      TaskType        `json:"task_type"`
	Priority  int             `json:"priority"`
	Track     string          `json:"track"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks the fields the coordination layer depends on. Payload
// content is deliberately not inspected.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return NewError(ErrValidation, "task is missing task_id")
	}
	if _, err := ParseTaskType(string(t.Type)); err != nil {
		return err
	}
	return nil
}

// Result is the append-only record of one agent's attempt at a task. A
// single task may carry several results when it fans out across agent types.
type Result struct {
	TaskID      string          `json:"task_id"`
	AgentID     string          `json:"agent_id"`
	Type        TaskType        `json:"task_type"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	LatencyMS   int64           `json:"latency_ms"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}
