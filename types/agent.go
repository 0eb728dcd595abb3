package types

import (
	"time"
)

// AgentStatus represents the liveness state of a registered agent.
type AgentStatus string

const (
	// AgentStatusStarting indicates the agent registered but has not yet
	// sent its first heartbeat.
	AgentStatusStarting AgentStatus = "starting"
	// AgentStatusHealthy indicates the agent heartbeated within the
	// liveness window and is eligible for routing.
	AgentStatusHealthy AgentStatus = "healthy"
	// AgentStatusDegraded indicates the agent is alive but reported
	// reduced capacity or repeated handler failures.
	AgentStatusDegraded AgentStatus = "degraded"
	// AgentStatusStale indicates the agent missed the liveness window and
	// must not receive new tasks.
	AgentStatusStale AgentStatus = "stale"
)

// AgentDescriptor records an agent's identity, declared capabilities, and
// last observed heartbeat. Descriptors are ephemeral: they live only in the
// broker and are rebuilt from scratch on registration after a restart.
type AgentDescriptor struct {
	AgentID       string      `json:"agent_id"`
	Types         []TaskType  `json:"types"`
	Tracks        []string    `json:"tracks"`
	Capacity      int         `json:"capacity"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// Validate checks the descriptor before registration.
func (d *AgentDescriptor) Validate() error {
	if d.AgentID == "" {
		return NewError(ErrValidation, "agent descriptor is missing agent_id")
	}
	if len(d.Types) == 0 {
		return NewError(ErrValidation, "agent descriptor declares no task types")
	}
	for _, t := range d.Types {
		if _, err := ParseTaskType(string(t)); err != nil {
			return err
		}
	}
	if d.Capacity <= 0 {
		return NewError(ErrValidation, "agent capacity must be positive")
	}
	return nil
}

// HandlesType reports whether the agent declared the given task type.
func (d *AgentDescriptor) HandlesType(t TaskType) bool {
	for _, tt := range d.Types {
		if tt == t {
			return true
		}
	}
	return false
}

// HandlesTrack reports whether the agent declared the given track affinity,
// either explicitly or via the wildcard.
func (d *AgentDescriptor) HandlesTrack(track string) bool {
	for _, tr := range d.Tracks {
		if tr == TrackWildcard || tr == track {
			return true
		}
	}
	return false
}
