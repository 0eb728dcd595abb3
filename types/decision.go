package types

import (
	"time"
)

// RiskLevel grades the severity of acting on a decision.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// riskRank orders risk levels for max-severity arbitration.
var riskRank = map[RiskLevel]int{
	RiskLow:    0,
	RiskMedium: 1,
	RiskHigh:   2,
}

// MaxRisk returns the more severe of two risk levels. Unknown levels rank
// below low so a malformed input can never mask a real severity.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if riskRank[a] >= riskRank[b] {
		return a
	}
	return b
}

// Rank returns the numeric severity of a risk level (low=0, high=2).
func (r RiskLevel) Rank() int {
	return riskRank[r]
}

// Decision is the arbitrated output of one or more results for a task.
// Decisions are immutable once emitted by the arbiter.
type Decision struct {
	DecisionID       string    `json:"decision_id"`
	TaskID           string    `json:"task_id"`
	Action           string    `json:"action"`
	Confidence       float64   `json:"confidence"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Reasoning        string    `json:"reasoning,omitempty"`
	RequiresApproval bool      `json:"requires_approval"`

	// Partial marks a decision emitted after the merge window expired
	// before every expected result type arrived.
	Partial bool `json:"partial,omitempty"`

	// Sources lists the task types whose results fed this decision.
	Sources []TaskType `json:"sources,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TimeoutPolicy is the configured fallback applied when a pending approval
// expires without a human verdict.
type TimeoutPolicy string

const (
	TimeoutAutoApprove TimeoutPolicy = "auto_approve"
	TimeoutAutoReject  TimeoutPolicy = "auto_reject"
	TimeoutEscalate    TimeoutPolicy = "escalate"
)

// ApprovalStatus tracks a pending approval through its state machine:
// pending, then exactly one terminal outcome.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	ApprovalAutoRejected ApprovalStatus = "auto_rejected"
)

// Terminal reports whether the status is an end state.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending && s != ""
}

// SystemReviewer is recorded as the reviewer when the timeout monitor
// resolves an approval instead of a human.
const SystemReviewer = "system"

// PendingApproval holds a decision awaiting human sign-off, with a
// per-decision expiry and timeout policy. Mutated exactly once, either by a
// human verdict or by the timeout monitor.
type PendingApproval struct {
	DecisionID    string        `json:"decision_id"`
	Decision      Decision      `json:"decision"`
	Priority      int           `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	TimeoutPolicy TimeoutPolicy `json:"timeout_policy"`

	Status     ApprovalStatus `json:"status"`
	Reviewer   string         `json:"reviewer,omitempty"`
	ReviewedAt *time.Time     `json:"reviewed_at,omitempty"`

	// Escalations counts how many times the monitor re-published this
	// approval with elevated priority instead of resolving it.
	Escalations int `json:"escalations,omitempty"`
}

// Expired reports whether the approval passed its deadline at the given
// instant while still pending.
func (p *PendingApproval) Expired(now time.Time) bool {
	return p.Status == ApprovalPending && now.After(p.ExpiresAt)
}
