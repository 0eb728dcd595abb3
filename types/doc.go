// Package types defines the core data model shared by every coordination
// component: tasks, agent descriptors, results, decisions, pending approvals,
// and the unified error taxonomy.
//
// Payload content inside Task and Result is opaque to this package; it is
// owned by the producing and consuming agents and carried as raw JSON.
package types
