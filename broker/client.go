// Package broker wraps the shared Redis broker behind an explicit client
// handle that is threaded through every component constructor. No package
// holds a process-wide connection singleton.
//
// The coordination layer leans on three broker primitives:
//
//   - SET NX PX for the task locks (atomic set-if-absent with expiry)
//   - BLPOP for the per-agent inboxes (blocking pop with bounded wait)
//   - XADD / XREADGROUP / XACK for the result and decision streams
//     (append-only, at-least-once, multi-consumer)
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitwall-ai/pitwall/types"
)

// Config holds broker connection settings.
type Config struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`

	// DialTimeout bounds the initial connectivity probe.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return types.NewError(types.ErrConfiguration, "broker addr is required")
	}
	return nil
}

// Client is the shared broker handle. It owns the underlying connection
// pool and the key schema; components never build raw keys themselves.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Connect creates a Client and verifies connectivity with a bounded ping.
func Connect(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pitwall:"
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, types.WrapBroker("connect to broker", err)
	}

	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Redis exposes the underlying client for command execution.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping checks broker health.
func (c *Client) Ping(ctx context.Context) error {
	return types.WrapBroker("ping broker", c.rdb.Ping(ctx).Err())
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key schema. Everything the coordination layer writes lives under the
// configured prefix.

// AgentsKey is the hash of agent_id to descriptor JSON.
func (c *Client) AgentsKey() string {
	return c.prefix + "agents"
}

// LoadKey is the per-agent in-flight task counter.
func (c *Client) LoadKey(agentID string) string {
	return c.prefix + "agent:load:" + agentID
}

// InboxKey is the per-agent ordered task inbox list.
func (c *Client) InboxKey(agentID string) string {
	return c.prefix + "inbox:" + agentID
}

// LockKey is the per-task mutual-exclusion key.
func (c *Client) LockKey(taskID string) string {
	return c.prefix + "lock:" + taskID
}

// ResultsStream is the append-only stream of worker results.
func (c *Client) ResultsStream() string {
	return c.prefix + "results"
}

// DecisionsStream is the append-only stream of finalized decisions.
func (c *Client) DecisionsStream() string {
	return c.prefix + "decisions"
}

// UndeliverableStream records tasks that exhausted routing attempts.
func (c *Client) UndeliverableStream() string {
	return c.prefix + "undeliverable"
}

// ApprovalKey is the durable record of one pending approval.
func (c *Client) ApprovalKey(decisionID string) string {
	return c.prefix + "approval:" + decisionID
}

// ApprovalPendingKey is the priority-ordered index of pending approvals.
func (c *Client) ApprovalPendingKey() string {
	return c.prefix + "approval:pending"
}

// ApprovalClaimKey is the set-if-absent resolution claim for one approval.
func (c *Client) ApprovalClaimKey(decisionID string) string {
	return c.prefix + "approval:claim:" + decisionID
}

// EmittedKey is the set-if-absent decision-emission marker for one task.
func (c *Client) EmittedKey(taskID string) string {
	return c.prefix + "emitted:" + taskID
}

// EscalatedKey marks one escalation cycle for an approval so redundant
// monitors do not double-escalate the same expiry.
func (c *Client) EscalatedKey(decisionID string, expiry int64) string {
	return fmt.Sprintf("%sapproval:escalated:%s:%d", c.prefix, decisionID, expiry)
}
