package approval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitwall-ai/pitwall/types"
)

// MonitorConfig tunes the timeout monitor.
type MonitorConfig struct {
	// Interval is the sweep period. It should not exceed the store TTL or
	// expired items wait a full extra cycle.
	Interval time.Duration `yaml:"interval"`
}

// DefaultMonitorConfig sweeps twice per minute.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Interval: 30 * time.Second}
}

// Monitor periodically sweeps the full pending set and applies each expired
// approval's timeout policy. Resolution goes through the store's idempotent
// Resolve, so any number of redundant monitor instances can run without
// double-resolving.
type Monitor struct {
	store  *Store
	cfg    MonitorConfig
	logger *zap.Logger

	now func() time.Time
}

// NewMonitor creates a timeout monitor over the approval store.
func NewMonitor(store *Store, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "timeout_monitor")),
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("timeout monitor started", zap.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep lists all pending approvals once and applies the timeout policy of
// every expired one. Timeout expiry is a normal state transition, not an
// error.
func (m *Monitor) Sweep(ctx context.Context) error {
	items, err := m.store.Pending(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	for _, pending := range items {
		if !pending.Expired(now) {
			continue
		}

		switch pending.TimeoutPolicy {
		case types.TimeoutAutoApprove:
			m.resolve(ctx, pending.DecisionID, types.ApprovalAutoApproved)
		case types.TimeoutAutoReject:
			m.resolve(ctx, pending.DecisionID, types.ApprovalAutoRejected)
		case types.TimeoutEscalate:
			if _, err := m.store.Escalate(ctx, pending.DecisionID); err != nil {
				m.logger.Warn("escalation failed",
					zap.String("decision_id", pending.DecisionID), zap.Error(err))
			}
		default:
			// Unknown policy on a stored record: auto-reject is the
			// conservative floor for an unreviewed decision.
			m.logger.Warn("unknown timeout policy, auto-rejecting",
				zap.String("decision_id", pending.DecisionID),
				zap.String("timeout_policy", string(pending.TimeoutPolicy)))
			m.resolve(ctx, pending.DecisionID, types.ApprovalAutoRejected)
		}
	}
	return nil
}

func (m *Monitor) resolve(ctx context.Context, decisionID string, outcome types.ApprovalStatus) {
	if _, err := m.store.Resolve(ctx, decisionID, outcome, types.SystemReviewer); err != nil {
		m.logger.Warn("timeout resolution failed",
			zap.String("decision_id", decisionID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
}
