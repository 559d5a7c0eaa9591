package providerq

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPolicy applies to groups with no explicit configuration
var DefaultPolicy = Policy{
	MinInterval:  2 * time.Second,
	Jitter:       500 * time.Millisecond,
	MaxRetries:   3,
	RetryBackoff: 5 * time.Second,
}

// Manager owns one queue per provider group
type Manager struct {
	policies map[string]Policy
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates a manager with per-group policies. Unknown groups fall
// back to DefaultPolicy on first use.
func NewManager(policies map[string]Policy, logger *zap.SugaredLogger) *Manager {
	if policies == nil {
		policies = make(map[string]Policy)
	}
	return &Manager{
		policies: policies,
		logger:   logger,
		queues:   make(map[string]*Queue),
	}
}

// Get returns the queue for a group, creating it on first use
func (m *Manager) Get(group string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[group]; ok {
		return q
	}
	policy, ok := m.policies[group]
	if !ok {
		policy = DefaultPolicy
		m.logger.Debugw("Provider group has no policy, using defaults", "group", group)
	}
	q := NewQueue(group, policy, m.logger)
	m.queues[group] = q
	return q
}

// GetStats snapshots every instantiated queue, sorted by group name
func (m *Manager) GetStats() []Stats {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	stats := make([]Stats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Group < stats[j].Group })
	return stats
}
