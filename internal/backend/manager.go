package backend

import (
	"log/slog"
	"sync"
	"time"
)

// NodeStats summarizes the open persistent sessions against one node.
type NodeStats struct {
	NodeID         int   `json:"node_id"`
	Open           int   `json:"open"`
	OpenedTotal    int64 `json:"opened_total"`
	DiscardedTotal int64 `json:"discarded_total"`
}

// Manager tracks the persistent sessions currently open across the
// cluster. It does not pool or reuse them; every session belongs to
// exactly one owner, and the manager only provides observability and a
// teardown sweep at shutdown.
type Manager struct {
	mu        sync.Mutex
	slots     map[*Slot]struct{}
	opened    map[int]int64
	discarded map[int]int64

	statsStopCh chan struct{}
	closeOnce   sync.Once
}

// NewManager creates an empty slot registry.
func NewManager() *Manager {
	return &Manager{
		slots:       make(map[*Slot]struct{}),
		opened:      make(map[int]int64),
		discarded:   make(map[int]int64),
		statsStopCh: make(chan struct{}),
	}
}

// StartStatsLoop starts a periodic goroutine that reports per-node stats
// through the callback, typically into the metrics collector.
func (m *Manager) StartStatsLoop(interval time.Duration, cb func(NodeStats)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, st := range m.Stats() {
					cb(st)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// Register records a freshly opened slot.
func (m *Manager) Register(s *Slot) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s] = struct{}{}
	m.opened[s.NodeID()]++
}

// Release discards a slot and removes it from the registry.
func (m *Manager) Release(s *Slot) {
	if s == nil {
		return
	}
	m.mu.Lock()
	_, tracked := m.slots[s]
	delete(m.slots, s)
	if tracked {
		m.discarded[s.NodeID()]++
	}
	m.mu.Unlock()

	s.Discard()
}

// Stats returns per-node session counts, indexed by node id for every
// node that ever had a session.
func (m *Manager) Stats() []NodeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := make(map[int]int)
	maxNode := -1
	for s := range m.slots {
		open[s.NodeID()]++
		if s.NodeID() > maxNode {
			maxNode = s.NodeID()
		}
	}
	for id := range m.opened {
		if id > maxNode {
			maxNode = id
		}
	}

	out := make([]NodeStats, 0, maxNode+1)
	for id := 0; id <= maxNode; id++ {
		out = append(out, NodeStats{
			NodeID:         id,
			Open:           open[id],
			OpenedTotal:    m.opened[id],
			DiscardedTotal: m.discarded[id],
		})
	}
	return out
}

// OpenCount returns the number of currently open sessions for a node.
func (m *Manager) OpenCount(nodeID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for s := range m.slots {
		if s.NodeID() == nodeID {
			n++
		}
	}
	return n
}

// Close stops the stats loop and discards every tracked slot. Safe to
// call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.statsStopCh)
	})

	m.mu.Lock()
	slots := make([]*Slot, 0, len(m.slots))
	for s := range m.slots {
		slots = append(slots, s)
		m.discarded[s.NodeID()]++
	}
	m.slots = make(map[*Slot]struct{})
	m.mu.Unlock()

	for _, s := range slots {
		s.Discard()
	}
	if len(slots) > 0 {
		slog.Info("discarded backend sessions at shutdown", "count", len(slots))
	}
}
