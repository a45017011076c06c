package cluster

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pgbalancer/pgbalancer/internal/config"
)

// Role is the replication role of a backend node.
type Role int

const (
	RoleStandby Role = iota
	RolePrimary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "standby"
}

// NodeInfo describes one backend node in a topology snapshot.
type NodeInfo struct {
	ID       int     `json:"id"`
	Host     string  `json:"host"`
	Port     int     `json:"port"`
	Weight   float64 `json:"weight"`
	Role     Role    `json:"-"`
	Alive    bool    `json:"alive"`
	AcceptLB bool    `json:"accept_lb"`
}

// View is an immutable point-in-time snapshot of the cluster topology.
// A selection in flight operates against one View, so a concurrent reload
// or health transition cannot change the predicates mid-decision.
type View struct {
	nodes  []NodeInfo
	slMode bool
}

// NumBackends returns the number of configured backend nodes.
func (v *View) NumBackends() int { return len(v.nodes) }

// StreamingReplication reports whether streaming-replication mode is on.
func (v *View) StreamingReplication() bool { return v.slMode }

// Info returns the node record for id. A NodeInfo with ID -1 is returned
// for out-of-range ids.
func (v *View) Info(id int) NodeInfo {
	if id < 0 || id >= len(v.nodes) {
		return NodeInfo{ID: -1}
	}
	return v.nodes[id]
}

// ValidBackendRaw reports raw liveness of a node.
func (v *View) ValidBackendRaw(id int) bool {
	if id < 0 || id >= len(v.nodes) {
		return false
	}
	return v.nodes[id].Alive
}

// ValidBackend reports whether a node is alive and eligible for load
// balancing. Rule targets are validated with this stricter predicate.
func (v *View) ValidBackend(id int) bool {
	return v.ValidBackendRaw(id) && v.nodes[id].AcceptLB
}

// PrimaryNodeID returns the id of the alive primary, or -1 if there is
// none (not configured, or down).
func (v *View) PrimaryNodeID() int {
	for _, n := range v.nodes {
		if n.Role == RolePrimary && n.Alive {
			return n.ID
		}
	}
	return -1
}

// MasterNodeID returns the lowest-id alive node, the fallback target when
// no better choice exists. If every node is down it returns 0 so callers
// always get an addressable id.
func (v *View) MasterNodeID() int {
	for _, n := range v.nodes {
		if n.Alive {
			return n.ID
		}
	}
	return 0
}

// Nodes returns a copy of all node records.
func (v *View) Nodes() []NodeInfo {
	out := make([]NodeInfo, len(v.nodes))
	copy(out, v.nodes)
	return out
}

// State tracks cluster topology. Reads go through immutable snapshots
// swapped in atomically; mutations serialize on a write mutex.
type State struct {
	snap atomic.Value // holds *View
	wmu  sync.Mutex   // serializes mutations (writes are rare)
}

// New builds a State from configuration. All nodes start alive and
// load-balance eligible; the health checker downgrades them.
func New(cc config.ClusterConfig) *State {
	s := &State{}
	s.snap.Store(viewFromConfig(cc))
	return s
}

func viewFromConfig(cc config.ClusterConfig) *View {
	v := &View{
		nodes:  make([]NodeInfo, len(cc.Backends)),
		slMode: cc.StreamingReplication(),
	}
	for i, b := range cc.Backends {
		role := RoleStandby
		if b.Role == "primary" {
			role = RolePrimary
		}
		v.nodes[i] = NodeInfo{
			ID:       i,
			Host:     b.Host,
			Port:     b.Port,
			Weight:   b.Weight,
			Role:     role,
			Alive:    true,
			AcceptLB: true,
		}
	}
	return v
}

// Snapshot returns the current View.
func (s *State) Snapshot() *View {
	return s.snap.Load().(*View)
}

// cloneView returns a mutable deep copy of the current snapshot.
// Must be called with wmu held.
func (s *State) cloneView() *View {
	cur := s.Snapshot()
	nodes := make([]NodeInfo, len(cur.nodes))
	copy(nodes, cur.nodes)
	return &View{nodes: nodes, slMode: cur.slMode}
}

// SetAlive records a liveness transition for a node, typically driven by
// the health checker.
func (s *State) SetAlive(id int, alive bool) bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	cur := s.Snapshot()
	if id < 0 || id >= len(cur.nodes) || cur.nodes[id].Alive == alive {
		return false
	}

	v := s.cloneView()
	v.nodes[id].Alive = alive
	s.snap.Store(v)
	slog.Info("backend liveness changed", "node", id, "alive", alive)
	return true
}

// Detach removes a node from load balancing without touching its liveness.
func (s *State) Detach(id int) bool {
	return s.setAcceptLB(id, false)
}

// Attach restores a detached node to load balancing.
func (s *State) Attach(id int) bool {
	return s.setAcceptLB(id, true)
}

func (s *State) setAcceptLB(id int, accept bool) bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	cur := s.Snapshot()
	if id < 0 || id >= len(cur.nodes) {
		return false
	}
	if cur.nodes[id].AcceptLB == accept {
		return false
	}

	v := s.cloneView()
	v.nodes[id].AcceptLB = accept
	s.snap.Store(v)
	slog.Info("backend load-balance eligibility changed", "node", id, "accept_lb", accept)
	return true
}

// Reload replaces the topology from a new configuration. Liveness and
// eligibility are carried over for nodes whose address is unchanged.
func (s *State) Reload(cc config.ClusterConfig) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	cur := s.Snapshot()
	v := viewFromConfig(cc)
	for i := range v.nodes {
		if i < len(cur.nodes) &&
			cur.nodes[i].Host == v.nodes[i].Host &&
			cur.nodes[i].Port == v.nodes[i].Port {
			v.nodes[i].Alive = cur.nodes[i].Alive
			v.nodes[i].AcceptLB = cur.nodes[i].AcceptLB
		}
	}
	s.snap.Store(v)
	slog.Info("cluster topology reloaded", "backends", len(v.nodes))
}
