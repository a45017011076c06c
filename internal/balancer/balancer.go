package balancer

import (
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"sync"

	"github.com/pgbalancer/pgbalancer/internal/cluster"
	"github.com/pgbalancer/pgbalancer/internal/config"
)

// Rule is a compiled redirect preference entry.
type Rule struct {
	re     *regexp.Regexp
	Target string
	Weight float64
}

// CompileRules compiles a redirect preference list.
func CompileRules(rules []config.RedirectRule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compiling %q: %w", i, r.Pattern, err)
		}
		out = append(out, Rule{re: re, Target: r.Target, Weight: r.Weight})
	}
	return out, nil
}

// matchRules returns the index of the first rule whose regex matches s,
// or -1 when nothing matches.
func matchRules(rules []Rule, s string) int {
	for i, r := range rules {
		if r.re.MatchString(s) {
			return i
		}
	}
	return -1
}

// candidate is the outcome of resolving a redirect rule target against the
// topology: no rule fired, the rule asks for any standby, or it names a
// concrete node.
type candidate struct {
	kind candidateKind
	node int
}

type candidateKind int

const (
	candNoRule candidateKind = iota
	candAnyStandby
	candNode
)

// Balancer picks the backend node that will service a new client session.
type Balancer struct {
	state *cluster.State

	mu       sync.RWMutex
	dbRules  []Rule
	appRules []Rule

	// randFn returns a uniform float in [0,1). Injectable for tests.
	randFn func() float64
}

// New builds a Balancer over the given topology and redirect lists.
func New(state *cluster.State, bc config.BalancingConfig) (*Balancer, error) {
	b := &Balancer{state: state, randFn: rand.Float64}
	if err := b.Reload(bc); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload swaps in freshly compiled redirect lists.
func (b *Balancer) Reload(bc config.BalancingConfig) error {
	dbRules, err := CompileRules(bc.RedirectDBNames)
	if err != nil {
		return fmt.Errorf("redirect_dbnames: %w", err)
	}
	appRules, err := CompileRules(bc.RedirectAppNames)
	if err != nil {
		return fmt.Errorf("redirect_app_names: %w", err)
	}

	b.mu.Lock()
	b.dbRules, b.appRules = dbRules, appRules
	b.mu.Unlock()
	return nil
}

// SelectNode chooses the backend that will service a new session for the
// given database and application name. The proxy calls it once per client
// session, when the client connects.
//
// The decision is staged: the database redirect list is consulted first,
// then the application-name list (which supersedes it once it fires). A
// concrete suggestion is honored with the rule's probability; an
// any-standby suggestion falls back to the primary with the complementary
// probability. Whatever remains is settled by a weighted random draw over
// the live nodes. SelectNode never fails; degenerate topologies yield the
// master node.
func (b *Balancer) SelectNode(database, appName string) int {
	v := b.state.Snapshot()
	b.mu.RLock()
	dbRules, appRules := b.dbRules, b.appRules
	b.mu.RUnlock()

	r := b.randFn()

	cand := candidate{kind: candNoRule}
	forbidden := -1
	indexDB, indexApp := -1, -1

	if v.StreamingReplication() && len(dbRules) > 0 {
		if i := matchRules(dbRules, database); i >= 0 {
			indexDB = i
			slog.Debug("load balance db rule matched",
				"database", database, "index", i,
				"target", dbRules[i].Target, "weight", dbRules[i].Weight)

			if t := resolveTarget(v, dbRules[i].Target); t.kind == candAnyStandby ||
				(t.kind == candNode && v.ValidBackend(t.node)) {
				cand = t
			}
		}
	}

	// An application-name match supersedes the database rule. Only checked
	// when the client actually sent an application name; old applications
	// may not have one.
	if v.StreamingReplication() && len(appRules) > 0 && appName != "" {
		if i := matchRules(appRules, appName); i >= 0 {
			indexApp = i
			indexDB = -1
			slog.Debug("load balance app name rule matched",
				"application_name", appName, "index", i,
				"target", appRules[i].Target, "weight", appRules[i].Weight)

			if t := resolveTarget(v, appRules[i].Target); t.kind == candAnyStandby ||
				(t.kind == candNode && v.ValidBackend(t.node)) {
				cand = t
			}
		}
	}

	if cand.kind == candNode {
		// Honor the suggestion with the rule's probability; otherwise the
		// suggested node is excluded from the fallback draw.
		if (indexDB >= 0 && r <= dbRules[indexDB].Weight) ||
			(indexApp >= 0 && r <= appRules[indexApp].Weight) {
			slog.Debug("load balance node selected", "node", cand.node)
			return cand.node
		}
		forbidden = cand.node
	}

	if cand.kind == candAnyStandby {
		// The weight governs the probability that the standby intent is
		// honored; the remainder goes to the primary.
		if (indexDB >= 0 && r > dbRules[indexDB].Weight) ||
			(indexApp >= 0 && r > appRules[indexApp].Weight) {
			slog.Debug("load balance node selected", "node", v.PrimaryNodeID())
			return v.PrimaryNodeID()
		}
	}

	selected := v.MasterNodeID()

	// Weighted draw over live nodes. Note the asymmetry: rule targets were
	// validated with ValidBackend above, the fallback walk considers any
	// live node.
	totalWeight := 0.0
	for i := 0; i < v.NumBackends(); i++ {
		if !v.ValidBackendRaw(i) || i == forbidden {
			continue
		}
		if cand.kind == candAnyStandby && i == v.PrimaryNodeID() {
			continue
		}
		totalWeight += v.Info(i).Weight
	}

	r = b.randFn() * totalWeight

	sum := 0.0
	for i := 0; i < v.NumBackends(); i++ {
		if i == forbidden || (cand.kind == candAnyStandby && i == v.PrimaryNodeID()) {
			continue
		}
		if v.ValidBackendRaw(i) && v.Info(i).Weight > 0.0 {
			if r >= sum {
				selected = i
			} else {
				break
			}
			sum += v.Info(i).Weight
		}
	}

	slog.Debug("load balance node selected", "node", selected)
	return selected
}

// resolveTarget maps a rule target token to a candidate:
//
//	primary: the primary node (master node when no primary is alive)
//	standby: any standby, chosen later by the caller
//	numeric: that node id, when in range; master node otherwise
func resolveTarget(v *cluster.View, token string) candidate {
	switch token {
	case "primary":
		if id := v.PrimaryNodeID(); id >= 0 {
			return candidate{kind: candNode, node: id}
		}
		return candidate{kind: candNode, node: v.MasterNodeID()}
	case "standby":
		return candidate{kind: candAnyStandby}
	default:
		if n, err := strconv.Atoi(token); err == nil && n >= 0 && n < v.NumBackends() {
			return candidate{kind: candNode, node: n}
		}
		return candidate{kind: candNode, node: v.MasterNodeID()}
	}
}
