package registry

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/meshcore/meshcore/pkg/errkind"
)

// Strategy selects one instance from a candidate set.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	IPHash             Strategy = "ip_hash"
	LeastResponseTime  Strategy = "least_response_time"
)

// RequestContext carries per-request routing hints.
type RequestContext struct {
	ClientID string
}

// TrafficRule is one entry of a traffic split: candidates matching
// Selector receive WeightPercent of traffic, weights summing to 100.
// WeightPercent uses shopspring/decimal so weight arithmetic is exact
// rather than drifting under float accumulation. The router does not
// check that the weights sum to 100.
type TrafficRule struct {
	Selector      map[string]string
	WeightPercent decimal.Decimal
}

// Router selects instances from Registry candidates by a
// load-balancing strategy, after applying any configured traffic
// split.
type Router struct {
	registry *Registry
	strategy Strategy

	mu     sync.Mutex
	splits map[string][]TrafficRule
	wrr    map[string]map[string]int64 // name -> instanceID -> smooth-WRR accumulator

	rand *rand.Rand
}

// NewRouter builds a Router over registry using the given default
// strategy.
func NewRouter(registry *Registry, strategy Strategy) *Router {
	return &Router{
		registry: registry,
		strategy: strategy,
		splits:   make(map[string][]TrafficRule),
		wrr:      make(map[string]map[string]int64),
		rand:     rand.New(rand.NewSource(1)),
	}
}

// ConfigureTrafficSplit installs (or clears, with nil/empty rules) a
// traffic split for a service name. Rules' WeightPercent must sum to
// 100 within ε; this is the caller's responsibility to construct.
func (rt *Router) ConfigureTrafficSplit(name string, rules []TrafficRule) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rules) == 0 {
		delete(rt.splits, name)
		return
	}
	rt.splits[name] = rules
}

func matchesSelector(rec ServiceRecord, selector map[string]string) bool {
	for k, v := range selector {
		if k == "version" {
			if rec.Version != v {
				return false
			}
			continue
		}
		if rec.Metadata[k] != v {
			return false
		}
	}
	return true
}

// applyTrafficSplit samples a rule by weight and filters candidates by
// its selector; an empty filtered set fails open to the full set.
func (rt *Router) applyTrafficSplit(name string, candidates []ServiceInstanceView) []ServiceInstanceView {
	rt.mu.Lock()
	rules := rt.splits[name]
	rt.mu.Unlock()
	if len(rules) == 0 {
		return candidates
	}

	sample := decimal.NewFromFloat(rt.rand.Float64() * 100)
	cumulative := decimal.Zero
	var chosen *TrafficRule
	for i := range rules {
		cumulative = cumulative.Add(rules[i].WeightPercent)
		if sample.LessThan(cumulative) {
			chosen = &rules[i]
			break
		}
	}
	if chosen == nil {
		chosen = &rules[len(rules)-1]
	}

	filtered := make([]ServiceInstanceView, 0, len(candidates))
	for _, c := range candidates {
		if matchesSelector(c.Record, chosen.Selector) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return candidates
	}
	return filtered
}

// SelectInstance discovers candidates for name, applies the traffic
// split, and picks one by strategy (or the router's default if
// strategy is empty).
func (rt *Router) SelectInstance(name string, strategy Strategy, reqCtx *RequestContext) (ServiceInstanceView, error) {
	candidates := rt.registry.Discover(name)
	if len(candidates) == 0 {
		return ServiceInstanceView{}, errkind.New("router.SelectInstance", errkind.NoHealthyInstance, nil)
	}
	candidates = rt.applyTrafficSplit(name, candidates)
	if len(candidates) == 0 {
		return ServiceInstanceView{}, errkind.New("router.SelectInstance", errkind.NoHealthyInstance, nil)
	}

	if strategy == "" {
		strategy = rt.strategy
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Record.ID < candidates[j].Record.ID })

	switch strategy {
	case LeastConnections:
		return rt.selectLeastConnections(candidates), nil
	case WeightedRoundRobin:
		return rt.selectWeightedRoundRobin(name, candidates), nil
	case IPHash:
		return rt.selectIPHash(candidates, reqCtx), nil
	case LeastResponseTime:
		return rt.selectLeastResponseTime(candidates), nil
	default:
		return rt.selectRoundRobin(candidates), nil
	}
}

func (rt *Router) selectRoundRobin(candidates []ServiceInstanceView) ServiceInstanceView {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LB.LastSelectedAt.Before(best.LB.LastSelectedAt) {
			best = c
		}
	}
	rt.registry.touchSelected(best.Record.ID)
	return best
}

func (rt *Router) selectLeastConnections(candidates []ServiceInstanceView) ServiceInstanceView {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LB.CurrentConnections < best.LB.CurrentConnections ||
			(c.LB.CurrentConnections == best.LB.CurrentConnections && c.LB.LastSelectedAt.Before(best.LB.LastSelectedAt)) {
			best = c
		}
	}
	rt.registry.touchSelected(best.Record.ID)
	return best
}

func (rt *Router) selectLeastResponseTime(candidates []ServiceInstanceView) ServiceInstanceView {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Health.ResponseTimeEWMA < best.Health.ResponseTimeEWMA {
			best = c
		}
	}
	rt.registry.touchSelected(best.Record.ID)
	return best
}

func (rt *Router) selectIPHash(candidates []ServiceInstanceView, reqCtx *RequestContext) ServiceInstanceView {
	var key string
	if reqCtx != nil {
		key = reqCtx.ClientID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(candidates)
	if idx < 0 {
		idx += len(candidates)
	}
	chosen := candidates[idx]
	rt.registry.touchSelected(chosen.Record.ID)
	return chosen
}

// selectWeightedRoundRobin implements smooth weighted round-robin
// (the same deterministic stride nginx uses): each candidate's
// accumulator increases by its weight every call; the candidate with
// the highest accumulator is chosen and then discounted by the total
// weight. Over N calls this converges each candidate's share to its
// weight share, satisfying property 6 without a random draw.
func (rt *Router) selectWeightedRoundRobin(name string, candidates []ServiceInstanceView) ServiceInstanceView {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	state := rt.wrr[name]
	if state == nil {
		state = make(map[string]int64)
		rt.wrr[name] = state
	}

	var total int64
	var bestID string
	var bestWeight int64
	first := true
	for _, c := range candidates {
		w := int64(c.LB.Weight)
		if w <= 0 {
			w = 1
		}
		total += w
		state[c.Record.ID] += w
		if first || state[c.Record.ID] > bestWeight {
			bestID = c.Record.ID
			bestWeight = state[c.Record.ID]
			first = false
		}
	}
	state[bestID] -= total

	for _, c := range candidates {
		if c.Record.ID == bestID {
			rt.registry.touchSelected(c.Record.ID)
			return c
		}
	}
	return candidates[0]
}
