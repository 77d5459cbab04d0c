package dispatcher

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Routing policy names accepted in configuration and task hints.
const (
	PolicyRoundRobin = "round-robin"
	PolicyLRU        = "lru"
	PolicyHealth     = "health"
)

// healthTopTierFraction defines the top-scoring band the health policy draws
// from: every candidate within this fraction of the best combined score
// competes in the weighted draw, so the globally best worker cannot starve
// its closest competitors.
const healthTopTierFraction = 0.8

// Candidate is one eligible worker offered to a routing policy. Limit is the
// worker's effective concurrency limit (reduced while recovering).
type Candidate struct {
	ID           string
	Active       int
	Limit        int
	Weight       float64
	Score        float64
	LastDispatch time.Time
}

// Policy selects one worker among the eligible candidates. Candidates are
// always non-empty and sorted by worker id ascending.
type Policy interface {
	Name() string
	Select(t *Task, candidates []Candidate) (string, error)
}

// RoutingDecision is a transient record of one routing choice, kept only for
// metrics and debugging.
type RoutingDecision struct {
	TaskID    string
	WorkerID  string
	Policy    string
	DecidedAt time.Time
}

func normalizePolicyName(name string) string {
	switch name {
	case "round-robin", "round_robin", "roundrobin":
		return PolicyRoundRobin
	case "lru", "least-recently-used", "least_recently_used":
		return PolicyLRU
	case "health", "health-score", "health_score":
		return PolicyHealth
	default:
		return name
	}
}

func newPolicies(roster []string) map[string]Policy {
	return map[string]Policy{
		PolicyRoundRobin: newRoundRobinPolicy(roster),
		PolicyLRU:        &lruPolicy{},
		PolicyHealth:     newHealthPolicy(rand.NewSource(time.Now().UnixNano())),
	}
}

// roundRobinPolicy rotates a cursor over the fixed roster. The cursor only
// advances past the worker actually chosen; skipped ineligible workers keep
// their turn for the next decision.
type roundRobinPolicy struct {
	mu     sync.Mutex
	roster []string
	cursor int
}

func newRoundRobinPolicy(roster []string) *roundRobinPolicy {
	ordered := make([]string, len(roster))
	copy(ordered, roster)
	sort.Strings(ordered)
	return &roundRobinPolicy{roster: ordered}
}

func (p *roundRobinPolicy) Name() string { return PolicyRoundRobin }

func (p *roundRobinPolicy) Select(_ *Task, candidates []Candidate) (string, error) {
	eligible := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		eligible[c.ID] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.roster); i++ {
		idx := (p.cursor + i) % len(p.roster)
		if _, ok := eligible[p.roster[idx]]; ok {
			p.cursor = (idx + 1) % len(p.roster)
			return p.roster[idx], nil
		}
	}
	return "", ErrNoEligibleWorker
}

// lruPolicy picks the candidate that was dispatched to least recently,
// breaking ties by worker id ascending. Candidates arrive id-sorted, so the
// first strictly-older timestamp wins and equal timestamps keep the lower id.
type lruPolicy struct{}

func (p *lruPolicy) Name() string { return PolicyLRU }

func (p *lruPolicy) Select(_ *Task, candidates []Candidate) (string, error) {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LastDispatch.Before(best.LastDispatch) {
			best = c
		}
	}
	return best.ID, nil
}

// healthPolicy scores each candidate by health and spare capacity, then
// draws at random, weighted by score, among the top-scoring tier.
type healthPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newHealthPolicy(src rand.Source) *healthPolicy {
	return &healthPolicy{rng: rand.New(src)}
}

func (p *healthPolicy) Name() string { return PolicyHealth }

func (p *healthPolicy) Select(_ *Task, candidates []Candidate) (string, error) {
	combined := make([]float64, len(candidates))
	max := 0.0
	for i, c := range candidates {
		spare := 0.0
		if c.Limit > 0 {
			spare = float64(c.Limit-c.Active) / float64(c.Limit)
		}
		weight := c.Weight
		if weight <= 0 {
			weight = 1
		}
		combined[i] = c.Score * (0.5 + 0.5*spare) * weight
		if combined[i] > max {
			max = combined[i]
		}
	}
	if max == 0 {
		// All scores collapsed to zero; fall back to uniform choice.
		p.mu.Lock()
		defer p.mu.Unlock()
		return candidates[p.rng.Intn(len(candidates))].ID, nil
	}

	cutoff := max * healthTopTierFraction
	total := 0.0
	for i := range candidates {
		if combined[i] >= cutoff {
			total += combined[i]
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	target := p.rng.Float64() * total
	acc := 0.0
	for i, c := range candidates {
		if combined[i] < cutoff {
			continue
		}
		acc += combined[i]
		if target < acc {
			return c.ID, nil
		}
	}
	return candidates[len(candidates)-1].ID, nil
}

// resolvePolicy maps a task hint to a configured policy, falling back to the
// default when the hint is empty or unknown.
func (d *Dispatcher) resolvePolicy(hint Hint) Policy {
	name := normalizePolicyName(hint.Policy)
	if name == "" {
		name = d.cfg.DefaultPolicy
	}
	if p, ok := d.policies[name]; ok {
		return p
	}
	return d.policies[d.cfg.DefaultPolicy]
}

// validatePolicyName rejects unknown policy names at configuration time.
func validatePolicyName(name string) error {
	switch normalizePolicyName(name) {
	case PolicyRoundRobin, PolicyLRU, PolicyHealth:
		return nil
	default:
		return fmt.Errorf("unknown routing policy: %s", name)
	}
}
