// Package mirror implements the weighted mirror selection policy with a
// per-mirror retry budget.
package mirror

import (
	"sort"
	"sync"

	"github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/common/logs"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the mirror package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Materializer turns a mirror into a runtime downloadable. It is implemented
// by the processor registry: a mirror whose location scheme no processor
// understands cannot be materialized and is skipped by the policy.
type Materializer interface {
	// CanMaterialize reports whether any processor handles the location.
	CanMaterialize(location string) bool
	// Materialize builds a downloadable for one fetch of the resource from
	// the mirror.
	Materialize(resourceID string, m resource.Mirror) (*resource.Downloadable, error)
}

// Config holds configuration for the weighted policy.
type Config struct {
	// RetryBudget is the maximum number of selections of a single mirror for
	// one resource before the policy considers that mirror exhausted.
	RetryBudget int
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() Config {
	return Config{RetryBudget: 3}
}

// WeightedPolicy orders a resource's mirrors by descending weight, appends
// main as the final fallback, and tracks a retry counter per
// (resource, mirror) pair. Counters are cleared when a resource completes.
type WeightedPolicy struct {
	materializer Materializer
	budget       int

	mu       sync.Mutex
	attempts map[attemptKey]int
}

type attemptKey struct {
	resourceID string
	mirrorID   string
}

// NewWeightedPolicy creates a policy backed by the given materializer.
func NewWeightedPolicy(materializer Materializer, cfg Config) *WeightedPolicy {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultConfig().RetryBudget
	}
	return &WeightedPolicy{
		materializer: materializer,
		budget:       cfg.RetryBudget,
		attempts:     make(map[attemptKey]int),
	}
}

// Ordered returns the resource's mirrors in selection order: alternatives
// sorted by descending weight (stable, so ties keep insertion order), with
// main appended as the unconditional last fallback.
func (p *WeightedPolicy) Ordered(res *resource.ResourceFile) []resource.Mirror {
	ordered := make([]resource.Mirror, len(res.Alternatives))
	copy(ordered, res.Alternatives)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Weight() > ordered[j].Weight()
	})
	return append(ordered, res.Main)
}

// Next returns the next mirror selection for the resource, or nil when the
// walk lands on a mirror whose retry budget is spent. prevMirrorID names the
// mirror that just failed ("" for the first selection); cause is the error
// that failed it, used only for logging.
func (p *WeightedPolicy) Next(res *resource.ResourceFile, prevMirrorID string, cause error) (*resource.Selection, error) {
	ordered := p.Ordered(res)
	if len(ordered) == 0 {
		return nil, errors.ErrNoMirrors
	}

	start := 0
	if prevMirrorID != "" {
		for i, m := range ordered {
			if m.ID == prevMirrorID {
				start = i + 1
				break
			}
		}
	}

	// Walk forward from start, skipping mirrors that cannot be materialized.
	// A mirror with an unknown scheme never consumes budget.
	chosen := -1
	for i := start; i < len(ordered); i++ {
		if p.materializer.CanMaterialize(ordered[i].Location) {
			chosen = i
			break
		}
	}
	if chosen == -1 {
		// Walked past the end: clamp to the last materializable mirror.
		for i := len(ordered) - 1; i >= 0; i-- {
			if p.materializer.CanMaterialize(ordered[i].Location) {
				chosen = i
				break
			}
		}
	}
	if chosen == -1 {
		return nil, errors.ErrCannotGenerateDownloadable
	}

	m := ordered[chosen]
	key := attemptKey{resourceID: res.ID, mirrorID: m.ID}

	p.mu.Lock()
	if p.attempts[key] >= p.budget {
		p.mu.Unlock()
		log.Debug("Mirror budget exhausted",
			"resource", res.ID, "mirror", m.ID, "budget", p.budget)
		return nil, nil
	}
	p.attempts[key]++
	count := p.attempts[key]
	p.mu.Unlock()

	d, err := p.materializer.Materialize(res.ID, m)
	if err != nil {
		return nil, errors.ErrCannotGenerateDownloadable.WithCause(err)
	}

	if cause != nil {
		log.Debug("Mirror failover",
			"resource", res.ID, "failed", prevMirrorID, "next", m.ID,
			"attempt", count, "error", cause)
	}

	return &resource.Selection{
		ResourceID:   res.ID,
		Mirror:       m,
		Downloadable: d,
	}, nil
}

// DownloadComplete clears all retry counters for a resource. Called when the
// resource's file has been stored successfully.
func (p *WeightedPolicy) DownloadComplete(resourceID string) {
	p.mu.Lock()
	for key := range p.attempts {
		if key.resourceID == resourceID {
			delete(p.attempts, key)
		}
	}
	p.mu.Unlock()
}

// Attempts returns the number of selections made for a (resource, mirror)
// pair. Used by callers that report retry statistics.
func (p *WeightedPolicy) Attempts(resourceID, mirrorID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[attemptKey{resourceID: resourceID, mirrorID: mirrorID}]
}
