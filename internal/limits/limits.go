// Package limits implements admission control: thresholds on free-band
// count throttle USER write credit in the ring write buffer (spec.md
// §4.8). INTERNAL writes (relocation, padding) are never throttled.
package limits

import "sync"

// Tier is the currently active admission tier, ordered here from least
// to most restrictive; the external enum in spec.md §6 additionally names
// MAX for "no restriction in effect".
type Tier int

const (
	TierMax Tier = iota
	TierStart
	TierLow
	TierHigh
	TierCrit
)

func (t Tier) String() string {
	switch t {
	case TierMax:
		return "MAX"
	case TierStart:
		return "START"
	case TierLow:
		return "LOW"
	case TierHigh:
		return "HIGH"
	case TierCrit:
		return "CRIT"
	default:
		return "UNKNOWN"
	}
}

// Setting is a (threshold, limit-percent) pair for one tier.
type Setting struct {
	Thld  uint32 // free-band count at or below which this tier applies
	Limit uint32 // percent of rwb_entry_count USER writes are capped to
}

// DefaultSettings returns spec.md §6's documented defaults.
func DefaultSettings() map[Tier]Setting {
	return map[Tier]Setting{
		TierCrit:  {Thld: 5, Limit: 0},
		TierHigh:  {Thld: 10, Limit: 5},
		TierLow:   {Thld: 20, Limit: 40},
		TierStart: {Thld: 40, Limit: 100},
	}
}

// orderedTiers lists tiers from strictest (smallest threshold) to
// loosest, the order Apply must check in so the strictest matching tier
// wins.
var orderedTiers = []Tier{TierCrit, TierHigh, TierLow, TierStart}

// Controller recomputes the active tier and USER write credit whenever
// the device's free-band count changes.
type Controller struct {
	mu            sync.Mutex
	settings      map[Tier]Setting
	rwbEntryCount uint32
	tier          Tier
	userLimit     uint32
}

// NewController builds a controller over settings, sized to an RWB
// holding rwbEntryCount total entries.
func NewController(settings map[Tier]Setting, rwbEntryCount uint32) *Controller {
	c := &Controller{settings: settings, rwbEntryCount: rwbEntryCount}
	c.Apply(rwbEntryCount) // assume plenty of free bands until told otherwise
	return c
}

// Apply recomputes the active tier and USER write limit for the given
// free-band count (apply_limits in spec.md §4.8), returning both.
func (c *Controller) Apply(numFree uint32) (Tier, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tier := TierMax
	for _, t := range orderedTiers {
		if s, ok := c.settings[t]; ok && numFree <= s.Thld {
			tier = t
			break
		}
	}

	limit := c.rwbEntryCount
	if tier != TierMax {
		s := c.settings[tier]
		limit = s.Limit * c.rwbEntryCount / 100
	}

	c.tier = tier
	c.userLimit = limit
	return tier, limit
}

// Tier returns the currently active tier.
func (c *Controller) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// UserLimit returns the currently active USER-write acquired-count ceiling.
func (c *Controller) UserLimit() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userLimit
}
