package vpngate

import (
	"sort"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/container"
)

// Default quality thresholds.  The feed publishes scores and speeds on a
// scale where a million is a healthy relay, so these defaults drop the long
// tail of barely-alive relays while keeping plenty of candidates.
const (
	DefaultMinScore   = 1_000_000
	DefaultMaxLatency = 500 * time.Millisecond
	DefaultMinSpeed   = 1_000_000
)

// Thresholds are the quality gates a candidate must pass to be considered
// for a connection.
type Thresholds struct {
	// PreferredCountries, if non-empty, restricts candidates to those whose
	// country code is a case-insensitive member of this set.  This is an
	// exclusive filter, not a preference boost: candidates outside the set
	// are dropped entirely.
	PreferredCountries []string

	// MinScore is the minimum acceptable directory score.
	MinScore int64

	// MaxLatency is the maximum acceptable round-trip time.
	MaxLatency time.Duration

	// MinSpeed is the minimum acceptable throughput in bytes per second.
	MinSpeed int64
}

// DefaultThresholds returns the default quality thresholds with no country
// restriction.
func DefaultThresholds() (t *Thresholds) {
	return &Thresholds{
		MinScore:   DefaultMinScore,
		MaxLatency: DefaultMaxLatency,
		MinSpeed:   DefaultMinSpeed,
	}
}

// Select returns the candidates from cands that pass t, ordered by score
// descending with latency ascending as the tiebreaker.  The sort is stable,
// so candidates equal on both keys keep their feed order, which makes the
// result deterministic.  An empty result is not an error: it means no
// suitable candidates, and the caller decides whether that is fatal.  t must
// not be nil.
func Select(cands []Candidate, t *Thresholds) (ranked []Candidate) {
	countries := container.NewMapSet[string]()
	for _, cc := range t.PreferredCountries {
		countries.Add(strings.ToUpper(cc))
	}

	for _, c := range cands {
		if !passes(c, t, countries) {
			continue
		}

		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) (less bool) {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}

		return a.Latency < b.Latency
	})

	return ranked
}

// passes returns true if c satisfies every threshold in t.  countries is the
// normalized preferred-country set, and must not be nil.
func passes(c Candidate, t *Thresholds, countries *container.MapSet[string]) (ok bool) {
	if c.Score < t.MinScore ||
		c.Latency > t.MaxLatency ||
		c.Speed < t.MinSpeed ||
		c.ConfigData == "" {
		return false
	}

	return countries.Len() == 0 || countries.Has(strings.ToUpper(c.CountryCode))
}
