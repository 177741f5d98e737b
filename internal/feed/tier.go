// Package feed holds the domain model of the ranked post feed: tiers, post
// summaries, featured events and the ports the cache engine talks to.
package feed

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a named ranked subset of posts.
type Tier string

const (
	TierRealtime  Tier = "REALTIME"
	TierWeekly    Tier = "WEEKLY"
	TierLegend    Tier = "LEGEND"
	TierNotice    Tier = "NOTICE"
	TierFirstPage Tier = "FIRST_PAGE"
)

// AllTiers lists every tier in scheduling order.
var AllTiers = []Tier{TierRealtime, TierWeekly, TierLegend, TierNotice, TierFirstPage}

// ParseTier converts a config or wire value into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllTiers {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Key returns the lowercase form used in cache keys and metric labels.
func (t Tier) Key() string {
	return strings.ToLower(string(t))
}

func (t Tier) String() string {
	return string(t)
}

// Featured reports whether membership in the tier is persisted as a flag on
// the post record.
func (t Tier) Featured() bool {
	return t == TierWeekly || t == TierLegend
}

// Representation selects how a tier is laid out in the cache.
type Representation string

const (
	// RepresentationSnapshot stores the whole tier as one blob.
	RepresentationSnapshot Representation = "snapshot"
	// RepresentationHash stores an id index plus a per-item hash.
	RepresentationHash Representation = "hash"
)

// TierSpec is the per-tier configuration.
type TierSpec struct {
	Tier           Tier
	MaxMembers     int
	TTL            time.Duration
	Representation Representation
	// Cadence is either a robfig/cron expression or an "@every" descriptor.
	Cadence string
}

// DefaultTierSpecs returns the built-in tier table.
func DefaultTierSpecs() map[Tier]TierSpec {
	return map[Tier]TierSpec{
		TierRealtime: {
			Tier:           TierRealtime,
			MaxMembers:     5,
			TTL:            10 * time.Minute,
			Representation: RepresentationHash,
			Cadence:        "@every 10m",
		},
		TierWeekly: {
			Tier:           TierWeekly,
			MaxMembers:     5,
			TTL:            24 * time.Hour,
			Representation: RepresentationSnapshot,
			Cadence:        "0 1 * * *",
		},
		TierLegend: {
			Tier:           TierLegend,
			MaxMembers:     50,
			TTL:            24 * time.Hour,
			Representation: RepresentationSnapshot,
			Cadence:        "0 3 * * *",
		},
		TierNotice: {
			Tier:           TierNotice,
			MaxMembers:     10,
			TTL:            24 * time.Hour,
			Representation: RepresentationHash,
			Cadence:        "@every 1h",
		},
		TierFirstPage: {
			Tier:           TierFirstPage,
			MaxMembers:     20,
			TTL:            5 * time.Minute,
			Representation: RepresentationSnapshot,
			Cadence:        "@every 5m",
		},
	}
}

// FallbackType identifies the database read used when the cache path for a
// tier is unavailable. There is exactly one per tier.
type FallbackType string

const (
	FallbackRealtime  FallbackType = "REALTIME"
	FallbackWeekly    FallbackType = "WEEKLY"
	FallbackLegend    FallbackType = "LEGEND"
	FallbackNotice    FallbackType = "NOTICE"
	FallbackFirstPage FallbackType = "FIRST_PAGE"
)

// FallbackFor maps a tier to its fallback read.
func FallbackFor(t Tier) FallbackType {
	return FallbackType(t)
}

// Tier returns the tier served by this fallback read.
func (f FallbackType) Tier() Tier {
	return Tier(f)
}

// Freshness is the per-read classification of a tier cache.
type Freshness string

const (
	FreshnessHit   Freshness = "HIT"
	FreshnessStale Freshness = "STALE"
	FreshnessDrift Freshness = "DRIFT"
	FreshnessMiss  Freshness = "MISS"
)
