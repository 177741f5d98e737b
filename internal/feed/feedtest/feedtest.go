// Package feedtest provides in-memory fakes of the feed ports for tests.
package feedtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
)

// Post builds a summary authored by member id*10, or anonymous when
// anonymous is set.
func Post(id int64, anonymous bool) feed.PostSummary {
	p := feed.PostSummary{
		ID:         id,
		Title:      fmt.Sprintf("post %d", id),
		AuthorName: fmt.Sprintf("member-%d", id*10),
		Anonymous:  anonymous,
		ViewCount:  id * 100,
		LikeCount:  id,
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, int(id), 0, time.UTC),
	}
	if !anonymous {
		author := id * 10
		p.AuthorID = &author
	}
	return p
}

// Posts builds named-author summaries for ids in order.
func Posts(ids ...int64) []feed.PostSummary {
	out := make([]feed.PostSummary, len(ids))
	for i, id := range ids {
		out[i] = Post(id, false)
	}
	return out
}

// PostQuery is a fake PostQueryPort. Rankings are fixed per tier; tier
// flags live in a map and are reflected in the Featured field of results.
type PostQuery struct {
	mu       sync.Mutex
	rankings map[feed.Tier][]feed.PostSummary
	flags    map[int64]feed.Tier
	ranked   map[feed.Tier]int
	writes   []string
	err      error

	// Gate, when set, blocks FindRanked until it is closed
	Gate chan struct{}
	// Entered receives one value each time FindRanked starts, if set
	Entered chan feed.Tier
}

// NewPostQuery creates an empty fake store.
func NewPostQuery() *PostQuery {
	return &PostQuery{
		rankings: make(map[feed.Tier][]feed.PostSummary),
		flags:    make(map[int64]feed.Tier),
		ranked:   make(map[feed.Tier]int),
	}
}

// SetRanking fixes what FindRanked and FindPage return for tier.
func (q *PostQuery) SetRanking(tier feed.Tier, posts []feed.PostSummary) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rankings[tier] = posts
}

// SetFlag sets the persisted tier flag of a post.
func (q *PostQuery) SetFlag(id int64, tier feed.Tier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flags[id] = tier
}

// Flag returns the persisted tier flag of a post.
func (q *PostQuery) Flag(id int64) feed.Tier {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flags[id]
}

// FailWith makes every call return err; nil clears it.
func (q *PostQuery) FailWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// RankedCalls counts FindRanked and FindPage calls for tier.
func (q *PostQuery) RankedCalls(tier feed.Tier) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ranked[tier]
}

// FlagWrites returns the flag mutations in call order.
func (q *PostQuery) FlagWrites() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.writes...)
}

func (q *PostQuery) FindRanked(ctx context.Context, tier feed.Tier, limit int) ([]feed.PostSummary, error) {
	if q.Entered != nil {
		q.Entered <- tier
	}
	if q.Gate != nil {
		select {
		case <-q.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ranked[tier]++
	if q.err != nil {
		return nil, q.err
	}
	return q.ranking(tier, limit), nil
}

// ranking returns a copy of the tier ranking with current flags applied
// (caller must hold lock)
func (q *PostQuery) ranking(tier feed.Tier, limit int) []feed.PostSummary {
	src := q.rankings[tier]
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	out := make([]feed.PostSummary, len(src))
	for i, p := range src {
		p.Featured = q.flags[p.ID]
		out[i] = p
	}
	return out
}

// FindFeatured returns the ranked posts of tier whose flag is tier.
func (q *PostQuery) FindFeatured(ctx context.Context, tier feed.Tier, limit int) ([]feed.PostSummary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	var out []feed.PostSummary
	for _, p := range q.ranking(tier, 0) {
		if p.Featured == tier && (limit <= 0 || len(out) < limit) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (q *PostQuery) FindPage(ctx context.Context, tier feed.Tier, offset, limit int) (feed.Page[feed.PostSummary], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ranked[tier]++
	if q.err != nil {
		return feed.Page[feed.PostSummary]{}, q.err
	}
	return feed.Slice(q.ranking(tier, 0), offset, limit), nil
}

func (q *PostQuery) SetTierFlag(ctx context.Context, ids []int64, tier feed.Tier) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.writes = append(q.writes, fmt.Sprintf("set %s %v", tier, ids))
	for _, id := range ids {
		q.flags[id] = tier
	}
	return nil
}

func (q *PostQuery) ClearTierFlag(ctx context.Context, tier feed.Tier) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.writes = append(q.writes, fmt.Sprintf("clear %s", tier))
	for id, t := range q.flags {
		if t == tier {
			delete(q.flags, id)
		}
	}
	return nil
}

func (q *PostQuery) ClearTierFlagOverriding(ctx context.Context, ids []int64, newTier, oldTier feed.Tier) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.writes = append(q.writes, fmt.Sprintf("override %s->%s %v", oldTier, newTier, ids))

	entering := make(map[int64]bool, len(ids))
	for _, id := range ids {
		entering[id] = true
		if q.flags[id] == oldTier {
			delete(q.flags, id)
		}
	}
	for id, t := range q.flags {
		if t == newTier && !entering[id] {
			delete(q.flags, id)
		}
	}
	return nil
}

// Sink records published events.
type Sink struct {
	mu     sync.Mutex
	events []feed.FeaturedEvent
	err    error
}

// NewSink creates a recording event sink.
func NewSink() *Sink {
	return &Sink{}
}

// FailWith makes Publish return err after recording the attempt.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sink) Publish(ctx context.Context, event feed.FeaturedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

// Events returns the recorded events in publish order.
func (s *Sink) Events() []feed.FeaturedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feed.FeaturedEvent(nil), s.events...)
}
