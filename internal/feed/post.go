package feed

import (
	"fmt"
	"time"
)

// PostSummary is the cached projection of a post. Values are replaced, never
// mutated in place.
type PostSummary struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	AuthorID     *int64    `json:"author_id,omitempty"`
	AuthorName   string    `json:"author_name"`
	Anonymous    bool      `json:"anonymous"`
	ViewCount    int64     `json:"view_count"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
	// Featured is the tier flag persisted on the post record (WEEKLY,
	// LEGEND or empty).
	Featured Tier `json:"featured,omitempty"`
}

// HasMember reports whether the post has a named, non-anonymous author that
// can receive notifications.
func (p PostSummary) HasMember() bool {
	return p.AuthorID != nil && !p.Anonymous
}

// IDs extracts ids in slice order.
func IDs(posts []PostSummary) []int64 {
	ids := make([]int64, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	return ids
}

// Page is a window over an ordered result.
type Page[T any] struct {
	Items  []T   `json:"items"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Total  int64 `json:"total"`
	// Degraded is set when the page came from a last-known-good copy or
	// was cut short because a backend was unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// EmptyPage returns a page with no items for the given window.
func EmptyPage[T any](offset, limit int) Page[T] {
	return Page[T]{Items: []T{}, Offset: offset, Limit: limit}
}

// Slice cuts an ordered list into a page.
func Slice[T any](all []T, offset, limit int) Page[T] {
	if offset < 0 {
		offset = 0
	}
	page := Page[T]{Offset: offset, Limit: limit, Total: int64(len(all))}
	if offset >= len(all) {
		page.Items = []T{}
		return page
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page.Items = append([]T(nil), all[offset:end]...)
	return page
}

// EventType tags a featured notification.
type EventType string

const (
	EventFeaturedWeekly EventType = "POST_FEATURED_WEEKLY"
	EventFeaturedLegend EventType = "POST_FEATURED_LEGEND"
)

// FeaturedEvent is emitted once per post that newly enters WEEKLY or LEGEND.
type FeaturedEvent struct {
	ID        string    `json:"id"`
	MemberID  int64     `json:"member_id"`
	PostID    int64     `json:"post_id"`
	PostTitle string    `json:"post_title"`
	Message   string    `json:"message"`
	Type      EventType `json:"type"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFeaturedEvent builds the event for a post entering tier. The caller
// must have checked HasMember.
func NewFeaturedEvent(id string, post PostSummary, tier Tier, now time.Time) FeaturedEvent {
	ev := FeaturedEvent{
		ID:        id,
		MemberID:  *post.AuthorID,
		PostID:    post.ID,
		PostTitle: post.Title,
		Tier:      tier,
		CreatedAt: now,
	}
	switch tier {
	case TierLegend:
		ev.Type = EventFeaturedLegend
		ev.Message = fmt.Sprintf("Your post %q has been added to the legend board!", post.Title)
	default:
		ev.Type = EventFeaturedWeekly
		ev.Message = fmt.Sprintf("Your post %q was selected as a weekly popular post!", post.Title)
	}
	return ev
}
