package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
)

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:", DefaultRankingRules())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.WithClock(func() time.Time { return testNow })
}

func insert(t *testing.T, s *SQLiteStore, p feed.PostSummary) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), p)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}

func member(id int64) *int64 { return &id }

func seed(t *testing.T, s *SQLiteStore) {
	t.Helper()
	day := 24 * time.Hour
	insert(t, s, feed.PostSummary{ID: 1, Title: "old legend", AuthorID: member(10), LikeCount: 50, CreatedAt: testNow.Add(-60 * day)})
	insert(t, s, feed.PostSummary{ID: 2, Title: "weekly top", AuthorID: member(20), LikeCount: 30, ViewCount: 5, CreatedAt: testNow.Add(-2 * day)})
	insert(t, s, feed.PostSummary{ID: 3, Title: "weekly second", Anonymous: true, LikeCount: 5, ViewCount: 900, CreatedAt: testNow.Add(-3 * time.Hour)})
	insert(t, s, feed.PostSummary{ID: 4, Title: "no likes", AuthorID: member(40), ViewCount: 10, CreatedAt: testNow.Add(-time.Hour)})
}

func TestSQLiteStore_Rankings(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ctx := context.Background()

	tests := []struct {
		tier feed.Tier
		want []int64
	}{
		{feed.TierWeekly, []int64{2, 3}},
		{feed.TierLegend, []int64{1, 2}},
		{feed.TierRealtime, []int64{3, 4}},
		{feed.TierFirstPage, []int64{4, 3, 2, 1}},
		{feed.TierNotice, []int64{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got, err := s.FindRanked(ctx, tt.tier, 10)
			if err != nil {
				t.Fatalf("FindRanked: %v", err)
			}
			if ids := feed.IDs(got); !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, ids)
			}
		})
	}

	top, _ := s.FindRanked(ctx, feed.TierFirstPage, 2)
	if len(top) != 2 {
		t.Errorf("Expected limit 2 honoured, got %d", len(top))
	}

	t.Log("✓ Tier rankings follow their rules")
}

func TestSQLiteStore_FindPage(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	page, err := s.FindPage(context.Background(), feed.TierFirstPage, 1, 2)
	if err != nil {
		t.Fatalf("FindPage: %v", err)
	}
	if !reflect.DeepEqual(feed.IDs(page.Items), []int64{3, 2}) || page.Total != 4 || page.Offset != 1 || page.Limit != 2 {
		t.Errorf("Unexpected page %+v", page)
	}

	t.Log("✓ FindPage windows the ranking")
}

func TestSQLiteStore_FindPageStopsAtMemberCap(t *testing.T) {
	specs := feed.DefaultTierSpecs()
	first := specs[feed.TierFirstPage]
	first.MaxMembers = 3
	specs[feed.TierFirstPage] = first

	s, err := Open(":memory:", DefaultRankingRules().WithTierSpecs(specs))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.WithClock(func() time.Time { return testNow })
	seed(t, s)
	ctx := context.Background()

	tests := []struct {
		name          string
		offset, limit int
		want          []int64
	}{
		{"window inside cap", 0, 2, []int64{4, 3}},
		{"window cut at cap", 1, 10, []int64{3, 2}},
		{"no limit stops at cap", 0, 0, []int64{4, 3, 2}},
		{"offset past cap", 3, 5, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.FindPage(ctx, feed.TierFirstPage, tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("FindPage: %v", err)
			}
			if got := feed.IDs(page.Items); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
			if page.Total != 3 {
				t.Errorf("Expected total capped at 3, got %d", page.Total)
			}
		})
	}

	t.Log("✓ Database pages never reach past the tier's member cap")
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := feed.PostSummary{
		Title: "round trip", AuthorID: member(7), AuthorName: "neo",
		ViewCount: 3, LikeCount: 2, CommentCount: 1,
		CreatedAt: testNow.Add(-time.Minute),
	}
	id := insert(t, s, in)

	got, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	in.ID = id
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, in.CreatedAt)
	}
	got.CreatedAt, in.CreatedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("Expected %+v, got %+v", in, got)
	}

	if _, err := s.FindByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	t.Log("✓ Posts round-trip through SQLite")
}

func TestSQLiteStore_TierFlags(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ctx := context.Background()

	if err := s.SetTierFlag(ctx, []int64{2, 3}, feed.TierWeekly); err != nil {
		t.Fatalf("SetTierFlag: %v", err)
	}
	if err := s.SetTierFlag(ctx, []int64{4}, feed.TierLegend); err != nil {
		t.Fatalf("SetTierFlag: %v", err)
	}

	// 2 becomes LEGEND: its WEEKLY flag goes, 4 leaves LEGEND
	if err := s.ClearTierFlagOverriding(ctx, []int64{1, 2}, feed.TierLegend, feed.TierWeekly); err != nil {
		t.Fatalf("ClearTierFlagOverriding: %v", err)
	}
	if err := s.SetTierFlag(ctx, []int64{1, 2}, feed.TierLegend); err != nil {
		t.Fatalf("SetTierFlag: %v", err)
	}

	want := map[int64]feed.Tier{1: feed.TierLegend, 2: feed.TierLegend, 3: feed.TierWeekly, 4: ""}
	for id, tier := range want {
		p, _ := s.FindByID(ctx, id)
		if p.Featured != tier {
			t.Errorf("post %d: expected flag %q, got %q", id, tier, p.Featured)
		}
	}

	if err := s.ClearTierFlag(ctx, feed.TierWeekly); err != nil {
		t.Fatalf("ClearTierFlag: %v", err)
	}
	if p, _ := s.FindByID(ctx, 3); p.Featured != "" {
		t.Errorf("Expected WEEKLY cleared, got %q", p.Featured)
	}

	t.Log("✓ Tier flags honour LEGEND over WEEKLY")
}

func TestSQLiteStore_NoticeAndFindByIDs(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ctx := context.Background()

	if err := s.SetNotice(ctx, 3, true); err != nil {
		t.Fatalf("SetNotice: %v", err)
	}
	if err := s.SetNotice(ctx, 1, true); err != nil {
		t.Fatalf("SetNotice: %v", err)
	}
	notices, _ := s.FindRanked(ctx, feed.TierNotice, 10)
	if !reflect.DeepEqual(feed.IDs(notices), []int64{3, 1}) {
		t.Errorf("Expected notices [3 1], got %v", feed.IDs(notices))
	}
	if err := s.SetNotice(ctx, 42, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown post, got %v", err)
	}

	posts, err := s.FindByIDs(ctx, []int64{4, 99, 1})
	if err != nil || !reflect.DeepEqual(feed.IDs(posts), []int64{4, 1}) {
		t.Errorf("Expected [4 1] in request order, got %v, %v", feed.IDs(posts), err)
	}

	t.Log("✓ Notice pinning and ordered id lookup")
}

func TestSQLiteStore_FeaturedMembership(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ctx := context.Background()

	// 2 ranks for WEEKLY but was promoted to LEGEND
	if err := s.SetTierFlag(ctx, []int64{3}, feed.TierWeekly); err != nil {
		t.Fatalf("SetTierFlag: %v", err)
	}
	if err := s.SetTierFlag(ctx, []int64{1, 2}, feed.TierLegend); err != nil {
		t.Fatalf("SetTierFlag: %v", err)
	}

	weekly, err := s.FindFeatured(ctx, feed.TierWeekly, 10)
	if err != nil {
		t.Fatalf("FindFeatured: %v", err)
	}
	if got := feed.IDs(weekly); !reflect.DeepEqual(got, []int64{3}) {
		t.Errorf("Expected WEEKLY members [3], got %v", got)
	}

	page, err := s.FindPage(ctx, feed.TierLegend, 0, 1)
	if err != nil {
		t.Fatalf("FindPage: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].ID != 1 {
		t.Errorf("Expected LEGEND page [1] of 2, got %v of %d", feed.IDs(page.Items), page.Total)
	}

	// Non-featured tiers serve their ranking
	realtime, _ := s.FindFeatured(ctx, feed.TierRealtime, 10)
	if got := feed.IDs(realtime); !reflect.DeepEqual(got, []int64{3, 4}) {
		t.Errorf("Expected REALTIME ranking [3 4], got %v", got)
	}

	t.Log("✓ Featured tiers are served from their flags")
}
