package tiercache

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/feed/feedtest"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
)

func backends(t *testing.T) map[string]cache.Backend {
	t.Helper()

	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	mc := cache.NewMemoryCache(100)
	t.Cleanup(func() { mc.Close() })

	return map[string]cache.Backend{"redis": rc, "memory": mc}
}

func spec(tier feed.Tier, rep feed.Representation) feed.TierSpec {
	s := feed.DefaultTierSpecs()[tier]
	s.Representation = rep
	return s
}

// failingBackend fails every call with a transport error
type failingBackend struct {
	cache.Backend
	err error
}

func (f failingBackend) Get(ctx context.Context, key string) ([]byte, error) { return nil, f.err }
func (f failingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return f.err
}
func (f failingBackend) ListRange(ctx context.Context, key string) ([]string, error) {
	return nil, f.err
}
func (f failingBackend) ReplaceHashIndex(ctx context.Context, hashKey, indexKey string, fields map[string][]byte, order []string, ttl time.Duration) error {
	return f.err
}

// slowBackend blocks reads until the caller's deadline
type slowBackend struct {
	cache.Backend
}

func (s slowBackend) Get(ctx context.Context, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s slowBackend) ListRange(ctx context.Context, key string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClassify(t *testing.T) {
	ttl := 10 * time.Minute
	tests := []struct {
		name      string
		index     int
		items     int
		remaining time.Duration
		want      feed.Freshness
	}{
		{"empty", 0, 0, 0, feed.FreshnessMiss},
		{"count mismatch", 3, 2, ttl, feed.FreshnessDrift},
		{"hash without index", 0, 2, ttl, feed.FreshnessDrift},
		{"healthy", 3, 3, 9 * time.Minute, feed.FreshnessHit},
		{"inside window", 3, 3, 30 * time.Second, feed.FreshnessStale},
		{"window edge", 3, 3, time.Minute, feed.FreshnessStale},
		{"no expiry", 3, 3, cache.NoExpiry, feed.FreshnessHit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.index, tt.items, tt.remaining, ttl, 0.1); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}

	t.Log("✓ Freshness classification")
}

func TestTierCache_RoundTripBothRepresentations(t *testing.T) {
	posts := feedtest.Posts(3, 1, 2)
	posts[1].Anonymous = true
	posts[1].AuthorID = nil

	for name, b := range backends(t) {
		for _, rep := range []feed.Representation{feed.RepresentationSnapshot, feed.RepresentationHash} {
			t.Run(name+"/"+string(rep), func(t *testing.T) {
				ctx := context.Background()
				tc := New(spec(feed.TierWeekly, rep), b, Options{Prefix: "feed:", EarlyRefreshWindow: 0.1})

				view, err := tc.Load(ctx)
				if err != nil || view.Signal != feed.FreshnessMiss {
					t.Fatalf("Expected MISS before write, got %s, %v", view.Signal, err)
				}

				if err := tc.Replace(ctx, posts); err != nil {
					t.Fatalf("Replace failed: %v", err)
				}

				view, err = tc.Load(ctx)
				if err != nil {
					t.Fatalf("Load failed: %v", err)
				}
				if view.Signal != feed.FreshnessHit {
					t.Errorf("Expected HIT, got %s", view.Signal)
				}
				if view.IndexLen != 3 || view.ItemLen != 3 {
					t.Errorf("Expected 3/3, got %d/%d", view.IndexLen, view.ItemLen)
				}
				if len(view.Items) != len(posts) {
					t.Fatalf("Expected %d items, got %d", len(posts), len(view.Items))
				}
				for i := range posts {
					want, got := posts[i], view.Items[i]
					if !got.CreatedAt.Equal(want.CreatedAt) {
						t.Errorf("item %d CreatedAt = %v, want %v", i, got.CreatedAt, want.CreatedAt)
					}
					got.CreatedAt, want.CreatedAt = time.Time{}, time.Time{}
					if !reflect.DeepEqual(got, want) {
						t.Errorf("item %d = %+v, want %+v", i, got, want)
					}
				}
			})
		}
	}

	t.Log("✓ Summaries round-trip in tier order")
}

func TestHashIndexCache_DriftThenRebuild(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hc := NewHashIndexCache(spec(feed.TierWeekly, feed.RepresentationHash), b, Options{Prefix: "feed:"})
			hashKey, indexKey := hc.Keys()

			// Index lists [3,1,2] but only {1,2} made it into the hash
			if err := b.ListAppend(ctx, indexKey, "3", "1", "2"); err != nil {
				t.Fatalf("seed index: %v", err)
			}
			for _, p := range feedtest.Posts(1, 2) {
				raw := mustJSON(t, p)
				if err := b.HashSet(ctx, hashKey, idString(p.ID), raw); err != nil {
					t.Fatalf("seed hash: %v", err)
				}
			}

			view, err := hc.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if view.Signal != feed.FreshnessDrift {
				t.Fatalf("Expected DRIFT, got %s", view.Signal)
			}
			if got := feed.IDs(view.Items); !reflect.DeepEqual(got, []int64{1, 2}) {
				t.Errorf("Expected partial items [1 2] in index order, got %v", got)
			}

			if err := hc.Replace(ctx, feedtest.Posts(3, 1, 2)); err != nil {
				t.Fatalf("Replace failed: %v", err)
			}
			view, err = hc.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if view.Signal != feed.FreshnessHit || view.IndexLen != view.ItemLen {
				t.Errorf("Expected HIT with matching counts, got %s %d/%d", view.Signal, view.IndexLen, view.ItemLen)
			}
			if got := feed.IDs(view.Items); !reflect.DeepEqual(got, []int64{3, 1, 2}) {
				t.Errorf("Expected [3 1 2], got %v", got)
			}
		})
	}

	t.Log("✓ Drift detected and cleared by a full replace")
}

func TestHashIndexCache_PutRemove(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hc := NewHashIndexCache(spec(feed.TierNotice, feed.RepresentationHash), b, Options{Prefix: "feed:"})

			if err := hc.Put(ctx, feedtest.Post(9, false)); !errors.Is(err, ErrNotLoaded) {
				t.Fatalf("Expected ErrNotLoaded on empty tier, got %v", err)
			}

			if err := hc.Replace(ctx, feedtest.Posts(1, 2)); err != nil {
				t.Fatalf("Replace failed: %v", err)
			}
			if err := hc.Put(ctx, feedtest.Post(9, false)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			updated := feedtest.Post(1, false)
			updated.Title = "edited"
			if err := hc.Put(ctx, updated); err != nil {
				t.Fatalf("Put existing failed: %v", err)
			}

			ids, err := hc.Index(ctx)
			if err != nil || !reflect.DeepEqual(ids, []int64{1, 2, 9}) {
				t.Errorf("Expected index [1 2 9], got %v, %v", ids, err)
			}
			items, err := hc.Items(ctx)
			if err != nil || items[1].Title != "edited" {
				t.Errorf("Expected updated title, got %+v, %v", items[1], err)
			}

			if err := hc.Remove(ctx, 2); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			view, err := hc.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if view.Signal == feed.FreshnessDrift {
				t.Error("Expected no drift after paired edits")
			}
			if got := feed.IDs(view.Items); !reflect.DeepEqual(got, []int64{1, 9}) {
				t.Errorf("Expected [1 9], got %v", got)
			}
		})
	}

	t.Log("✓ Single-member edits keep index and hash aligned")
}

func TestSnapshotCache_StaleInsideWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mc := cache.NewMemoryCache(10)
	defer mc.Close()

	s := spec(feed.TierFirstPage, feed.RepresentationSnapshot)
	sc := NewSnapshotCache(s, mc, Options{Prefix: "feed:", EarlyRefreshWindow: 0.2, Now: func() time.Time { return now }})

	ctx := context.Background()
	if err := sc.Replace(ctx, feedtest.Posts(1)); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	view, _ := sc.Load(ctx)
	if view.Signal != feed.FreshnessHit || view.Remaining != s.TTL {
		t.Errorf("Expected fresh HIT with full TTL, got %s %v", view.Signal, view.Remaining)
	}

	now = now.Add(s.TTL - s.TTL/10)
	view, _ = sc.Load(ctx)
	if view.Signal != feed.FreshnessStale {
		t.Errorf("Expected STALE inside window, got %s (remaining %v)", view.Signal, view.Remaining)
	}

	t.Log("✓ Snapshot turns STALE near expiry")
}

func TestTierCache_EmptyReplaceRefused(t *testing.T) {
	mc := cache.NewMemoryCache(10)
	defer mc.Close()
	ctx := context.Background()

	for _, rep := range []feed.Representation{feed.RepresentationSnapshot, feed.RepresentationHash} {
		tc := New(spec(feed.TierLegend, rep), mc, Options{})
		if err := tc.Replace(ctx, feedtest.Posts(4)); err != nil {
			t.Fatalf("Replace failed: %v", err)
		}
		if err := tc.Replace(ctx, nil); !errors.Is(err, feed.ErrEmptySource) {
			t.Errorf("%s: Expected ErrEmptySource, got %v", rep, err)
		}
		if view, _ := tc.Load(ctx); len(view.Items) != 1 {
			t.Errorf("%s: Expected previous contents kept, got %d items", rep, len(view.Items))
		}
	}

	t.Log("✓ Empty input never wipes a tier")
}

func TestTierCache_BackendFailuresAreUnavailable(t *testing.T) {
	mc := cache.NewMemoryCache(10)
	defer mc.Close()
	ctx := context.Background()

	broken := failingBackend{Backend: mc, err: errors.New("dial tcp: connection refused")}
	slow := slowBackend{Backend: mc}

	for _, rep := range []feed.Representation{feed.RepresentationSnapshot, feed.RepresentationHash} {
		tc := New(spec(feed.TierWeekly, rep), broken, Options{})
		if _, err := tc.Load(ctx); !errors.Is(err, feed.ErrBackendUnavailable) {
			t.Errorf("%s Load: expected ErrBackendUnavailable, got %v", rep, err)
		}
		if err := tc.Replace(ctx, feedtest.Posts(1)); !errors.Is(err, feed.ErrBackendUnavailable) {
			t.Errorf("%s Replace: expected ErrBackendUnavailable, got %v", rep, err)
		}

		tc = New(spec(feed.TierWeekly, rep), slow, Options{Timeout: 10 * time.Millisecond})
		start := time.Now()
		if _, err := tc.Load(ctx); !errors.Is(err, feed.ErrBackendUnavailable) {
			t.Errorf("%s slow Load: expected ErrBackendUnavailable, got %v", rep, err)
		}
		if time.Since(start) > time.Second {
			t.Errorf("%s slow Load not bounded by timeout", rep)
		}
	}

	t.Log("✓ Transport errors and timeouts map to ErrBackendUnavailable")
}

func TestNewAll_UsesConfiguredRepresentation(t *testing.T) {
	mc := cache.NewMemoryCache(10)
	defer mc.Close()

	caches := NewAll(feed.DefaultTierSpecs(), mc, Options{Prefix: "feed:"})
	if len(caches) != len(feed.AllTiers) {
		t.Fatalf("Expected %d caches, got %d", len(feed.AllTiers), len(caches))
	}
	if _, ok := caches[feed.TierRealtime].(*HashIndexCache); !ok {
		t.Errorf("Expected REALTIME hash cache, got %T", caches[feed.TierRealtime])
	}
	if _, ok := caches[feed.TierNotice].(*HashIndexCache); !ok {
		t.Errorf("Expected NOTICE hash cache, got %T", caches[feed.TierNotice])
	}
	if _, ok := caches[feed.TierWeekly].(*SnapshotCache); !ok {
		t.Errorf("Expected WEEKLY snapshot cache, got %T", caches[feed.TierWeekly])
	}

	t.Log("✓ One representation per tier")
}
