package tiercache

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/resilience"
)

// spyScoreStore counts calls and optionally fails them
type spyScoreStore struct {
	ScoreStore
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newSpyScoreStore(inner ScoreStore) *spyScoreStore {
	return &spyScoreStore{ScoreStore: inner, calls: make(map[string]int)}
}

func (s *spyScoreStore) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.err
}

func (s *spyScoreStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *spyScoreStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *spyScoreStore) Increment(ctx context.Context, postID int64, delta float64) (float64, error) {
	if err := s.record("increment"); err != nil {
		return 0, err
	}
	return s.ScoreStore.Increment(ctx, postID, delta)
}

func (s *spyScoreStore) Range(ctx context.Context, offset, count int64) ([]int64, error) {
	if err := s.record("range"); err != nil {
		return nil, err
	}
	return s.ScoreStore.Range(ctx, offset, count)
}

func (s *spyScoreStore) DecayAll(ctx context.Context, factor float64) error {
	if err := s.record("decay"); err != nil {
		return err
	}
	return s.ScoreStore.DecayAll(ctx, factor)
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreStores_DecaySemantics(t *testing.T) {
	stores := map[string]ScoreStore{"local": NewLocalScoreStore()}
	for name, b := range backends(t) {
		stores[name] = NewRemoteScoreStore(b, ScoreKey("feed:"), time.Second)
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Increment(ctx, 1, 10); err != nil {
				t.Fatalf("Increment failed: %v", err)
			}
			if _, err := s.Increment(ctx, 2, 4); err != nil {
				t.Fatalf("Increment failed: %v", err)
			}

			if err := s.DecayAll(ctx, 0.9); err != nil {
				t.Fatalf("DecayAll failed: %v", err)
			}
			if got, _ := s.Score(ctx, 1); !approx(got, 9.0) {
				t.Errorf("Expected 9.0 after one decay, got %v", got)
			}
			if err := s.DecayAll(ctx, 0.9); err != nil {
				t.Fatalf("DecayAll failed: %v", err)
			}
			if got, _ := s.Score(ctx, 1); !approx(got, 8.1) {
				t.Errorf("Expected 8.1 after two decays, got %v", got)
			}

			ids, err := s.Range(ctx, 0, 10)
			if err != nil || !reflect.DeepEqual(ids, []int64{1, 2}) {
				t.Errorf("Expected ranking [1 2], got %v, %v", ids, err)
			}
			if n, _ := s.Count(ctx); n != 2 {
				t.Errorf("Expected count 2, got %d", n)
			}
			if _, err := s.Score(ctx, 99); !errors.Is(err, cache.ErrNotFound) {
				t.Errorf("Expected ErrNotFound for unknown post, got %v", err)
			}
		})
	}

	t.Log("✓ Remote and local score stores decay identically")
}

func TestScoreRouter_ForcedOpenDecayStaysLocal(t *testing.T) {
	ctx := context.Background()
	remote := newSpyScoreStore(NewLocalScoreStore())
	local := NewLocalScoreStore()
	_, _ = local.Increment(ctx, 1, 10)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "score", CoolDown: time.Hour})
	breaker.ForceOpen()
	router := NewScoreRouter(remote, local, breaker, nil, nil)

	if err := router.DecayAll(ctx, 0.9); err != nil {
		t.Fatalf("DecayAll failed: %v", err)
	}
	if got, _ := local.Score(ctx, 1); !approx(got, 9.0) {
		t.Errorf("Expected local score 9.0, got %v", got)
	}
	if _, err := router.Increment(ctx, 2, 1); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := router.Range(ctx, 0, 5); err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if n := remote.total(); n != 0 {
		t.Errorf("Expected no remote calls while open, got %d", n)
	}
	if router.Route() != RouteLocal {
		t.Errorf("Expected local route, got %s", router.Route())
	}

	t.Log("✓ Forced-open decay touches only the local store")
}

func TestScoreRouter_OpensAndRecoversWithoutMerge(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(0, 0)
	remoteInner := NewLocalScoreStore()
	remote := newSpyScoreStore(remoteInner)
	local := NewLocalScoreStore()
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "score",
		FailureThreshold: 2,
		CoolDown:         time.Minute,
		Now:              func() time.Time { return now },
	})
	router := NewScoreRouter(remote, local, breaker, nil, nil)

	_, _ = router.Increment(ctx, 1, 10)
	if got, _ := remoteInner.Score(ctx, 1); got != 10 {
		t.Fatalf("Expected remote increment, got %v", got)
	}

	remote.failWith(errors.New("i/o timeout"))
	_ = router.DecayAll(ctx, 0.5)
	if router.Route() != RouteRemote {
		t.Errorf("Expected remote route below threshold")
	}
	_ = router.DecayAll(ctx, 0.5)
	if breaker.State() != resilience.StateOpen || router.Route() != RouteLocal {
		t.Fatalf("Expected breaker open and local route, got %s/%s", breaker.State(), router.Route())
	}

	// Increments do not touch the breaker and land locally
	before := remote.total()
	_, _ = router.Increment(ctx, 7, 3)
	if remote.total() != before {
		t.Error("Expected increment to skip remote while routed locally")
	}
	if got, _ := local.Score(ctx, 7); got != 3 {
		t.Errorf("Expected local score 3, got %v", got)
	}

	// Cool-down elapses and the trial succeeds
	remote.failWith(nil)
	now = now.Add(2 * time.Minute)
	ids, err := router.Range(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if breaker.State() != resilience.StateClosed || router.Route() != RouteRemote {
		t.Fatalf("Expected closed breaker and remote route, got %s/%s", breaker.State(), router.Route())
	}
	if !reflect.DeepEqual(ids, []int64{1}) {
		t.Errorf("Expected remote ranking [1] with no local merge, got %v", ids)
	}
	if _, err := remoteInner.Score(ctx, 7); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Expected local-only post absent from remote, got %v", err)
	}

	t.Log("✓ Router opens on failures and recovers without merge-back")
}

func TestScoreRouter_FailedRemoteIncrementKeptLocally(t *testing.T) {
	ctx := context.Background()
	remote := newSpyScoreStore(NewLocalScoreStore())
	remote.failWith(errors.New("connection reset"))
	local := NewLocalScoreStore()
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "score", FailureThreshold: 1})
	router := NewScoreRouter(remote, local, breaker, nil, nil)

	if _, err := router.Increment(ctx, 5, 2); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if got, _ := local.Score(ctx, 5); got != 2 {
		t.Errorf("Expected local score 2, got %v", got)
	}
	if breaker.State() != resilience.StateClosed {
		t.Errorf("Expected increment failures not to trip the breaker, got %s", breaker.State())
	}

	t.Log("✓ Increment failures never trip the breaker")
}

func TestScoreRouter_DecayTickEvaluatesBreakerOnce(t *testing.T) {
	ctx := context.Background()
	remote := newSpyScoreStore(NewLocalScoreStore())
	remote.failWith(errors.New("i/o timeout"))
	local := NewLocalScoreStore()
	_, _ = local.Increment(ctx, 3, 5)
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "score", FailureThreshold: 2})
	router := NewScoreRouter(remote, local, breaker, nil, nil)

	if err := router.DecayAll(ctx, 0.5); err != nil {
		t.Fatalf("DecayAll failed: %v", err)
	}
	ids, err := router.Range(router.SettledRoute(ctx), 0, 10)
	if err != nil || !reflect.DeepEqual(ids, []int64{3}) {
		t.Errorf("Expected local ranking [3], got %v, %v", ids, err)
	}

	state, failures, _ := breaker.Stats()
	if state != resilience.StateClosed || failures != 1 {
		t.Errorf("Expected one breaker failure and a closed breaker, got %d/%s", failures, state)
	}
	if n := remote.total(); n != 1 {
		t.Errorf("Expected only the decay to reach the remote store, got %d calls", n)
	}

	// A healthy tick reads the remote ranking it just decayed
	remote.failWith(nil)
	_, _ = remote.ScoreStore.Increment(ctx, 8, 4)
	if err := router.DecayAll(ctx, 0.5); err != nil {
		t.Fatalf("DecayAll failed: %v", err)
	}
	ids, err = router.Range(router.SettledRoute(ctx), 0, 10)
	if err != nil || !reflect.DeepEqual(ids, []int64{8}) {
		t.Errorf("Expected remote ranking [8], got %v, %v", ids, err)
	}

	t.Log("✓ A decay tick and its ranking read count as one breaker evaluation")
}
