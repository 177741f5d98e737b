package tiercache

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/resilience"
)

const (
	RouteRemote = "remote"
	RouteLocal  = "local"
)

// ScoreRouter sends score calls to the remote store or the local fallback
// depending on the score-path breaker. The breaker is consulted on decay
// ticks and ranking reads only. Increments and lookups follow the route
// fixed by the last of those evaluations. Local scores are never merged
// back once the remote path recovers.
type ScoreRouter struct {
	remote   ScoreStore
	local    ScoreStore
	breaker  *resilience.CircuitBreaker
	useLocal atomic.Bool
	logger   *observability.Logger
	metrics  *observability.Metrics

	// decayedLocally records which store the last decay tick ran on
	decayedLocally atomic.Bool
}

type settledRouteKey struct{}

// NewScoreRouter wires a router. breaker is the shared score-path breaker.
func NewScoreRouter(remote, local ScoreStore, breaker *resilience.CircuitBreaker, logger *observability.Logger, metrics *observability.Metrics) *ScoreRouter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &ScoreRouter{
		remote:  remote,
		local:   local,
		breaker: breaker,
		logger:  logger.Component("score_router"),
		metrics: metrics,
	}
	r.useLocal.Store(breaker.State() == resilience.StateOpen)
	return r
}

// Route returns the route used by increments and lookups.
func (r *ScoreRouter) Route() string {
	if r.useLocal.Load() {
		return RouteLocal
	}
	return RouteRemote
}

// Breaker exposes the score-path breaker.
func (r *ScoreRouter) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// settle fixes the route from the outcome of a breaker-evaluated call.
// It reports whether the caller should fall back to the local store.
func (r *ScoreRouter) settle(ctx context.Context, op string, err error) bool {
	if err == nil {
		if r.useLocal.Swap(false) {
			r.logger.LogInfo(ctx, "score path recovered, using remote store", "op", op)
		}
		return false
	}

	if errors.Is(err, resilience.ErrCircuitOpen) || r.breaker.State() == resilience.StateOpen {
		if !r.useLocal.Swap(true) {
			r.logger.LogWarn(ctx, "score path open, using local store", "op", op)
		}
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		r.logger.LogWarn(ctx, "remote score call failed", "op", op, "error", err)
	}
	return true
}

// DecayAll applies one decay tick through the breaker.
func (r *ScoreRouter) DecayAll(ctx context.Context, factor float64) error {
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.remote.DecayAll(ctx, factor)
	})
	if !r.settle(ctx, "decay", err) {
		r.decayedLocally.Store(false)
		r.metrics.RecordDecay(ctx, RouteRemote)
		return nil
	}

	r.decayedLocally.Store(true)
	r.metrics.RecordDecay(ctx, RouteLocal)
	return r.local.DecayAll(ctx, factor)
}

// SettledRoute returns a context under which Range follows the store the
// last decay tick ran on instead of consulting the breaker again. A decay
// tick and the ranking read it triggers are one breaker evaluation.
func (r *ScoreRouter) SettledRoute(ctx context.Context) context.Context {
	return context.WithValue(ctx, settledRouteKey{}, r)
}

// Range is the real-time ranking read, evaluated through the breaker
// unless ctx carries a settled route.
func (r *ScoreRouter) Range(ctx context.Context, offset, count int64) ([]int64, error) {
	if ctx.Value(settledRouteKey{}) == r {
		return r.RangeRouted(ctx, offset, count)
	}

	ids, err := resilience.ExecuteWithResult(r.breaker, ctx, func(ctx context.Context) ([]int64, error) {
		return r.remote.Range(ctx, offset, count)
	})
	if !r.settle(ctx, "range", err) {
		return ids, nil
	}
	return r.local.Range(ctx, offset, count)
}

// RangeRouted reads the ranking from the store the last decay tick ran on.
// The breaker is not consulted; a failed remote read is served locally.
func (r *ScoreRouter) RangeRouted(ctx context.Context, offset, count int64) ([]int64, error) {
	if !r.decayedLocally.Load() {
		ids, err := r.remote.Range(ctx, offset, count)
		if err == nil {
			return ids, nil
		}
		r.logger.LogWarn(ctx, "remote score ranking failed after decay, reading local", "error", err)
	}
	return r.local.Range(ctx, offset, count)
}

// Increment writes to the current route without consulting the breaker.
// A failed remote write lands in the local store so the activity is kept.
func (r *ScoreRouter) Increment(ctx context.Context, postID int64, delta float64) (float64, error) {
	if !r.useLocal.Load() {
		score, err := r.remote.Increment(ctx, postID, delta)
		if err == nil {
			return score, nil
		}
		r.logger.LogDebug(ctx, "remote score increment failed, writing locally", "post_id", postID, "error", err)
	}
	return r.local.Increment(ctx, postID, delta)
}

func (r *ScoreRouter) Count(ctx context.Context) (int64, error) {
	if r.useLocal.Load() {
		return r.local.Count(ctx)
	}
	return r.remote.Count(ctx)
}

func (r *ScoreRouter) Score(ctx context.Context, postID int64) (float64, error) {
	if r.useLocal.Load() {
		return r.local.Score(ctx, postID)
	}
	return r.remote.Score(ctx, postID)
}
