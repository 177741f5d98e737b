// Package cache provides the key-value backends behind the tier caches,
// advisory locks, a layered blob cache and startup warm-up.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
)

// WarmupProvider fills part of the cache before traffic arrives.
type WarmupProvider interface {
	// Name identifies the provider in logs
	Name() string

	// Warmup populates the cache. It must be safe to call repeatedly.
	Warmup(ctx context.Context) error
}

// WarmupFunc adapts a function to WarmupProvider.
type WarmupFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (f WarmupFunc) Name() string                     { return f.Label }
func (f WarmupFunc) Warmup(ctx context.Context) error { return f.Fn(ctx) }

// WarmupConfig configures the cache warming behavior.
type WarmupConfig struct {
	// Timeout bounds the whole warm-up
	Timeout time.Duration

	// ContinueOnError keeps going after a provider fails (sequential mode)
	ContinueOnError bool

	// Parallel runs providers concurrently
	Parallel bool

	// IsSkip classifies provider errors that only mean "nothing to warm".
	// They are logged at debug and not counted as failures.
	IsSkip func(error) bool
}

// DefaultWarmupConfig returns sensible defaults for cache warming.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
		Parallel:        true,
	}
}

// WarmupResult is the outcome for one provider.
type WarmupResult struct {
	Provider string
	Duration time.Duration
	Skipped  bool
	Err      error
}

// WarmupResults aggregates a warm-up run.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

// HasErrors returns true if any provider failed.
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Warmer runs registered providers once at startup.
type Warmer struct {
	providers []WarmupProvider
	logger    *observability.Logger
	config    WarmupConfig
}

// NewWarmer creates a new cache warmer.
func NewWarmer(logger *observability.Logger, config WarmupConfig) *Warmer {
	if config.Timeout <= 0 {
		config.Timeout = DefaultWarmupConfig().Timeout
	}
	return &Warmer{logger: logger, config: config}
}

// RegisterProvider adds a warmup provider to the warmer.
func (w *Warmer) RegisterProvider(provider WarmupProvider) {
	w.providers = append(w.providers, provider)
}

// Warmup executes all registered providers and reports per-provider timing.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()
	results := &WarmupResults{}

	if len(w.providers) > 0 {
		warmupCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()

		if w.config.Parallel {
			results.Results = w.warmupParallel(warmupCtx)
		} else {
			results.Results = w.warmupSequential(warmupCtx)
		}
	}

	for _, r := range results.Results {
		if r.Err != nil && !r.Skipped {
			results.Errors++
		}
	}
	results.TotalTime = time.Since(start)

	if w.logger != nil {
		if results.Errors > 0 {
			w.logger.LogWarn(ctx, "cache warmup completed with errors",
				"errors", results.Errors,
				"providers", len(w.providers),
				"duration_ms", results.TotalTime.Milliseconds(),
			)
		} else {
			w.logger.LogInfo(ctx, "cache warmup completed",
				"providers", len(w.providers),
				"duration_ms", results.TotalTime.Milliseconds(),
			)
		}
	}

	return results
}

func (w *Warmer) warmupParallel(ctx context.Context) []WarmupResult {
	var (
		mu      sync.Mutex
		results = make([]WarmupResult, 0, len(w.providers))
		g       errgroup.Group
	)

	for _, provider := range w.providers {
		g.Go(func() error {
			r := w.warmupProvider(ctx, provider)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (w *Warmer) warmupSequential(ctx context.Context) []WarmupResult {
	results := make([]WarmupResult, 0, len(w.providers))

	for _, provider := range w.providers {
		r := w.warmupProvider(ctx, provider)
		results = append(results, r)

		if r.Err != nil && !r.Skipped && !w.config.ContinueOnError {
			break
		}
	}

	return results
}

func (w *Warmer) warmupProvider(ctx context.Context, provider WarmupProvider) WarmupResult {
	start := time.Now()
	err := provider.Warmup(ctx)
	r := WarmupResult{
		Provider: provider.Name(),
		Duration: time.Since(start),
		Err:      err,
		Skipped:  err != nil && w.config.IsSkip != nil && w.config.IsSkip(err),
	}

	if w.logger == nil {
		return r
	}
	switch {
	case err == nil:
		w.logger.LogDebug(ctx, "cache warmed", "provider", r.Provider, "duration_ms", r.Duration.Milliseconds())
	case r.Skipped:
		w.logger.LogDebug(ctx, "cache warmup skipped", "provider", r.Provider, "reason", err.Error())
	default:
		w.logger.LogWarn(ctx, "cache warmup failed", "provider", r.Provider, "error", err, "duration_ms", r.Duration.Milliseconds())
	}
	return r
}
