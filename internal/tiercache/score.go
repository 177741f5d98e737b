package tiercache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
)

// ScoreStore is the real-time popularity score set. Scores only change by
// increment or decay.
type ScoreStore interface {
	Increment(ctx context.Context, postID int64, delta float64) (float64, error)
	// Range returns up to count post ids starting at offset, highest score first.
	Range(ctx context.Context, offset, count int64) ([]int64, error)
	Count(ctx context.Context) (int64, error)
	// Score returns the score of postID, or cache.ErrNotFound.
	Score(ctx context.Context, postID int64) (float64, error)
	// DecayAll multiplies every score by factor.
	DecayAll(ctx context.Context, factor float64) error
}

// RemoteScoreStore keeps scores in a backend sorted set.
type RemoteScoreStore struct {
	backend cache.ScoreSet
	key     string
	timeout time.Duration
}

// NewRemoteScoreStore creates a score store over the sorted set at key.
func NewRemoteScoreStore(backend cache.ScoreSet, key string, timeout time.Duration) *RemoteScoreStore {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RemoteScoreStore{backend: backend, key: key, timeout: timeout}
}

// ScoreKey is the sorted set key for real-time scores under prefix.
func ScoreKey(prefix string) string {
	return tierKey(prefix, feed.TierRealtime, "scores")
}

func (s *RemoteScoreStore) Increment(ctx context.Context, postID int64, delta float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	score, err := s.backend.ZIncrBy(ctx, s.key, strconv.FormatInt(postID, 10), delta)
	if err != nil {
		return 0, unavailable("score increment", feed.TierRealtime, err)
	}
	return score, nil
}

func (s *RemoteScoreStore) Range(ctx context.Context, offset, count int64) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	members, err := s.backend.ZRevRange(ctx, s.key, offset, count)
	if err != nil {
		return nil, unavailable("score range", feed.TierRealtime, err)
	}
	return parseIDs(members), nil
}

func (s *RemoteScoreStore) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.backend.ZCard(ctx, s.key)
	if err != nil {
		return 0, unavailable("score count", feed.TierRealtime, err)
	}
	return n, nil
}

func (s *RemoteScoreStore) Score(ctx context.Context, postID int64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	score, err := s.backend.ZScore(ctx, s.key, strconv.FormatInt(postID, 10))
	if errors.Is(err, cache.ErrNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, unavailable("score get", feed.TierRealtime, err)
	}
	return score, nil
}

func (s *RemoteScoreStore) DecayAll(ctx context.Context, factor float64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.backend.ZDecay(ctx, s.key, factor); err != nil {
		return unavailable("score decay", feed.TierRealtime, err)
	}
	return nil
}

// LocalScoreStore is the in-process score set used while the remote score
// path is unavailable. Ordering and decay match the remote store.
type LocalScoreStore struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewLocalScoreStore creates an empty local score set.
func NewLocalScoreStore() *LocalScoreStore {
	return &LocalScoreStore{scores: make(map[string]float64)}
}

func (s *LocalScoreStore) Increment(ctx context.Context, postID int64, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member := strconv.FormatInt(postID, 10)
	s.scores[member] += delta
	return s.scores[member], nil
}

func (s *LocalScoreStore) Range(ctx context.Context, offset, count int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return parseIDs(cache.RankMembers(s.scores, offset, count)), nil
}

func (s *LocalScoreStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.scores)), nil
}

func (s *LocalScoreStore) Score(ctx context.Context, postID int64) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	score, ok := s.scores[strconv.FormatInt(postID, 10)]
	if !ok {
		return 0, cache.ErrNotFound
	}
	return score, nil
}

func (s *LocalScoreStore) DecayAll(ctx context.Context, factor float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for member, score := range s.scores {
		s.scores[member] = score * factor
	}
	return nil
}

func parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
