// Package store is the SQLite store of record for posts and their tier
// flags.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
)

// ErrNotFound is returned when a post does not exist.
var ErrNotFound = errors.New("post not found")

// RankingRules parameterise the per-tier ranking queries.
type RankingRules struct {
	// RealtimeWindow bounds the database approximation of the real-time tier
	RealtimeWindow time.Duration
	WeeklyWindow   time.Duration
	WeeklyMinLikes int64
	LegendMinLikes int64

	// MaxMembers caps each tier's published membership; pages never reach
	// past it. Tiers without an entry are unbounded.
	MaxMembers map[feed.Tier]int
}

// DefaultRankingRules returns the built-in ranking rules.
func DefaultRankingRules() RankingRules {
	return RankingRules{
		RealtimeWindow: 24 * time.Hour,
		WeeklyWindow:   7 * 24 * time.Hour,
		WeeklyMinLikes: 1,
		LegendMinLikes: 20,
		MaxMembers:     maxMembers(feed.DefaultTierSpecs()),
	}
}

// WithTierSpecs takes the member caps from specs.
func (r RankingRules) WithTierSpecs(specs map[feed.Tier]feed.TierSpec) RankingRules {
	r.MaxMembers = maxMembers(specs)
	return r
}

func maxMembers(specs map[feed.Tier]feed.TierSpec) map[feed.Tier]int {
	out := make(map[feed.Tier]int, len(specs))
	for tier, spec := range specs {
		out[tier] = spec.MaxMembers
	}
	return out
}

// SQLiteStore implements feed.PostQueryPort on SQLite.
type SQLiteStore struct {
	conn  *sql.DB
	rules RankingRules
	now   func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(path string, rules RankingRules) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to :memory: is a separate database
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{conn: conn, rules: rules, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock used by time-windowed rankings.
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		author_id INTEGER,
		author_name TEXT NOT NULL DEFAULT '',
		anonymous INTEGER NOT NULL DEFAULT 0,
		view_count INTEGER NOT NULL DEFAULT 0,
		like_count INTEGER NOT NULL DEFAULT 0,
		comment_count INTEGER NOT NULL DEFAULT 0,
		notice INTEGER NOT NULL DEFAULT 0,
		featured TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);
	CREATE INDEX IF NOT EXISTS idx_posts_featured ON posts(featured);
	CREATE INDEX IF NOT EXISTS idx_posts_like_count ON posts(like_count);
	`
	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

const postColumns = `id, title, author_id, author_name, anonymous, view_count, like_count, comment_count, featured, created_at`

// ranking returns the WHERE clause, its args and the ORDER BY of a tier.
func (s *SQLiteStore) ranking(tier feed.Tier) (string, []any, string, error) {
	now := s.now()
	switch tier {
	case feed.TierRealtime:
		return "created_at >= ?", []any{now.Add(-s.rules.RealtimeWindow).UnixMilli()},
			"view_count + like_count * 10 DESC, id DESC", nil
	case feed.TierWeekly:
		return "created_at >= ? AND like_count >= ?", []any{now.Add(-s.rules.WeeklyWindow).UnixMilli(), s.rules.WeeklyMinLikes},
			"like_count DESC, id DESC", nil
	case feed.TierLegend:
		return "like_count >= ?", []any{s.rules.LegendMinLikes},
			"like_count DESC, id DESC", nil
	case feed.TierNotice:
		return "notice = 1", nil, "id DESC", nil
	case feed.TierFirstPage:
		return "1 = 1", nil, "created_at DESC, id DESC", nil
	default:
		return "", nil, "", fmt.Errorf("unknown tier %q", tier)
	}
}

// FindRanked returns the current top posts for tier.
func (s *SQLiteStore) FindRanked(ctx context.Context, tier feed.Tier, limit int) ([]feed.PostSummary, error) {
	where, args, order, err := s.ranking(tier)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(`SELECT %s FROM posts WHERE %s ORDER BY %s LIMIT ?`, postColumns, where, order)
	rows, err := s.conn.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query %s ranking: %w", tier, err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// members returns the query of a tier's published membership. Featured
// tiers are whatever the last promotion flagged; the rest are their ranking.
func (s *SQLiteStore) members(tier feed.Tier) (string, []any, string, error) {
	if tier.Featured() {
		return "featured = ?", []any{string(tier)}, "like_count DESC, id DESC", nil
	}
	return s.ranking(tier)
}

// FindFeatured returns the posts currently flagged with tier.
func (s *SQLiteStore) FindFeatured(ctx context.Context, tier feed.Tier, limit int) ([]feed.PostSummary, error) {
	where, args, order, err := s.members(tier)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(`SELECT %s FROM posts WHERE %s ORDER BY %s LIMIT ?`, postColumns, where, order)
	rows, err := s.conn.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query %s members: %w", tier, err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// FindPage returns a window over the tier's published membership, cut at
// the tier's member cap like the cached tier is.
func (s *SQLiteStore) FindPage(ctx context.Context, tier feed.Tier, offset, limit int) (feed.Page[feed.PostSummary], error) {
	where, args, order, err := s.members(tier)
	if err != nil {
		return feed.Page[feed.PostSummary]{}, err
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM posts WHERE %s`, where)
	if err := s.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return feed.Page[feed.PostSummary]{}, fmt.Errorf("count %s ranking: %w", tier, err)
	}

	sqlLimit := limit
	if sqlLimit <= 0 {
		sqlLimit = -1
	}
	if ceiling := s.rules.MaxMembers[tier]; ceiling > 0 {
		if total > int64(ceiling) {
			total = int64(ceiling)
		}
		if offset >= ceiling {
			return feed.Page[feed.PostSummary]{Items: []feed.PostSummary{}, Offset: offset, Limit: limit, Total: total}, nil
		}
		if rest := ceiling - offset; sqlLimit < 0 || sqlLimit > rest {
			sqlLimit = rest
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM posts WHERE %s ORDER BY %s LIMIT ? OFFSET ?`, postColumns, where, order)
	rows, err := s.conn.QueryContext(ctx, query, append(args, sqlLimit, offset)...)
	if err != nil {
		return feed.Page[feed.PostSummary]{}, fmt.Errorf("query %s page: %w", tier, err)
	}
	defer rows.Close()

	items, err := scanPosts(rows)
	if err != nil {
		return feed.Page[feed.PostSummary]{}, err
	}
	return feed.Page[feed.PostSummary]{Items: items, Offset: offset, Limit: limit, Total: total}, nil
}

// SetTierFlag marks ids as members of tier.
func (s *SQLiteStore) SetTierFlag(ctx context.Context, ids []int64, tier feed.Tier) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	query := fmt.Sprintf(`UPDATE posts SET featured = ? WHERE id IN (%s)`, in)
	if _, err := s.conn.ExecContext(ctx, query, append([]any{string(tier)}, args...)...); err != nil {
		return fmt.Errorf("set %s flag: %w", tier, err)
	}
	return nil
}

// ClearTierFlag removes tier from every post flagged with it.
func (s *SQLiteStore) ClearTierFlag(ctx context.Context, tier feed.Tier) error {
	if _, err := s.conn.ExecContext(ctx, `UPDATE posts SET featured = '' WHERE featured = ?`, string(tier)); err != nil {
		return fmt.Errorf("clear %s flag: %w", tier, err)
	}
	return nil
}

// ClearTierFlagOverriding clears oldTier from ids entering newTier and
// clears newTier from posts leaving it, in one transaction.
func (s *SQLiteStore) ClearTierFlagOverriding(ctx context.Context, ids []int64, newTier, oldTier feed.Tier) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if len(ids) == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE posts SET featured = '' WHERE featured = ?`, string(newTier)); err != nil {
			return fmt.Errorf("clear %s flag: %w", newTier, err)
		}
		return tx.Commit()
	}

	in, args := inClause(ids)
	superseded := fmt.Sprintf(`UPDATE posts SET featured = '' WHERE featured = ? AND id IN (%s)`, in)
	if _, err := tx.ExecContext(ctx, superseded, append([]any{string(oldTier)}, args...)...); err != nil {
		return fmt.Errorf("clear superseded %s flags: %w", oldTier, err)
	}
	leaving := fmt.Sprintf(`UPDATE posts SET featured = '' WHERE featured = ? AND id NOT IN (%s)`, in)
	if _, err := tx.ExecContext(ctx, leaving, append([]any{string(newTier)}, args...)...); err != nil {
		return fmt.Errorf("clear leaving %s flags: %w", newTier, err)
	}
	return tx.Commit()
}

// FindByID returns one post.
func (s *SQLiteStore) FindByID(ctx context.Context, id int64) (feed.PostSummary, error) {
	row := s.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM posts WHERE id = ?`, postColumns), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.PostSummary{}, ErrNotFound
	}
	if err != nil {
		return feed.PostSummary{}, fmt.Errorf("find post %d: %w", id, err)
	}
	return p, nil
}

// FindByIDs returns the posts for ids in the order given, skipping ids
// that do not exist.
func (s *SQLiteStore) FindByIDs(ctx context.Context, ids []int64) ([]feed.PostSummary, error) {
	if len(ids) == 0 {
		return []feed.PostSummary{}, nil
	}
	in, args := inClause(ids)
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM posts WHERE id IN (%s)`, postColumns, in), args...)
	if err != nil {
		return nil, fmt.Errorf("find posts: %w", err)
	}
	defer rows.Close()

	found, err := scanPosts(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]feed.PostSummary, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]feed.PostSummary, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetNotice pins or unpins a post as a notice.
func (s *SQLiteStore) SetNotice(ctx context.Context, id int64, notice bool) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE posts SET notice = ? WHERE id = ?`, notice, id)
	if err != nil {
		return fmt.Errorf("set notice on %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Insert stores a post and returns its id. A zero ID is assigned by the
// database.
func (s *SQLiteStore) Insert(ctx context.Context, p feed.PostSummary) (int64, error) {
	var authorID sql.NullInt64
	if p.AuthorID != nil {
		authorID = sql.NullInt64{Int64: *p.AuthorID, Valid: true}
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	var id any
	if p.ID != 0 {
		id = p.ID
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO posts (id, title, author_id, author_name, anonymous, view_count, like_count, comment_count, featured, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Title, authorID, p.AuthorName, p.Anonymous, p.ViewCount, p.LikeCount, p.CommentCount, string(p.Featured), created.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	return res.LastInsertId()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (feed.PostSummary, error) {
	var (
		p         feed.PostSummary
		authorID  sql.NullInt64
		featured  string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Title, &authorID, &p.AuthorName, &p.Anonymous,
		&p.ViewCount, &p.LikeCount, &p.CommentCount, &featured, &createdAt); err != nil {
		return feed.PostSummary{}, err
	}
	if authorID.Valid {
		id := authorID.Int64
		p.AuthorID = &id
	}
	p.Featured = feed.Tier(featured)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return p, nil
}

func scanPosts(rows *sql.Rows) ([]feed.PostSummary, error) {
	posts := []feed.PostSummary{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
