package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"fadebin/pkg/domain"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	ErrCircuitOpen = errors.New("database circuit breaker open")

	// ErrDuplicateToken signals a uniqueness violation on the token index,
	// distinguishable from every other store failure. The allocator's retry
	// loop keys off it.
	ErrDuplicateToken = errors.New("duplicate token")
)

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// Store owns the pastes table: raw CRUD plus the sweep, eviction and
// renewal statements. All mutations are individual atomic statements; no
// enclosing transaction spans sweep+evict+insert.
type Store struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func NewStore(path string) (*Store, error) {
	return NewStoreWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewStoreWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &Store{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.Migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *Store) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *Store) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, ErrDuplicateToken) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

const pasteColumns = "id, token, title, content, language, created_at, expires_at, original_duration, views, max_views, is_public"

func scanPaste(row interface{ Scan(...any) error }) (*domain.Paste, error) {
	var p domain.Paste
	var maxViews sql.NullInt64
	err := row.Scan(
		&p.ID, &p.Token, &p.Title, &p.Content, &p.Language,
		&p.CreatedAt, &p.ExpiresAt, &p.OriginalDuration,
		&p.Views, &maxViews, &p.IsPublic,
	)
	if err != nil {
		return nil, err
	}
	if maxViews.Valid {
		v := maxViews.Int64
		p.MaxViews = &v
	}
	return &p, nil
}

// Insert writes one record with the caller's proposed token. A collision on
// the token index returns ErrDuplicateToken; the caller proposes a new
// token and tries again. The assigned id is written back into p.
func (s *Store) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	// Store-boundary guard: a discoverable record can never be burn-limited.
	if p.IsPublic && p.MaxViews != nil {
		return errors.New("is_public and max_views are mutually exclusive")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (token, title, content, language, created_at, expires_at, original_duration, views, max_views, is_public)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	var maxViews any
	if p.MaxViews != nil {
		maxViews = *p.MaxViews
	}
	res, err := s.db.ExecContext(queryCtx, q,
		p.Token, p.Title, p.Content, p.Language,
		p.CreatedAt, p.ExpiresAt, p.OriginalDuration,
		maxViews, p.IsPublic,
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateToken
		}
		s.recordError(err)
		return errors.Wrap(err, "db insert")
	}
	s.recordError(nil)
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	p.ID = id
	p.Views = 0
	return nil
}

// ReadForView performs the burn-aware read: one atomic statement that
// increments views only while the row is live and under its view limit.
// At most max_views reads can ever succeed; later readers get NotFound,
// indistinguishable from expiry or absence. When the returned record has
// reached its limit the caller must delete it as part of the same read.
func (s *Store) ReadForView(ctx context.Context, token string, now int64) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET views = views + 1
	WHERE token = ? AND expires_at > ?
	  AND (max_views IS NULL OR max_views <= 0 OR views < max_views)
	RETURNING ` + pasteColumns
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, token, now))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db read for view")
	}
	return p, nil
}

// DeleteByToken removes a record. Deleting an already-gone token is a
// no-op, which keeps concurrent burn deletions harmless.
func (s *Store) DeleteByToken(ctx context.Context, token string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE token = ?`, token)
	s.recordError(err)
	return errors.Wrap(err, "delete paste")
}

// IncrViews bumps the view counter of an unlimited record. Used for the
// async accounting of cache hits; burn-limited rows never take this path.
func (s *Store) IncrViews(ctx context.Context, token string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET views = views + 1 WHERE token = ? AND max_views IS NULL`
	_, err := s.db.ExecContext(queryCtx, q, token)
	s.recordError(err)
	return errors.Wrap(err, "incr views")
}

// SweepExpired deletes every record whose expiry is at or before now and
// returns the removed tokens so caches can be purged of exactly those rows.
func (s *Store) SweepExpired(ctx context.Context, now int64) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`DELETE FROM pastes WHERE expires_at <= ? RETURNING token`, now)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "sweep expired")
	}
	return collectTokens(rows)
}

// EnforceRowCapacity deletes rows, soonest-expiring first then lowest id,
// until the live count is at most max-reserve. Returns the evicted tokens.
func (s *Store) EnforceRowCapacity(ctx context.Context, max, reserve int64) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	allowed := max - reserve
	if allowed < 0 {
		allowed = 0
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var count int64
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM pastes`).Scan(&count)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "count rows")
	}
	if count <= allowed {
		return nil, nil
	}
	overflow := count - allowed
	rows, err := s.db.QueryContext(queryCtx, `
		DELETE FROM pastes
		WHERE id IN (
			SELECT id FROM pastes
			ORDER BY expires_at ASC, id ASC
			LIMIT ?
		)
		RETURNING token
	`, overflow)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "evict rows")
	}
	return collectTokens(rows)
}

// EnforceByteBudget deletes rows in the same order until the aggregate
// content size is at most max-reserve. The running total is re-derived from
// the store on every invocation rather than trusted from a cached counter.
func (s *Store) EnforceByteBudget(ctx context.Context, max, reserve int64) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	allowed := max - reserve
	if allowed < 0 {
		allowed = 0
	}
	total, err := s.TotalContentBytes(ctx)
	if err != nil {
		return nil, err
	}
	if total <= allowed {
		return nil, nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id, token, LENGTH(content) AS len
		FROM pastes
		ORDER BY expires_at ASC, id ASC
	`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list rows for byte eviction")
	}
	type victim struct {
		id    int64
		token string
		size  int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.token, &v.size); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan byte eviction row")
		}
		victims = append(victims, v)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, "close byte eviction rows")
	}
	var evicted []string
	for _, v := range victims {
		if total <= allowed {
			break
		}
		delCtx, delCancel := context.WithTimeout(ctx, s.queryTimeout)
		_, err := s.db.ExecContext(delCtx, `DELETE FROM pastes WHERE id = ?`, v.id)
		delCancel()
		s.recordError(err)
		if err != nil {
			return evicted, errors.Wrap(err, "evict row for byte budget")
		}
		total -= v.size
		evicted = append(evicted, v.token)
	}
	return evicted, nil
}

// Renew extends a live, public, unlimited record whose remaining life has
// dropped below half of its original duration: expires_at resets to
// now+original_duration. The check and the update are one conditional
// statement; on no-op a follow-up probe distinguishes NotFound from a
// declined renewal.
func (s *Store) Renew(ctx context.Context, token string, now int64) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET expires_at = ? + original_duration
	WHERE token = ? AND is_public = 1 AND max_views IS NULL
	  AND expires_at > ?
	  AND expires_at - ? < original_duration / 2
	RETURNING expires_at
	`
	var newExpiry int64
	err := s.db.QueryRowContext(queryCtx, q, now, token, now, now).Scan(&newExpiry)
	if err == nil {
		s.recordError(nil)
		return newExpiry, nil
	}
	if err != sql.ErrNoRows {
		s.recordError(err)
		return 0, errors.Wrap(err, "db renew")
	}
	var exists int
	err = s.db.QueryRowContext(queryCtx,
		`SELECT 1 FROM pastes WHERE token = ? AND expires_at > ? LIMIT 1`, token, now).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "renew probe")
	}
	return 0, domain.ErrRenewDeclined
}

// ListPublic returns live discoverable records, newest created first.
// Burn-limited records are excluded by the mutual-exclusion invariant, but
// the predicate still states it.
func (s *Store) ListPublic(ctx context.Context, now int64, limit, offset int64) ([]domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT ` + pasteColumns + `
	FROM pastes
	WHERE is_public = 1 AND max_views IS NULL AND expires_at > ?
	ORDER BY created_at DESC, id DESC
	LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(queryCtx, q, now, limit, offset)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list public")
	}
	defer rows.Close()
	var result []domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan public paste")
		}
		result = append(result, *p)
	}
	return result, errors.Wrap(rows.Err(), "list public rows")
}

func (s *Store) PublicCount(ctx context.Context, now int64) (int64, error) {
	return s.scalar(ctx,
		`SELECT COUNT(*) FROM pastes WHERE is_public = 1 AND max_views IS NULL AND expires_at > ?`, now)
}

// HighWaterID is the largest id ever assigned, a proxy for total records
// ever created. Deletion lowers the live count but never this value: ids
// are AUTOINCREMENT, so the sqlite_sequence counter survives deletes.
func (s *Store) HighWaterID(ctx context.Context) (int64, error) {
	v, err := s.scalar(ctx,
		`SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'pastes'), 0)`)
	if err != nil {
		return 0, err
	}
	if v > 0 {
		return v, nil
	}
	return s.scalar(ctx, `SELECT COALESCE(MAX(id), 0) FROM pastes`)
}

func (s *Store) LiveCount(ctx context.Context) (int64, error) {
	return s.scalar(ctx, `SELECT COUNT(*) FROM pastes`)
}

func (s *Store) TotalContentBytes(ctx context.Context) (int64, error) {
	return s.scalar(ctx, `SELECT COALESCE(SUM(LENGTH(content)), 0) FROM pastes`)
}

func (s *Store) scalar(ctx context.Context, q string, args ...any) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var v int64
	err := s.db.QueryRowContext(queryCtx, q, args...).Scan(&v)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "scalar query")
	}
	return v, nil
}

func collectTokens(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return tokens, errors.Wrap(err, "scan token")
		}
		tokens = append(tokens, t)
	}
	return tokens, errors.Wrap(rows.Err(), "token rows")
}

func (s *Store) Close() error {
	return s.db.Close()
}
