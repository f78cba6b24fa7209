package svc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fadebin/cfg"
	"fadebin/metrics"
	"fadebin/pkg/domain"
	"fadebin/svc/cache"
	"fadebin/svc/db"
	"fadebin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Paste orchestrates the storage engine: every storage-touching operation
// sweeps expired rows first, then runs the relevant capacity evictors, then
// the operation itself. The allocator is invoked only by Create.
type Paste struct {
	db              *db.Store
	lru             *cache.LRU
	rdb             *db.Redis
	cfg             *cfg.Cfg
	newToken        func(length int) (string, error)
	viewQueue       chan string
	viewWorkerWg    sync.WaitGroup
	activeCreateOps int32
	shutdownCtx     context.Context
	shutdownFn      context.CancelFunc
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
	sf              singleflight.Group
}

func NewPaste(store *db.Store, lru *cache.LRU, rdb *db.Redis, c *cfg.Cfg) *Paste {
	if store == nil || lru == nil || c == nil {
		panic("paste service: nil dependency (store, lru, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 20
	}
	p := &Paste{
		db:          store,
		lru:         lru,
		rdb:         rdb,
		cfg:         c,
		newToken:    util.NewToken,
		viewQueue:   make(chan string, c.WorkerPoolSize*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	p.startWorkers(c.WorkerPoolSize)
	return p
}

func (p *Paste) startWorkers(n int) {
	for i := 0; i < n; i++ {
		p.viewWorkerWg.Add(1)
		go p.viewWorker()
	}
}

// viewWorker drains async view increments for cache hits. Only unlimited
// records take this path; burn accounting always goes through the store's
// guarded read.
func (p *Paste) viewWorker() {
	defer p.viewWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("viewWorker panicked")
		}
	}()
	for token := range p.viewQueue {
		ctx, cancel := context.WithTimeout(p.shutdownCtx, 5*time.Second)
		if err := p.db.IncrViews(ctx, token); err != nil {
			if errors.Is(err, context.Canceled) {
				cancel()
				return
			}
			util.Warn().Err(err).Str("token", util.TruncToken(token)).Msg("failed to incr views")
		}
		cancel()
	}
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	close(p.viewQueue)
	p.shutdownFn()
	done := make(chan struct{})
	go func() {
		p.viewWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("view workers didn't stop in time")
	}
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// sweep removes expired rows and purges them from both cache tiers.
func (p *Paste) sweep(ctx context.Context, now int64) error {
	tokens, err := p.db.SweepExpired(ctx, now)
	if err != nil {
		return errors.Wrap(err, "sweep expired")
	}
	if len(tokens) > 0 {
		metrics.SweptRows.Add(float64(len(tokens)))
		p.purge(ctx, tokens)
	}
	return nil
}

func (p *Paste) enforceRows(ctx context.Context, reserve int64) error {
	tokens, err := p.db.EnforceRowCapacity(ctx, p.cfg.MaxPastes, reserve)
	if err != nil {
		return errors.Wrap(err, "enforce row capacity")
	}
	if len(tokens) > 0 {
		metrics.EvictedRows.WithLabelValues("capacity").Add(float64(len(tokens)))
		p.purge(ctx, tokens)
	}
	return nil
}

func (p *Paste) enforceBytes(ctx context.Context, reserve int64) error {
	tokens, err := p.db.EnforceByteBudget(ctx, p.cfg.MaxTotalContentBytes, reserve)
	if err != nil {
		return errors.Wrap(err, "enforce byte budget")
	}
	if len(tokens) > 0 {
		metrics.EvictedRows.WithLabelValues("bytes").Add(float64(len(tokens)))
		p.purge(ctx, tokens)
	}
	return nil
}

func (p *Paste) purge(ctx context.Context, tokens []string) {
	for _, t := range tokens {
		p.lru.Delete(t)
		if p.rdb != nil {
			if err := p.rdb.Delete(ctx, t); err != nil {
				util.Warn().Err(err).Str("token", util.TruncToken(t)).Msg("failed to purge from redis")
			}
		}
	}
}

// Create normalizes the request, makes room under both capacity policies
// and inserts under a fresh token. Issuance is coupled to insertion: on a
// uniqueness violation a new token is proposed, up to util.MaxTokenAttempts
// times, after which the insert fails with ErrTokenExhausted.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	currentLoad := atomic.AddInt32(&p.activeCreateOps, 1)
	defer atomic.AddInt32(&p.activeCreateOps, -1)
	if currentLoad > int32(p.cfg.MaxWorkerLoad) {
		return nil, errors.New("worker pool overloaded")
	}

	now := time.Now().Unix()
	if err := p.sweep(ctx, now); err != nil {
		return nil, err
	}
	if err := p.enforceRows(ctx, 1); err != nil {
		return nil, err
	}
	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	if int64(len(params.Content)) > p.cfg.MaxTotalContentBytes {
		return nil, domain.ErrPasteTooLarge
	}
	if err := p.enforceBytes(ctx, int64(len(params.Content))); err != nil {
		return nil, err
	}

	expiresIn := normalizeExpiresIn(params.ExpiresIn, p.cfg)
	tokenLength := normalizeTokenLength(params.TokenLength, p.cfg)
	maxViews := normalizeMaxViews(params.MaxViews)
	// A discoverable record can never be burn-limited; the burn flag wins.
	isPublic := params.IsPublic && maxViews == nil

	rec := &domain.Paste{
		Title:            normalizeTitle(params.Title, params.Content),
		Content:          params.Content,
		Language:         normalizeLanguage(params.Language),
		CreatedAt:        now,
		ExpiresAt:        now + expiresIn,
		OriginalDuration: expiresIn,
		MaxViews:         maxViews,
		IsPublic:         isPublic,
	}
	for attempt := 0; attempt < util.MaxTokenAttempts; attempt++ {
		token, err := p.newToken(tokenLength)
		if err != nil {
			return nil, errors.Wrap(err, "generate token")
		}
		rec.Token = token
		err = p.db.Insert(ctx, rec)
		if err == nil {
			p.cacheSet(ctx, rec)
			metrics.PasteCreated.Inc()
			return rec, nil
		}
		if errors.Is(err, db.ErrDuplicateToken) {
			metrics.TokenCollisions.Inc()
			continue
		}
		return nil, errors.Wrap(err, "create paste")
	}
	return nil, domain.ErrTokenExhausted
}

// Get serves one read of a record, counting the view and burning the
// record if this read reaches its limit. The content is still returned to
// the reader that burned it; everyone after observes NotFound.
func (p *Paste) Get(ctx context.Context, token string) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	now := time.Now().Unix()
	if err := p.sweep(ctx, now); err != nil {
		return nil, err
	}
	if err := p.enforceRows(ctx, 0); err != nil {
		return nil, err
	}

	if hit := p.lru.Get(ctx, token); hit != nil {
		if hit.ExpiresAt <= now {
			p.purge(ctx, []string{token})
		} else {
			metrics.CacheHits.Inc()
			p.enqueueView(token)
			metrics.PasteRetrieved.Inc()
			return hit, nil
		}
	}
	if p.rdb != nil {
		if hit, err := p.rdb.GetPaste(ctx, token); err == nil && hit != nil {
			if hit.ExpiresAt <= now {
				p.purge(ctx, []string{token})
			} else {
				metrics.CacheHits.Inc()
				p.lru.Set(ctx, hit, time.Duration(hit.ExpiresAt-now)*time.Second)
				p.enqueueView(token)
				metrics.PasteRetrieved.Inc()
				return hit, nil
			}
		}
	}
	metrics.CacheMisses.Inc()

	paste, err := p.db.ReadForView(ctx, token, now)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	if paste.BurnLimited() && paste.Views >= *paste.MaxViews {
		// Final guaranteed read: the record does not survive past it. The
		// guarded read statement already blocks further readers, so a lost
		// delete here is invisible.
		if err := p.db.DeleteByToken(ctx, token); err != nil {
			util.Warn().Err(err).Str("token", util.TruncToken(token)).Msg("burn delete failed")
		}
		p.purge(ctx, []string{token})
		metrics.PasteBurned.Inc()
	} else {
		p.cacheSet(ctx, paste)
	}
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// GetRaw is the raw-view read; it shares Get's burn accounting.
func (p *Paste) GetRaw(ctx context.Context, token string) (string, error) {
	paste, err := p.Get(ctx, token)
	if err != nil {
		return "", err
	}
	return paste.Content, nil
}

// Renew extends a record's life by resetting expires_at to now plus the
// originally requested duration, but only once more than half of that
// duration is gone. Burn-limited and private records are never renewable.
func (p *Paste) Renew(ctx context.Context, token string) (int64, error) {
	if p.shutdown.Load() {
		return 0, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	now := time.Now().Unix()
	newExpiry, err := p.db.Renew(ctx, token, now)
	if err != nil {
		if errors.Is(err, domain.ErrRenewDeclined) {
			metrics.RenewDeclined.Inc()
		}
		return 0, err
	}
	// The cached copy now carries a stale (earlier) expiry; drop it so the
	// next read repopulates with the renewed one.
	p.purge(ctx, []string{token})
	metrics.PasteRenewed.Inc()
	return newExpiry, nil
}

// Explore lists live discoverable records, newest created first.
func (p *Paste) Explore(ctx context.Context, limit, offset int64) ([]domain.Paste, int64, error) {
	now := time.Now().Unix()
	if err := p.sweep(ctx, now); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > int64(p.cfg.ExplorePageLimit) {
		limit = int64(p.cfg.ExplorePageLimit)
	}
	if offset < 0 {
		offset = 0
	}
	pastes, err := p.db.ListPublic(ctx, now, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := p.publicCount(ctx, now)
	if err != nil {
		return nil, 0, err
	}
	return pastes, total, nil
}

// ExploreAt fetches the single discoverable record at the given position,
// for one-at-a-time paging through the feed.
func (p *Paste) ExploreAt(ctx context.Context, offset int64) (*domain.Paste, int64, error) {
	pastes, total, err := p.Explore(ctx, 1, offset)
	if err != nil {
		return nil, 0, err
	}
	if len(pastes) == 0 {
		return nil, total, domain.ErrPasteNotFound
	}
	return &pastes[0], total, nil
}

// Stats reports the high-water id (total ever created), the live count,
// the faded count (their difference) and the live public count.
func (p *Paste) Stats(ctx context.Context) (*domain.Stats, error) {
	now := time.Now().Unix()
	if err := p.sweep(ctx, now); err != nil {
		return nil, err
	}
	if err := p.enforceRows(ctx, 0); err != nil {
		return nil, err
	}
	v, err, _ := p.sf.Do("stats", func() (interface{}, error) {
		high, err := p.db.HighWaterID(ctx)
		if err != nil {
			return nil, err
		}
		live, err := p.db.LiveCount(ctx)
		if err != nil {
			return nil, err
		}
		public, err := p.db.PublicCount(ctx, now)
		if err != nil {
			return nil, err
		}
		faded := high - live
		if faded < 0 {
			faded = 0
		}
		return &domain.Stats{
			TotalCreated: high,
			Live:         live,
			Faded:        faded,
			Public:       public,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Stats), nil
}

func (p *Paste) publicCount(ctx context.Context, now int64) (int64, error) {
	v, err, _ := p.sf.Do(fmt.Sprintf("public_count:%d", now), func() (interface{}, error) {
		return p.db.PublicCount(ctx, now)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (p *Paste) cacheSet(ctx context.Context, paste *domain.Paste) {
	if paste.BurnLimited() {
		return
	}
	ttl := time.Duration(paste.ExpiresAt-time.Now().Unix()) * time.Second
	if ttl <= 0 {
		return
	}
	p.lru.Set(ctx, paste, ttl)
	if p.rdb != nil {
		if err := p.rdb.CachePaste(ctx, paste, ttl); err != nil {
			util.Warn().Err(err).Str("token", util.TruncToken(paste.Token)).Msg("failed to cache in Redis")
		}
	}
}

func (p *Paste) enqueueView(token string) {
	select {
	case p.viewQueue <- token:
	default:
		util.Warn().Str("token", util.TruncToken(token)).Msg("view queue full, dropping increment")
	}
}
