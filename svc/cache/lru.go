package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"fadebin/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is the in-process cache tier. Only records without a view limit are
// admitted; everything else must reach the store so the burn accounting
// stays exact.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}

type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(ctx context.Context, token string) *domain.Paste {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(token)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(token)
		return nil
	}
	return it.paste
}

func (l *LRU) Set(ctx context.Context, p *domain.Paste, ttl time.Duration) {
	if p.BurnLimited() || ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(p.Token, item{
		paste: p,
		exp:   time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(token)
}
