// Package directory содержит кэш каталога участников с поиском, сортировкой и пагинацией на стороне шлюза.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/perpus-gateway/internal/metrics"
	"github.com/mmeshcher/perpus-gateway/internal/model"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultPageSize = 50
	DefaultMaxPages = 1000

	reloadKey = "members"
)

// ErrTooManyPages возвращается, если API продолжает сообщать о следующих страницах дольше допустимого.
var ErrTooManyPages = errors.New("member directory exceeds page limit")

// Fetcher загружает одну страницу списка участников.
type Fetcher interface {
	FetchMembers(ctx context.Context, page, perPage int) (model.MemberPage, error)
}

type snapshot struct {
	entries   []model.Member
	fetchedAt time.Time
}

// Cache хранит полный снимок каталога участников и обновляет его целиком по истечении TTL.
type Cache struct {
	fetcher  Fetcher
	logger   *zap.Logger
	now      func() time.Time
	ttl      time.Duration
	pageSize int
	maxPages int

	mu   sync.RWMutex
	snap *snapshot
	gen  uint64

	group singleflight.Group
}

// Option настраивает Cache.
type Option func(*Cache)

// WithClock задаёт источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithTTL задаёт время жизни снимка.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPageSize задаёт размер страницы при полной загрузке.
func WithPageSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithMaxPages ограничивает число страниц одной загрузки.
func WithMaxPages(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache создаёт пустой кэш каталога участников.
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		logger:   zap.NewNop(),
		now:      time.Now,
		ttl:      DefaultTTL,
		pageSize: DefaultPageSize,
		maxPages: DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureFresh возвращает актуальный снимок каталога, при необходимости загружая его заново.
// Параллельные вызовы во время загрузки ожидают одну общую загрузку.
// При ошибке загрузки предыдущий снимок сохраняется, а ошибка возвращается вызывающему.
func (c *Cache) EnsureFresh(ctx context.Context) ([]model.Member, error) {
	if entries, ok := c.fresh(); ok {
		metrics.DirectoryLookups.WithLabelValues("hit").Inc()
		return entries, nil
	}
	metrics.DirectoryLookups.WithLabelValues("miss").Inc()

	ch := c.group.DoChan(reloadKey, func() (any, error) {
		return c.reload(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]model.Member), nil
	}
}

// Invalidate сбрасывает снимок: следующий EnsureFresh загрузит каталог заново.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.gen++
	c.mu.Unlock()

	c.group.Forget(reloadKey)
	metrics.DirectoryEntries.Set(0)
	c.logger.Debug("member directory invalidated")
}

// Len возвращает число участников в текущем снимке.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return 0
	}
	return len(c.snap.entries)
}

// FetchedAt возвращает время загрузки текущего снимка и признак его наличия.
func (c *Cache) FetchedAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return time.Time{}, false
	}
	return c.snap.fetchedAt, true
}

func (c *Cache) fresh() ([]model.Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil || c.now().Sub(c.snap.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.snap.entries, true
}

// stale возвращает текущий снимок независимо от его возраста.
func (c *Cache) stale() ([]model.Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return nil, false
	}
	return c.snap.entries, true
}

func (c *Cache) reload(ctx context.Context) ([]model.Member, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	startedAt := c.now()

	var entries []model.Member
	for page := 1; ; page++ {
		if page > c.maxPages {
			metrics.DirectoryReloads.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %d", ErrTooManyPages, c.maxPages)
		}

		res, err := c.fetcher.FetchMembers(ctx, page, c.pageSize)
		if err != nil {
			metrics.DirectoryReloads.WithLabelValues("error").Inc()
			c.logger.Warn("member directory reload failed", zap.Error(err), zap.Int("page", page))
			return nil, fmt.Errorf("fetch members page %d: %w", page, err)
		}

		entries = append(entries, res.Members...)
		if !res.HasMore {
			break
		}
	}

	if entries == nil {
		entries = []model.Member{}
	}

	c.mu.Lock()
	installed := c.gen == gen
	if installed {
		c.snap = &snapshot{entries: entries, fetchedAt: startedAt}
	}
	c.mu.Unlock()

	if installed {
		metrics.DirectoryReloads.WithLabelValues("ok").Inc()
		metrics.DirectoryEntries.Set(float64(len(entries)))
		c.logger.Info("member directory reloaded", zap.Int("members", len(entries)))
	} else {
		metrics.DirectoryReloads.WithLabelValues("discarded").Inc()
		c.logger.Info("member directory reload discarded after invalidation", zap.Int("members", len(entries)))
	}

	return entries, nil
}
