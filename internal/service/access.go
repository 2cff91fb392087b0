package service

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/perpus-gateway/internal/metrics"
	"github.com/mmeshcher/perpus-gateway/internal/perpusapi"
)

// DefaultTokenTTL задаёт, сколько помнится успешная проверка токена.
const DefaultTokenTTL = time.Minute

// tokenGate пускает к общему каталогу участников только токены, которые принял внешний API.
// Успешные проверки помнятся ttl; отказы не запоминаются.
type tokenGate struct {
	verify func(ctx context.Context) error
	now    func() time.Time
	ttl    time.Duration

	mu       sync.Mutex
	verified map[[sha256.Size]byte]time.Time
	group    singleflight.Group
}

func newTokenGate(verify func(ctx context.Context) error, now func() time.Time, ttl time.Duration) *tokenGate {
	return &tokenGate{
		verify:   verify,
		now:      now,
		ttl:      ttl,
		verified: make(map[[sha256.Size]byte]time.Time),
	}
}

// check возвращает perpusapi.ErrUnauthorized, если в контексте нет токена, или ошибку проверки.
func (g *tokenGate) check(ctx context.Context) error {
	token, ok := perpusapi.TokenFromContext(ctx)
	if !ok {
		metrics.TokenChecks.WithLabelValues("missing").Inc()
		return perpusapi.ErrUnauthorized
	}

	key := sha256.Sum256([]byte(token))
	if g.cached(key) {
		metrics.TokenChecks.WithLabelValues("cached").Inc()
		return nil
	}

	_, err, _ := g.group.Do(string(key[:]), func() (any, error) {
		if err := g.verify(ctx); err != nil {
			return nil, err
		}
		g.remember(key)
		return nil, nil
	})
	if err != nil {
		metrics.TokenChecks.WithLabelValues("rejected").Inc()
		return err
	}
	metrics.TokenChecks.WithLabelValues("verified").Inc()
	return nil
}

func (g *tokenGate) cached(key [sha256.Size]byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expires, ok := g.verified[key]
	return ok && g.now().Before(expires)
}

func (g *tokenGate) remember(key [sha256.Size]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, expires := range g.verified {
		if !now.Before(expires) {
			delete(g.verified, k)
		}
	}
	g.verified[key] = now.Add(g.ttl)
}
