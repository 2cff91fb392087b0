package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/perpus-gateway/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubFetcher struct {
	mu      sync.Mutex
	pages   [][]model.Member
	calls   int
	failOn  int
	err     error
	endless bool
	block   chan struct{}
	entered chan struct{}
}

func (f *stubFetcher) FetchMembers(ctx context.Context, page, perPage int) (model.MemberPage, error) {
	f.mu.Lock()
	f.calls++
	pages, failOn, err, block, endless := f.pages, f.failOn, f.err, f.block, f.endless
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	if page == failOn {
		return model.MemberPage{}, err
	}
	if endless {
		return model.MemberPage{Members: []model.Member{{ID: int64(page)}}, HasMore: true}, nil
	}

	idx := page - 1
	if idx >= len(pages) {
		return model.MemberPage{}, nil
	}
	return model.MemberPage{Members: pages[idx], HasMore: idx < len(pages)-1}, nil
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *stubFetcher) setFailure(page int, err error) {
	f.mu.Lock()
	f.failOn, f.err = page, err
	f.mu.Unlock()
}

func members(ids ...int64) []model.Member {
	res := make([]model.Member, 0, len(ids))
	for _, id := range ids {
		res = append(res, model.Member{ID: id, Name: fmt.Sprintf("Member %d", id)})
	}
	return res
}

func ids(ms []model.Member) []int64 {
	res := make([]int64, 0, len(ms))
	for _, m := range ms {
		res = append(res, m.ID)
	}
	return res
}

func TestEnsureFresh_ConcatenatesPagesInOrder(t *testing.T) {
	fetcher := &stubFetcher{pages: [][]model.Member{members(1, 2), members(3, 4), members(5)}}
	c := NewCache(fetcher, WithClock(newFakeClock().Now))

	entries, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(entries))
	assert.Equal(t, 3, fetcher.Calls())
	assert.Equal(t, 5, c.Len())
}

func TestSearch_RoundTripAfterMultiPageLoad(t *testing.T) {
	fetcher := &stubFetcher{pages: [][]model.Member{members(1, 2, 3), members(4, 5, 6), members(7)}}
	c := NewCache(fetcher, WithClock(newFakeClock().Now))

	_, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)

	res, err := c.Search(context.Background(), Query{Text: "", Page: 1, PageSize: 7})
	require.NoError(t, err)

	assert.Len(t, res.Data, 7)
	assert.Equal(t, 7, res.Total)
	assert.Equal(t, 7, res.FilteredTotal)
	assert.False(t, res.HasMore)
	assert.False(t, res.Stale)
}

func TestEnsureFresh_TTL(t *testing.T) {
	clock := newFakeClock()
	fetcher := &stubFetcher{pages: [][]model.Member{members(1)}}
	c := NewCache(fetcher, WithClock(clock.Now), WithTTL(5*time.Minute))
	ctx := context.Background()

	_, err := c.EnsureFresh(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.Calls())

	clock.Advance(5 * time.Minute)
	_, err = c.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.Calls(), "snapshot exactly ttl old is still fresh")

	clock.Advance(time.Second)
	_, err = c.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.Calls(), "snapshot older than ttl must reload")

	fetchedAt, ok := c.FetchedAt()
	require.True(t, ok)
	assert.Equal(t, clock.Now(), fetchedAt)
}

func TestEnsureFresh_SharesInFlightReload(t *testing.T) {
	fetcher := &stubFetcher{
		pages:   [][]model.Member{members(1, 2)},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c := NewCache(fetcher, WithClock(newFakeClock().Now))

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]model.Member, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.EnsureFresh(context.Background())
		}(i)
	}

	<-fetcher.entered
	time.Sleep(20 * time.Millisecond)
	close(fetcher.block)
	wg.Wait()

	assert.Equal(t, 1, fetcher.Calls())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []int64{1, 2}, ids(results[i]))
	}
}

func TestEnsureFresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	clock := newFakeClock()
	fetcher := &stubFetcher{pages: [][]model.Member{members(1, 2), members(3)}}
	c := NewCache(fetcher, WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.EnsureFresh(ctx)
	require.NoError(t, err)

	clock.Advance(DefaultTTL + time.Second)
	upstreamErr := errors.New("upstream unavailable")
	fetcher.setFailure(2, upstreamErr)

	_, err = c.EnsureFresh(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, upstreamErr)
	assert.Equal(t, 3, c.Len(), "partial reload must not replace the snapshot")

	res, err := c.Search(ctx, Query{PageSize: 10})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, []int64{1, 2, 3}, ids(res.Data))
	assert.Equal(t, 3, res.Total)
}

func TestSearch_FailureWithoutSnapshot(t *testing.T) {
	upstreamErr := errors.New("boom")
	fetcher := &stubFetcher{failOn: 1, err: upstreamErr}
	c := NewCache(fetcher, WithClock(newFakeClock().Now))

	_, err := c.Search(context.Background(), Query{})
	require.Error(t, err)
	assert.ErrorIs(t, err, upstreamErr)

	_, err = c.Lookup(context.Background(), "x", 5)
	assert.ErrorIs(t, err, upstreamErr)
}

func TestInvalidate_ForcesReload(t *testing.T) {
	fetcher := &stubFetcher{pages: [][]model.Member{members(1)}}
	c := NewCache(fetcher, WithClock(newFakeClock().Now))
	ctx := context.Background()

	_, err := c.EnsureFresh(ctx)
	require.NoError(t, err)

	c.Invalidate()
	assert.Equal(t, 0, c.Len())
	_, ok := c.FetchedAt()
	assert.False(t, ok)

	_, err = c.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.Calls())
}

func TestInvalidate_DuringReloadDiscardsResult(t *testing.T) {
	fetcher := &stubFetcher{
		pages:   [][]model.Member{members(1)},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c := NewCache(fetcher, WithClock(newFakeClock().Now))

	done := make(chan []model.Member)
	go func() {
		entries, _ := c.EnsureFresh(context.Background())
		done <- entries
	}()

	<-fetcher.entered
	c.Invalidate()
	close(fetcher.block)

	entries := <-done
	assert.Equal(t, []int64{1}, ids(entries))
	assert.Equal(t, 0, c.Len(), "reload started before invalidation must not be installed")
}

func TestEnsureFresh_PageLimit(t *testing.T) {
	fetcher := &stubFetcher{endless: true}
	c := NewCache(fetcher, WithClock(newFakeClock().Now), WithMaxPages(3))

	_, err := c.EnsureFresh(context.Background())

	assert.ErrorIs(t, err, ErrTooManyPages)
	assert.Equal(t, 3, fetcher.Calls())
	assert.Equal(t, 0, c.Len())
}

func TestEnsureFresh_CallerCancellation(t *testing.T) {
	fetcher := &stubFetcher{
		pages:   [][]model.Member{members(1, 2)},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c := NewCache(fetcher, WithClock(newFakeClock().Now))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, err := c.EnsureFresh(ctx)
		errCh <- err
	}()

	<-fetcher.entered
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(fetcher.block)
	require.Eventually(t, func() bool { return c.Len() == 2 }, time.Second, 5*time.Millisecond,
		"shared reload must finish after the first caller gives up")
}
