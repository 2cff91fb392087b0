package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/perpus-gateway/internal/directory"
	"github.com/mmeshcher/perpus-gateway/internal/loan"
	"github.com/mmeshcher/perpus-gateway/internal/model"
	"github.com/mmeshcher/perpus-gateway/internal/perpusapi"
)

type stubAPI struct {
	mu sync.Mutex

	members     []model.Member
	memberCalls int
	membersErr  error

	verifyErr   error
	verifyCalls int

	member    model.Member
	memberErr error

	registered  []perpusapi.RegisterRequest
	updated     []int64
	deleted     []int64
	mutationErr error

	loanPages   map[int]perpusapi.LoanPage
	loanFilters []perpusapi.LoanFilter
	loansErr    error

	loans   map[int64]map[string]any
	loanErr error

	borrowed   []perpusapi.BorrowRequest
	accepted   []int64
	returned   []int64
	actionResp map[string]any
}

func (s *stubAPI) FetchMembers(ctx context.Context, page, perPage int) (model.MemberPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberCalls++
	if s.membersErr != nil {
		return model.MemberPage{}, s.membersErr
	}
	return model.MemberPage{Members: s.members, Total: len(s.members)}, nil
}

func (s *stubAPI) VerifyToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++
	return s.verifyErr
}

func (s *stubAPI) GetMember(ctx context.Context, id int64) (model.Member, error) {
	return s.member, s.memberErr
}

func (s *stubAPI) RegisterMember(ctx context.Context, req perpusapi.RegisterRequest) (model.Member, error) {
	if s.mutationErr != nil {
		return model.Member{}, s.mutationErr
	}
	s.registered = append(s.registered, req)
	return model.Member{ID: 99, Name: req.Name, Username: req.Username}, nil
}

func (s *stubAPI) UpdateMember(ctx context.Context, id int64, upd perpusapi.MemberUpdate) (model.Member, error) {
	if s.mutationErr != nil {
		return model.Member{}, s.mutationErr
	}
	s.updated = append(s.updated, id)
	return model.Member{ID: id, Name: upd.Name}, nil
}

func (s *stubAPI) DeleteMember(ctx context.Context, id int64) error {
	if s.mutationErr != nil {
		return s.mutationErr
	}
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubAPI) ListLoans(ctx context.Context, f perpusapi.LoanFilter) (perpusapi.LoanPage, error) {
	s.loanFilters = append(s.loanFilters, f)
	if s.loansErr != nil {
		return perpusapi.LoanPage{}, s.loansErr
	}
	page, ok := s.loanPages[f.Page]
	if !ok {
		return perpusapi.LoanPage{Items: []loan.RawLoan{}, CurrentPage: f.Page, LastPage: f.Page}, nil
	}
	return page, nil
}

func (s *stubAPI) GetLoan(ctx context.Context, id int64) (loan.RawLoan, error) {
	if s.loanErr != nil {
		return nil, s.loanErr
	}
	fields, ok := s.loans[id]
	if !ok {
		return nil, perpusapi.ErrNotFound
	}
	return mustRaw(fields), nil
}

func (s *stubAPI) BorrowBook(ctx context.Context, bookID, memberID int64, req perpusapi.BorrowRequest) (loan.RawLoan, error) {
	s.borrowed = append(s.borrowed, req)
	return mustRaw(map[string]any{"id": 50, "status": 1, "tanggal_kembali": req.ReturnDate}), nil
}

func (s *stubAPI) AcceptLoan(ctx context.Context, id int64) (loan.RawLoan, error) {
	s.accepted = append(s.accepted, id)
	return mustRaw(s.actionResp), nil
}

func (s *stubAPI) ReturnLoan(ctx context.Context, id int64) (loan.RawLoan, error) {
	s.returned = append(s.returned, id)
	return mustRaw(s.actionResp), nil
}

func mustRaw(fields map[string]any) loan.RawLoan {
	if fields == nil {
		return loan.RawLoan{}
	}
	data, err := jsoniter.Marshal(fields)
	if err != nil {
		panic(err)
	}
	raw, err := loan.ParseRawLoan(data)
	if err != nil {
		panic(err)
	}
	return raw
}

var jakarta = time.FixedZone("WIB", 7*60*60)

// fixedNow соответствует 1 февраля 2024, 01:30 по Джакарте (31 января по UTC).
var fixedNow = time.Date(2024, time.January, 31, 18, 30, 0, 0, time.UTC)

func newTestService(api *stubAPI) *Service {
	dir := directory.NewCache(api, directory.WithClock(func() time.Time { return fixedNow }))
	return NewService(api, dir,
		WithClock(func() time.Time { return fixedNow }),
		WithLocation(jakarta),
	)
}

func TestToday_UsesLibraryTimeZone(t *testing.T) {
	svc := newTestService(&stubAPI{})

	today := svc.Today()

	assert.Equal(t, 1, today.Day())
	assert.Equal(t, time.February, today.Month())
}

func TestListLoans_ResolvesAgainstLocalToday(t *testing.T) {
	api := &stubAPI{loanPages: map[int]perpusapi.LoanPage{
		1: {
			Items: []loan.RawLoan{
				mustRaw(map[string]any{"id": 1, "status": "2", "tanggal_kembali": "2024-01-01"}),
				mustRaw(map[string]any{"id": 2, "status": 2, "due_date": "2024-02-01"}),
				mustRaw(map[string]any{"id": 3, "status": 1}),
				mustRaw(map[string]any{"id": 4, "status": 2, "returned_at": "2024-01-20"}),
			},
			Total:       4,
			CurrentPage: 1,
			LastPage:    1,
		},
	}}
	svc := newTestService(api)

	list, err := svc.ListLoans(context.Background(), perpusapi.LoanFilter{Page: 1, PerPage: 10})
	require.NoError(t, err)

	require.Len(t, list.Items, 4)
	assert.Equal(t, model.LoanStatusOverdue, list.Items[0].Status)
	assert.Equal(t, -31, *list.Items[0].RemainingDays)
	assert.Equal(t, model.LoanStatusActive, list.Items[1].Status)
	assert.Equal(t, 0, *list.Items[1].RemainingDays)
	assert.Equal(t, model.LoanStatusPending, list.Items[2].Status)
	assert.Equal(t, model.LoanStatusReturned, list.Items[3].Status)
	assert.Equal(t, model.LoanSummary{Total: 4, Pending: 1, Active: 1, Overdue: 1, Returned: 1}, list.Summary)
	assert.Equal(t, 4, list.Total)
}

func TestListLoans_UpstreamError(t *testing.T) {
	upstream := errors.New("boom")
	svc := newTestService(&stubAPI{loansErr: upstream})

	_, err := svc.ListLoans(context.Background(), perpusapi.LoanFilter{})
	assert.ErrorIs(t, err, upstream)
}

func TestMemberDashboard(t *testing.T) {
	api := &stubAPI{loanPages: map[int]perpusapi.LoanPage{
		1: {
			Items: []loan.RawLoan{
				mustRaw(map[string]any{"id": 1, "status": 1, "tanggal_peminjaman": "2024-01-10"}),
				mustRaw(map[string]any{"id": 2, "status": 2, "tanggal_peminjaman": "2024-01-25", "tanggal_kembali": "2024-01-30"}),
				mustRaw(map[string]any{"id": 3, "status": 3, "tanggal_peminjaman": "2023-12-01"}),
				mustRaw(map[string]any{"id": 4, "status": 2}),
			},
			CurrentPage: 1,
			LastPage:    2,
		},
		2: {
			Items: []loan.RawLoan{
				mustRaw(map[string]any{"id": 5, "status": 2, "tanggal_peminjaman": "2024-01-28", "tanggal_kembali": "2024-02-05"}),
				mustRaw(map[string]any{"id": 6, "status": 1, "tanggal_peminjaman": "2024-01-05"}),
			},
			CurrentPage: 2,
			LastPage:    2,
		},
	}}
	svc := newTestService(api)

	d, err := svc.MemberDashboard(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, model.LoanSummary{Total: 6, Pending: 2, Active: 2, Overdue: 1, Returned: 1}, d.Summary)

	recent := make([]int64, 0, len(d.Recent))
	for _, v := range d.Recent {
		recent = append(recent, v.ID)
	}
	assert.Equal(t, []int64{5, 2, 1, 6, 3}, recent)

	require.Len(t, api.loanFilters, 2)
	for _, f := range api.loanFilters {
		assert.Equal(t, int64(7), f.MemberID)
		assert.Equal(t, dashboardPageSize, f.PerPage)
	}
}

func TestMemberDashboard_NoLoans(t *testing.T) {
	svc := newTestService(&stubAPI{})

	d, err := svc.MemberDashboard(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, model.LoanSummary{}, d.Summary)
	assert.NotNil(t, d.Recent)
	assert.Empty(t, d.Recent)
}

func TestAcceptLoan(t *testing.T) {
	t.Run("pending loan is accepted", func(t *testing.T) {
		api := &stubAPI{
			loans:      map[int64]map[string]any{1: {"id": 1, "status": 1}},
			actionResp: map[string]any{"id": 1, "status": 2, "tanggal_kembali": "2024-02-08"},
		}
		svc := newTestService(api)

		view, err := svc.AcceptLoan(context.Background(), 1)
		require.NoError(t, err)

		assert.Equal(t, []int64{1}, api.accepted)
		assert.Equal(t, model.LoanStatusActive, view.Status)
		assert.Equal(t, 7, *view.RemainingDays)
	})

	t.Run("active loan is rejected", func(t *testing.T) {
		api := &stubAPI{loans: map[int64]map[string]any{1: {"id": 1, "status": 2}}}
		svc := newTestService(api)

		_, err := svc.AcceptLoan(context.Background(), 1)

		assert.ErrorIs(t, err, ErrLoanNotPending)
		assert.Empty(t, api.accepted)
	})

	t.Run("empty action response is reloaded", func(t *testing.T) {
		api := &stubAPI{loans: map[int64]map[string]any{1: {"id": 1, "status": 1}}}
		svc := newTestService(api)

		view, err := svc.AcceptLoan(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), view.ID)
	})

	t.Run("missing loan", func(t *testing.T) {
		svc := newTestService(&stubAPI{})

		_, err := svc.AcceptLoan(context.Background(), 404)
		assert.ErrorIs(t, err, perpusapi.ErrNotFound)
	})
}

func TestReturnLoan(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		wantErr error
	}{
		{name: "active", fields: map[string]any{"id": 1, "status": 2, "due_date": "2024-02-10"}},
		{name: "overdue", fields: map[string]any{"id": 1, "status": 2, "due_date": "2024-01-10"}},
		{name: "pending", fields: map[string]any{"id": 1, "status": 1}, wantErr: ErrLoanNotReturnable},
		{name: "returned by evidence", fields: map[string]any{"id": 1, "status": 2, "returned_at": "2024-01-15"}, wantErr: ErrLoanNotReturnable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &stubAPI{
				loans:      map[int64]map[string]any{1: tt.fields},
				actionResp: map[string]any{"id": 1, "status": 3, "tanggal_pengembalian_actual": "2024-02-01"},
			}
			svc := newTestService(api)

			view, err := svc.ReturnLoan(context.Background(), 1)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, api.returned)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, model.LoanStatusReturned, view.Status)
			assert.Equal(t, []int64{1}, api.returned)
		})
	}
}

func TestBorrowBook(t *testing.T) {
	t.Run("today is allowed", func(t *testing.T) {
		api := &stubAPI{}
		svc := newTestService(api)

		returnDate := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
		view, err := svc.BorrowBook(context.Background(), 3, 7, returnDate)
		require.NoError(t, err)

		require.Len(t, api.borrowed, 1)
		assert.Equal(t, "2024-02-01", api.borrowed[0].ReturnDate)
		assert.Equal(t, model.LoanStatusPending, view.Status)
	})

	t.Run("yesterday is rejected", func(t *testing.T) {
		api := &stubAPI{}
		svc := newTestService(api)

		returnDate := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
		_, err := svc.BorrowBook(context.Background(), 3, 7, returnDate)

		assert.ErrorIs(t, err, ErrInvalidReturnDate)
		assert.Empty(t, api.borrowed)
	})
}

func TestMemberMutations_InvalidateDirectory(t *testing.T) {
	api := &stubAPI{members: []model.Member{{ID: 1, Name: "Siti"}}}
	svc := newTestService(api)
	ctx := perpusapi.WithToken(context.Background(), "admin")

	warm := func() {
		t.Helper()
		_, err := svc.SearchMembers(ctx, directory.Query{})
		require.NoError(t, err)
	}

	warm()
	warm()
	require.Equal(t, 1, api.memberCalls, "second search is served from cache")

	_, err := svc.RegisterMember(ctx, perpusapi.RegisterRequest{
		Name: "Budi", Username: "budi", Email: "budi@example.com", Password: "secret", ConfirmPassword: "secret",
	})
	require.NoError(t, err)
	warm()
	assert.Equal(t, 2, api.memberCalls)

	_, err = svc.UpdateMember(ctx, 1, perpusapi.MemberUpdate{Name: "Siti A."})
	require.NoError(t, err)
	warm()
	assert.Equal(t, 3, api.memberCalls)

	require.NoError(t, svc.DeleteMember(ctx, 1))
	warm()
	assert.Equal(t, 4, api.memberCalls)

	svc.InvalidateMembers()
	warm()
	assert.Equal(t, 5, api.memberCalls)
}

func TestMemberMutations_FailureKeepsDirectory(t *testing.T) {
	upstream := errors.New("upstream rejected")
	api := &stubAPI{members: []model.Member{{ID: 1}}, mutationErr: upstream}
	svc := newTestService(api)
	ctx := perpusapi.WithToken(context.Background(), "admin")

	_, err := svc.SearchMembers(ctx, directory.Query{})
	require.NoError(t, err)

	err = svc.DeleteMember(ctx, 1)
	assert.ErrorIs(t, err, upstream)

	_, err = svc.SearchMembers(ctx, directory.Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, api.memberCalls)
}

func TestSearchMembers_VerifiesCallerToken(t *testing.T) {
	t.Run("no token", func(t *testing.T) {
		api := &stubAPI{members: []model.Member{{ID: 1}}}
		svc := newTestService(api)

		_, err := svc.SearchMembers(context.Background(), directory.Query{})
		assert.ErrorIs(t, err, perpusapi.ErrUnauthorized)

		_, err = svc.LookupMembers(context.Background(), "", 5)
		assert.ErrorIs(t, err, perpusapi.ErrUnauthorized)

		assert.Zero(t, api.memberCalls)
		assert.Zero(t, api.verifyCalls)
	})

	t.Run("rejected token with warm directory", func(t *testing.T) {
		api := &stubAPI{members: []model.Member{{ID: 1, Name: "Siti"}}}
		svc := newTestService(api)

		_, err := svc.SearchMembers(perpusapi.WithToken(context.Background(), "admin"), directory.Query{})
		require.NoError(t, err)
		require.Equal(t, 1, svc.directory.Len())

		api.verifyErr = fmt.Errorf("verify token: %w", perpusapi.ErrUnauthorized)
		garbage := perpusapi.WithToken(context.Background(), "garbage")

		_, err = svc.SearchMembers(garbage, directory.Query{})
		assert.ErrorIs(t, err, perpusapi.ErrUnauthorized)

		_, err = svc.LookupMembers(garbage, "siti", 5)
		assert.ErrorIs(t, err, perpusapi.ErrUnauthorized)

		assert.Equal(t, 3, api.verifyCalls, "rejections are not remembered")
		assert.Equal(t, 1, api.memberCalls)
	})

	t.Run("accepted token is remembered until ttl", func(t *testing.T) {
		now := fixedNow
		clock := func() time.Time { return now }
		api := &stubAPI{members: []model.Member{{ID: 1}}}
		svc := NewService(api, directory.NewCache(api, directory.WithClock(clock)),
			WithClock(clock),
			WithTokenTTL(time.Minute),
		)
		ctx := perpusapi.WithToken(context.Background(), "admin")

		for range 3 {
			_, err := svc.SearchMembers(ctx, directory.Query{})
			require.NoError(t, err)
		}
		assert.Equal(t, 1, api.verifyCalls)

		now = now.Add(time.Minute)
		_, err := svc.SearchMembers(ctx, directory.Query{})
		require.NoError(t, err)
		assert.Equal(t, 2, api.verifyCalls)

		_, err = svc.SearchMembers(perpusapi.WithToken(context.Background(), "other"), directory.Query{})
		require.NoError(t, err)
		assert.Equal(t, 3, api.verifyCalls, "each token is verified on its own")
	})
}

func TestRegisterMember_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  perpusapi.RegisterRequest
	}{
		{name: "missing fields", req: perpusapi.RegisterRequest{Name: "Budi"}},
		{name: "password mismatch", req: perpusapi.RegisterRequest{
			Name: "Budi", Username: "budi", Email: "b@example.com", Password: "a", ConfirmPassword: "b",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &stubAPI{}
			svc := newTestService(api)

			_, err := svc.RegisterMember(context.Background(), tt.req)

			assert.ErrorIs(t, err, ErrInvalidMember)
			assert.Empty(t, api.registered)
		})
	}
}

func TestUpdateMember_EmptyUpdate(t *testing.T) {
	api := &stubAPI{}
	svc := newTestService(api)

	_, err := svc.UpdateMember(context.Background(), 1, perpusapi.MemberUpdate{})

	assert.ErrorIs(t, err, ErrInvalidMember)
	assert.Empty(t, api.updated)
}

func TestRunDirectoryRefresh(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		api := &stubAPI{}
		svc := newTestService(api)

		require.NoError(t, svc.RunDirectoryRefresh(context.Background(), 0))
		assert.Equal(t, 0, api.memberCalls)
	})

	t.Run("warms until cancelled", func(t *testing.T) {
		api := &stubAPI{members: []model.Member{{ID: 1}, {ID: 2}}}
		svc := newTestService(api)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- svc.RunDirectoryRefresh(ctx, time.Hour) }()

		require.Eventually(t, func() bool { return svc.directory.Len() == 2 }, time.Second, 5*time.Millisecond)
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestByBorrowDateDesc(t *testing.T) {
	d1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	assert.Negative(t, byBorrowDateDesc(model.LoanView{BorrowDate: &d2}, model.LoanView{BorrowDate: &d1}))
	assert.Positive(t, byBorrowDateDesc(model.LoanView{}, model.LoanView{BorrowDate: &d1}))
	assert.Zero(t, byBorrowDateDesc(model.LoanView{}, model.LoanView{}))
}
