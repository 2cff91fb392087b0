// Package service реализует бизнес-логику шлюза библиотеки perpus.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/perpus-gateway/internal/directory"
	"github.com/mmeshcher/perpus-gateway/internal/loan"
	"github.com/mmeshcher/perpus-gateway/internal/model"
	"github.com/mmeshcher/perpus-gateway/internal/perpusapi"
)

const (
	// DefaultLocation задаёт часовой пояс, в котором считается «сегодня».
	DefaultLocation = "Asia/Jakarta"

	recentLoans        = 5
	dashboardPageSize  = 100
	dashboardMaxPages  = 50
	returnDateLayout   = "2006-01-02"
	tracerInstrumentID = "github.com/mmeshcher/perpus-gateway/internal/service"
)

var (
	ErrLoanNotPending    = errors.New("loan is not awaiting approval")
	ErrLoanNotReturnable = errors.New("loan is not currently borrowed")
	ErrInvalidReturnDate = errors.New("return date is before today")
	ErrInvalidMember     = errors.New("invalid member data")
)

// API описывает контракт внешнего REST API, используемый сервисом.
type API interface {
	directory.Fetcher
	VerifyToken(ctx context.Context) error
	GetMember(ctx context.Context, id int64) (model.Member, error)
	RegisterMember(ctx context.Context, req perpusapi.RegisterRequest) (model.Member, error)
	UpdateMember(ctx context.Context, id int64, upd perpusapi.MemberUpdate) (model.Member, error)
	DeleteMember(ctx context.Context, id int64) error
	ListLoans(ctx context.Context, f perpusapi.LoanFilter) (perpusapi.LoanPage, error)
	GetLoan(ctx context.Context, id int64) (loan.RawLoan, error)
	BorrowBook(ctx context.Context, bookID, memberID int64, req perpusapi.BorrowRequest) (loan.RawLoan, error)
	AcceptLoan(ctx context.Context, id int64) (loan.RawLoan, error)
	ReturnLoan(ctx context.Context, id int64) (loan.RawLoan, error)
}

// Service содержит бизнес-логику шлюза.
type Service struct {
	api       API
	directory *directory.Cache
	resolver  *loan.Resolver
	now       func() time.Time
	location  *time.Location
	logger    *zap.Logger
	tracer    trace.Tracer
	tokenTTL  time.Duration
	gate      *tokenGate
}

// Option настраивает Service.
type Option func(*Service)

// WithClock задаёт источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation задаёт часовой пояс библиотеки.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTokenTTL задаёт, сколько помнится успешная проверка токена вызывающего.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// NewService создаёт сервис поверх клиента API и кэша каталога участников.
func NewService(api API, dir *directory.Cache, opts ...Option) *Service {
	s := &Service{
		api:       api,
		directory: dir,
		now:       time.Now,
		location:  time.UTC,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerInstrumentID),
		tokenTTL:  DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = loan.NewResolver(s.logger)
	s.gate = newTokenGate(api.VerifyToken, s.now, s.tokenTTL)
	return s
}

// Today возвращает текущий момент в часовом поясе библиотеки.
func (s *Service) Today() time.Time {
	return s.now().In(s.location)
}

// LoanList содержит страницу займов с посчитанными статусами.
type LoanList struct {
	Items    []model.LoanView
	Summary  model.LoanSummary
	Total    int
	Page     int
	LastPage int
}

// Dashboard содержит сводку займов участника и последние займы.
type Dashboard struct {
	MemberID int64
	Summary  model.LoanSummary
	Recent   []model.LoanView
}

// ListLoans возвращает страницу займов. Сводка считается по займам страницы.
func (s *Service) ListLoans(ctx context.Context, f perpusapi.LoanFilter) (list LoanList, err error) {
	ctx, span := s.startSpan(ctx, "ListLoans", attribute.Int("page", f.Page))
	defer func() { endSpan(span, err) }()

	page, err := s.api.ListLoans(ctx, f)
	if err != nil {
		return LoanList{}, err
	}

	items := s.resolver.ResolveAll(page.Items, s.Today())
	return LoanList{
		Items:    items,
		Summary:  loan.Summarize(items),
		Total:    page.Total,
		Page:     page.CurrentPage,
		LastPage: page.LastPage,
	}, nil
}

// GetLoan возвращает займ по идентификатору.
func (s *Service) GetLoan(ctx context.Context, id int64) (view model.LoanView, err error) {
	ctx, span := s.startSpan(ctx, "GetLoan", attribute.Int64("loan.id", id))
	defer func() { endSpan(span, err) }()

	return s.loadLoan(ctx, id)
}

// MemberDashboard собирает все займы участника, считает сводку и выбирает последние по дате займа.
func (s *Service) MemberDashboard(ctx context.Context, memberID int64) (d Dashboard, err error) {
	ctx, span := s.startSpan(ctx, "MemberDashboard", attribute.Int64("member.id", memberID))
	defer func() { endSpan(span, err) }()

	today := s.Today()
	var views []model.LoanView
	for page := 1; page <= dashboardMaxPages; page++ {
		res, err := s.api.ListLoans(ctx, perpusapi.LoanFilter{
			Page:     page,
			PerPage:  dashboardPageSize,
			MemberID: memberID,
		})
		if err != nil {
			return Dashboard{}, fmt.Errorf("load member loans page %d: %w", page, err)
		}

		views = append(views, s.resolver.ResolveAll(res.Items, today)...)
		if res.CurrentPage >= res.LastPage || len(res.Items) == 0 {
			break
		}
	}

	recent := slices.Clone(views)
	slices.SortStableFunc(recent, byBorrowDateDesc)
	if len(recent) > recentLoans {
		recent = recent[:recentLoans]
	}
	if recent == nil {
		recent = []model.LoanView{}
	}

	return Dashboard{
		MemberID: memberID,
		Summary:  loan.Summarize(views),
		Recent:   recent,
	}, nil
}

// AcceptLoan подтверждает займ, ожидающий подтверждения.
func (s *Service) AcceptLoan(ctx context.Context, id int64) (view model.LoanView, err error) {
	ctx, span := s.startSpan(ctx, "AcceptLoan", attribute.Int64("loan.id", id))
	defer func() { endSpan(span, err) }()

	current, err := s.loadLoan(ctx, id)
	if err != nil {
		return model.LoanView{}, err
	}
	if !current.Approvable() {
		return model.LoanView{}, fmt.Errorf("%w: loan %d is %s", ErrLoanNotPending, id, current.Status)
	}

	raw, err := s.api.AcceptLoan(ctx, id)
	if err != nil {
		return model.LoanView{}, err
	}

	s.logger.Info("loan accepted", zap.Int64("loan_id", id))
	return s.afterAction(ctx, id, raw)
}

// ReturnLoan отмечает возврат книги по активному или просроченному займу.
func (s *Service) ReturnLoan(ctx context.Context, id int64) (view model.LoanView, err error) {
	ctx, span := s.startSpan(ctx, "ReturnLoan", attribute.Int64("loan.id", id))
	defer func() { endSpan(span, err) }()

	current, err := s.loadLoan(ctx, id)
	if err != nil {
		return model.LoanView{}, err
	}
	if !current.Returnable() {
		return model.LoanView{}, fmt.Errorf("%w: loan %d is %s", ErrLoanNotReturnable, id, current.Status)
	}

	raw, err := s.api.ReturnLoan(ctx, id)
	if err != nil {
		return model.LoanView{}, err
	}

	s.logger.Info("loan returned", zap.Int64("loan_id", id), zap.String("previous_status", string(current.Status)))
	return s.afterAction(ctx, id, raw)
}

// BorrowBook оформляет займ книги участником с плановой датой возврата не раньше сегодняшнего дня.
func (s *Service) BorrowBook(ctx context.Context, bookID, memberID int64, returnDate time.Time) (view model.LoanView, err error) {
	ctx, span := s.startSpan(ctx, "BorrowBook",
		attribute.Int64("book.id", bookID),
		attribute.Int64("member.id", memberID),
	)
	defer func() { endSpan(span, err) }()

	due := loan.CalendarDate(returnDate)
	if due.Before(loan.CalendarDate(s.Today())) {
		return model.LoanView{}, fmt.Errorf("%w: %s", ErrInvalidReturnDate, due.Format(returnDateLayout))
	}

	raw, err := s.api.BorrowBook(ctx, bookID, memberID, perpusapi.BorrowRequest{ReturnDate: due.Format(returnDateLayout)})
	if err != nil {
		return model.LoanView{}, err
	}

	s.logger.Info("book borrowed",
		zap.Int64("book_id", bookID),
		zap.Int64("member_id", memberID),
		zap.String("return_date", due.Format(returnDateLayout)),
	)
	return s.resolver.Resolve(raw, s.Today()), nil
}

// SearchMembers ищет участников в кэше каталога.
// Каталог общий для всех вызывающих, поэтому токен сначала проверяется во внешнем API.
func (s *Service) SearchMembers(ctx context.Context, q directory.Query) (res directory.Result, err error) {
	ctx, span := s.startSpan(ctx, "SearchMembers", attribute.Int("page", q.Page))
	defer func() { endSpan(span, err) }()

	if err := s.gate.check(ctx); err != nil {
		return directory.Result{}, err
	}

	res, err = s.directory.Search(ctx, q)
	if err == nil && res.Stale {
		span.SetAttributes(attribute.Bool("directory.stale", true))
	}
	return res, err
}

// LookupMembers возвращает варианты выбора участника для оформления займа.
func (s *Service) LookupMembers(ctx context.Context, text string, limit int) (opts []model.MemberOption, err error) {
	ctx, span := s.startSpan(ctx, "LookupMembers", attribute.Int("limit", limit))
	defer func() { endSpan(span, err) }()

	if err := s.gate.check(ctx); err != nil {
		return nil, err
	}

	return s.directory.Lookup(ctx, text, limit)
}

// GetMember возвращает участника по идентификатору.
func (s *Service) GetMember(ctx context.Context, id int64) (m model.Member, err error) {
	ctx, span := s.startSpan(ctx, "GetMember", attribute.Int64("member.id", id))
	defer func() { endSpan(span, err) }()

	return s.api.GetMember(ctx, id)
}

// RegisterMember регистрирует участника и сбрасывает кэш каталога.
func (s *Service) RegisterMember(ctx context.Context, req perpusapi.RegisterRequest) (m model.Member, err error) {
	ctx, span := s.startSpan(ctx, "RegisterMember")
	defer func() { endSpan(span, err) }()

	if err := validateRegistration(req); err != nil {
		return model.Member{}, err
	}

	m, err = s.api.RegisterMember(ctx, req)
	if err != nil {
		return model.Member{}, err
	}

	s.directory.Invalidate()
	s.logger.Info("member registered", zap.Int64("member_id", m.ID), zap.String("username", req.Username))
	return m, nil
}

// UpdateMember изменяет данные участника и сбрасывает кэш каталога.
func (s *Service) UpdateMember(ctx context.Context, id int64, upd perpusapi.MemberUpdate) (m model.Member, err error) {
	ctx, span := s.startSpan(ctx, "UpdateMember", attribute.Int64("member.id", id))
	defer func() { endSpan(span, err) }()

	if upd == (perpusapi.MemberUpdate{}) {
		return model.Member{}, fmt.Errorf("%w: nothing to update", ErrInvalidMember)
	}

	m, err = s.api.UpdateMember(ctx, id, upd)
	if err != nil {
		return model.Member{}, err
	}

	s.directory.Invalidate()
	s.logger.Info("member updated", zap.Int64("member_id", id))
	return m, nil
}

// DeleteMember удаляет участника и сбрасывает кэш каталога.
func (s *Service) DeleteMember(ctx context.Context, id int64) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteMember", attribute.Int64("member.id", id))
	defer func() { endSpan(span, err) }()

	if err := s.api.DeleteMember(ctx, id); err != nil {
		return err
	}

	s.directory.Invalidate()
	s.logger.Info("member deleted", zap.Int64("member_id", id))
	return nil
}

// InvalidateMembers принудительно сбрасывает кэш каталога участников.
func (s *Service) InvalidateMembers() {
	s.directory.Invalidate()
}

// RunDirectoryRefresh периодически прогревает кэш каталога до отмены контекста.
// Нулевой интервал отключает прогрев.
func (s *Service) RunDirectoryRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	s.refreshDirectory(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.refreshDirectory(ctx)
		}
	}
}

func (s *Service) refreshDirectory(ctx context.Context) {
	if _, err := s.directory.EnsureFresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("member directory warm-up failed", zap.Error(err))
	}
}

func (s *Service) loadLoan(ctx context.Context, id int64) (model.LoanView, error) {
	raw, err := s.api.GetLoan(ctx, id)
	if err != nil {
		return model.LoanView{}, err
	}
	return s.resolver.Resolve(raw, s.Today()), nil
}

// afterAction возвращает состояние займа после изменения; если API не вернул запись, она перечитывается.
func (s *Service) afterAction(ctx context.Context, id int64, raw loan.RawLoan) (model.LoanView, error) {
	if _, ok := raw.Int("id"); ok {
		return s.resolver.Resolve(raw, s.Today()), nil
	}
	return s.loadLoan(ctx, id)
}

func validateRegistration(req perpusapi.RegisterRequest) error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"name", req.Name},
		{"username", req.Username},
		{"email", req.Email},
		{"password", req.Password},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMember, strings.Join(missing, ", "))
	}
	if req.Password != req.ConfirmPassword {
		return fmt.Errorf("%w: password confirmation does not match", ErrInvalidMember)
	}
	return nil
}

// byBorrowDateDesc сортирует займы от новых к старым; займы без даты идут в конце.
func byBorrowDateDesc(a, b model.LoanView) int {
	switch {
	case a.BorrowDate == nil && b.BorrowDate == nil:
		return 0
	case a.BorrowDate == nil:
		return 1
	case b.BorrowDate == nil:
		return -1
	}
	return b.BorrowDate.Compare(*a.BorrowDate)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
