package loan

import (
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/perpus-gateway/internal/metrics"
	"github.com/mmeshcher/perpus-gateway/internal/model"
)

// Числовые коды статуса займа во внешнем API.
const (
	codePending  = 1
	codeApproved = 2
	codeReturned = 3
)

// Resolver выводит LoanView из сырой записи займа.
// Результат зависит только от записи и даты today; логгер фиксирует аномалии данных.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver создаёт Resolver. nil-логгер заменяется на zap.NewNop.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve определяет статус займа и даты для отображения.
//
// Фактическая дата возврата важнее числового кода: при её наличии займ считается возвращённым.
// Иначе код 1 даёт Pending, код 2 даёт Active или Overdue по плановой дате возврата,
// код 3 даёт Returned, а нераспознанный код даёт Pending.
func (r *Resolver) Resolve(raw RawLoan, today time.Time) model.LoanView {
	id, _ := raw.Int("id")
	view := model.LoanView{
		ID:         id,
		MemberName: lookupOr(raw, MemberName, NameUnavailable),
		BookTitle:  lookupOr(raw, BookTitle, TitleUnavailable),
		BookAuthor: lookupOr(raw, BookAuthor, AuthorUnavailable),
		BookCode:   lookupOr(raw, BookCode, CodeUnavailable),
	}
	view.BorrowDate = r.date(raw, BorrowDate, id)
	view.ScheduledReturnDate = r.date(raw, ScheduledReturnDate, id)

	if _, returned := ActualReturnDate.Lookup(raw); returned {
		view.ActualReturnDate = r.date(raw, ActualReturnDate, id)
		view.Status = model.LoanStatusReturned
		return view
	}

	code, ok := raw.Int(Status.Aliases[0])
	if !ok {
		r.anomaly("unparseable_status", id)
		view.Status = model.LoanStatusPending
		return view
	}

	switch code {
	case codePending:
		view.Status = model.LoanStatusPending
	case codeApproved:
		view.Status, view.RemainingDays = approvedStatus(view.ScheduledReturnDate, today)
	case codeReturned:
		view.Status = model.LoanStatusReturned
	default:
		r.anomaly("unknown_status", id, zap.Int64("code", code))
		view.Status = model.LoanStatusPending
	}

	return view
}

// ResolveAll применяет Resolve к каждой записи, сохраняя порядок.
func (r *Resolver) ResolveAll(raws []RawLoan, today time.Time) []model.LoanView {
	views := make([]model.LoanView, 0, len(raws))
	for _, raw := range raws {
		views = append(views, r.Resolve(raw, today))
	}
	return views
}

func approvedStatus(scheduled *time.Time, today time.Time) (model.LoanStatus, *int) {
	if scheduled == nil {
		return model.LoanStatusActive, nil
	}

	days := daysBetween(CalendarDate(today), *scheduled)
	if days < 0 {
		return model.LoanStatusOverdue, &days
	}
	return model.LoanStatusActive, &days
}

func (r *Resolver) date(raw RawLoan, f Field, id int64) *time.Time {
	date, present := f.Date(raw)
	if present && date == nil {
		r.anomaly("malformed_date", id, zap.String("field", f.Name))
	}
	return date
}

func (r *Resolver) anomaly(kind string, id int64, fields ...zap.Field) {
	metrics.ResolverAnomalies.WithLabelValues(kind).Inc()
	r.logger.Warn("loan record anomaly",
		append([]zap.Field{zap.String("kind", kind), zap.Int64("loanID", id)}, fields...)...)
}

func lookupOr(raw RawLoan, f NestedField, fallback string) string {
	if v, ok := f.Lookup(raw); ok {
		return v
	}
	return fallback
}

// Summarize подсчитывает займы по статусам для панели участника.
func Summarize(views []model.LoanView) model.LoanSummary {
	s := model.LoanSummary{Total: len(views)}
	for _, v := range views {
		switch v.Status {
		case model.LoanStatusPending:
			s.Pending++
		case model.LoanStatusActive:
			s.Active++
		case model.LoanStatusOverdue:
			s.Overdue++
		case model.LoanStatusReturned:
			s.Returned++
		}
	}
	return s
}
