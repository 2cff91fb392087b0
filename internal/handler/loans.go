package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/perpus-gateway/internal/model"
	"github.com/mmeshcher/perpus-gateway/internal/perpusapi"
	"github.com/mmeshcher/perpus-gateway/internal/validation"
)

var loanSortFields = []string{"tanggal_peminjaman", "tanggal_pengembalian", "created_at", "status"}

type loanResponse struct {
	ID                  int64   `json:"id"`
	MemberName          string  `json:"member_name"`
	BookTitle           string  `json:"book_title"`
	BookAuthor          string  `json:"book_author"`
	BookCode            string  `json:"book_code"`
	BorrowDate          *string `json:"borrow_date"`
	ScheduledReturnDate *string `json:"scheduled_return_date"`
	ActualReturnDate    *string `json:"actual_return_date"`
	Status              string  `json:"status"`
	StatusLabel         string  `json:"status_label"`
	RemainingDays       *int    `json:"remaining_days"`
	CanAccept           bool    `json:"can_accept"`
	CanReturn           bool    `json:"can_return"`
}

func newLoanResponse(v model.LoanView) loanResponse {
	return loanResponse{
		ID:                  v.ID,
		MemberName:          v.MemberName,
		BookTitle:           v.BookTitle,
		BookAuthor:          v.BookAuthor,
		BookCode:            v.BookCode,
		BorrowDate:          formatDate(v.BorrowDate),
		ScheduledReturnDate: formatDate(v.ScheduledReturnDate),
		ActualReturnDate:    formatDate(v.ActualReturnDate),
		Status:              string(v.Status),
		StatusLabel:         v.Status.Label(),
		RemainingDays:       v.RemainingDays,
		CanAccept:           v.Approvable(),
		CanReturn:           v.Returnable(),
	}
}

func newLoanResponses(views []model.LoanView) []loanResponse {
	resp := make([]loanResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, newLoanResponse(v))
	}
	return resp
}

type loanListResponse struct {
	Data     []loanResponse    `json:"data"`
	Summary  model.LoanSummary `json:"summary"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	LastPage int               `json:"last_page"`
}

type dashboardResponse struct {
	MemberID int64             `json:"member_id"`
	Summary  model.LoanSummary `json:"summary"`
	Recent   []loanResponse    `json:"recent"`
}

type borrowRequest struct {
	MemberID   int64  `json:"member_id"`
	ReturnDate string `json:"return_date"`
}

// ListLoans возвращает страницу займов с посчитанными статусами.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	f, err := loanFilter(r)
	if err != nil {
		h.writeError(w, r, "list loans", err)
		return
	}

	list, err := h.service.ListLoans(r.Context(), f)
	if err != nil {
		h.writeError(w, r, "list loans", err)
		return
	}

	h.writeJSON(w, http.StatusOK, loanListResponse{
		Data:     newLoanResponses(list.Items),
		Summary:  list.Summary,
		Total:    list.Total,
		Page:     list.Page,
		LastPage: list.LastPage,
	})
}

// GetLoan возвращает займ по идентификатору.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "get loan", err)
		return
	}

	view, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get loan", err)
		return
	}

	h.writeJSON(w, http.StatusOK, newLoanResponse(view))
}

// AcceptLoan подтверждает займ.
func (h *Handler) AcceptLoan(w http.ResponseWriter, r *http.Request) {
	h.loanAction(w, r, "accept loan", h.service.AcceptLoan)
}

// ReturnLoan отмечает возврат книги.
func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	h.loanAction(w, r, "return loan", h.service.ReturnLoan)
}

func (h *Handler) loanAction(w http.ResponseWriter, r *http.Request, op string, action func(ctx context.Context, id int64) (model.LoanView, error)) {
	id, err := validation.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}

	view, err := action(r.Context(), id)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newLoanResponse(view))
}

// BorrowBook оформляет займ книги.
func (h *Handler) BorrowBook(w http.ResponseWriter, r *http.Request) {
	bookID, err := validation.ParseID(chi.URLParam(r, "bookID"))
	if err != nil {
		h.writeError(w, r, "borrow book", err)
		return
	}

	var req borrowRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "borrow book", err)
		return
	}
	if req.MemberID <= 0 {
		h.writeError(w, r, "borrow book", fmt.Errorf("%w: member_id must be positive", validation.ErrInvalidParam))
		return
	}
	returnDate, err := validation.ParseDate(req.ReturnDate)
	if err != nil {
		h.writeError(w, r, "borrow book", err)
		return
	}

	view, err := h.service.BorrowBook(r.Context(), bookID, req.MemberID, returnDate)
	if err != nil {
		h.writeError(w, r, "borrow book", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, newLoanResponse(view))
}

// MemberDashboard возвращает сводку займов участника.
func (h *Handler) MemberDashboard(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "member dashboard", err)
		return
	}

	d, err := h.service.MemberDashboard(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "member dashboard", err)
		return
	}

	h.writeJSON(w, http.StatusOK, dashboardResponse{
		MemberID: d.MemberID,
		Summary:  d.Summary,
		Recent:   newLoanResponses(d.Recent),
	})
}

func loanFilter(r *http.Request) (perpusapi.LoanFilter, error) {
	q := r.URL.Query()

	p, err := validation.ParsePagination(q, validation.DefaultPerPage, validation.MaxPerPage)
	if err != nil {
		return perpusapi.LoanFilter{}, err
	}
	sort, err := validation.ParseSort(q, loanSortFields)
	if err != nil {
		return perpusapi.LoanFilter{}, err
	}

	f := perpusapi.LoanFilter{
		Page:          p.Page,
		PerPage:       p.PerPage,
		Search:        strings.TrimSpace(q.Get("search")),
		Status:        strings.TrimSpace(q.Get("status")),
		SortBy:        sort.Field,
		SortDirection: sort.Direction,
	}

	if v := q.Get("member_id"); v != "" {
		if f.MemberID, err = validation.ParseID(v); err != nil {
			return perpusapi.LoanFilter{}, err
		}
	}
	if f.DateStart, err = queryDate(q.Get("date_start")); err != nil {
		return perpusapi.LoanFilter{}, err
	}
	if f.DateEnd, err = queryDate(q.Get("date_end")); err != nil {
		return perpusapi.LoanFilter{}, err
	}

	return f, nil
}

func queryDate(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	d, err := validation.ParseDate(v)
	if err != nil {
		return "", err
	}
	return d.Format(validation.DateLayout), nil
}
