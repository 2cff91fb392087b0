package perpusapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mmeshcher/perpus-gateway/internal/loan"
)

// LoanFilter задаёт параметры списка займов. Нулевые значения не передаются.
type LoanFilter struct {
	Page          int
	PerPage       int
	Search        string
	MemberID      int64
	Status        string
	DateStart     string
	DateEnd       string
	SortBy        string
	SortDirection string
}

func (f LoanFilter) values() url.Values {
	q := url.Values{}
	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	set := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	set("search", f.Search)
	if f.MemberID > 0 {
		q.Set("member_id", strconv.FormatInt(f.MemberID, 10))
	}
	set("status", f.Status)
	set("date_start", f.DateStart)
	set("date_end", f.DateEnd)
	set("sort_by", f.SortBy)
	set("sort_direction", f.SortDirection)
	return q
}

// LoanPage содержит страницу сырых записей займов.
type LoanPage struct {
	Items       []loan.RawLoan
	Total       int
	CurrentPage int
	LastPage    int
}

// BorrowRequest описывает оформление займа: плановая дата возврата в формате YYYY-MM-DD.
type BorrowRequest struct {
	ReturnDate string `json:"tanggal_pengembalian"`
}

// ListLoans возвращает страницу займов.
func (c *Client) ListLoans(ctx context.Context, f LoanFilter) (LoanPage, error) {
	data, err := c.get(ctx, "/peminjaman", f.values())
	if err != nil {
		return LoanPage{}, fmt.Errorf("list loans: %w", err)
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		return LoanPage{}, fmt.Errorf("list loans: %w", err)
	}

	var l listing
	if inner, ok := env.object("data"); ok && inner.has("peminjaman") {
		l, err = unwrap(inner["peminjaman"], nil)
	} else if env.has("peminjaman") {
		l, err = unwrap(env["peminjaman"], nil)
	} else {
		l, err = unwrap(env["data"], env)
	}
	if err != nil {
		return LoanPage{}, fmt.Errorf("list loans: %w", err)
	}

	page := LoanPage{
		Items:       l.records,
		Total:       l.total(),
		CurrentPage: 1,
		LastPage:    1,
	}
	if page.Items == nil {
		page.Items = []loan.RawLoan{}
	}
	if l.pagination != nil {
		if v, ok := l.pagination.number("current_page"); ok && v > 0 {
			page.CurrentPage = v
		}
		if v, ok := l.pagination.number("last_page"); ok && v > 0 {
			page.LastPage = v
		}
	}
	return page, nil
}

// GetLoan возвращает запись займа по идентификатору.
func (c *Client) GetLoan(ctx context.Context, id int64) (loan.RawLoan, error) {
	data, err := c.get(ctx, "/peminjaman/show/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, fmt.Errorf("get loan %d: %w", id, err)
	}
	return loanRecord(data, id)
}

// BorrowBook оформляет займ книги участником.
func (c *Client) BorrowBook(ctx context.Context, bookID, memberID int64, req BorrowRequest) (loan.RawLoan, error) {
	path := "/peminjaman/book/" + strconv.FormatInt(bookID, 10) + "/member/" + strconv.FormatInt(memberID, 10)
	data, err := c.postJSON(ctx, path, req)
	if err != nil {
		return nil, fmt.Errorf("borrow book %d: %w", bookID, err)
	}
	return loanRecord(data, 0)
}

// AcceptLoan подтверждает займ. API принимает подтверждение GET-запросом, поэтому он не повторяется.
func (c *Client) AcceptLoan(ctx context.Context, id int64) (loan.RawLoan, error) {
	data, err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    "/peminjaman/" + strconv.FormatInt(id, 10) + "/accept",
		noRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("accept loan %d: %w", id, err)
	}
	return loanRecord(data, id)
}

// ReturnLoan отмечает возврат книги по займу.
func (c *Client) ReturnLoan(ctx context.Context, id int64) (loan.RawLoan, error) {
	data, err := c.postJSON(ctx, "/peminjaman/book/"+strconv.FormatInt(id, 10)+"/return", struct{}{})
	if err != nil {
		return nil, fmt.Errorf("return loan %d: %w", id, err)
	}
	return loanRecord(data, id)
}

// loanRecord ищет запись займа в обёртках data.peminjaman, peminjaman, data.book, book, data.
// Ответ show иногда кладёт займ под ключ book, поэтому кандидат проверяется на поля займа.
func loanRecord(data []byte, id int64) (loan.RawLoan, error) {
	root, err := record(data)
	if err != nil {
		return nil, fmt.Errorf("loan %d: %w", id, err)
	}

	env := envelope(root)
	for _, path := range [][]string{
		{"data", "peminjaman"},
		{"peminjaman"},
		{"data", "book"},
		{"book"},
		{"data"},
	} {
		if obj, ok := env.object(path...); ok && looksLikeLoan(loan.RawLoan(obj)) {
			return loan.RawLoan(obj), nil
		}
	}
	return root, nil
}

func looksLikeLoan(r loan.RawLoan) bool {
	for _, key := range []string{"status", "id_buku", "id_member", "tanggal_peminjaman"} {
		if _, ok := r[key]; ok {
			return true
		}
	}
	return false
}
