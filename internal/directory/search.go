package directory

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/perpus-gateway/internal/metrics"
	"github.com/mmeshcher/perpus-gateway/internal/model"
)

// DefaultSearchPageSize используется, если размер страницы в запросе не задан.
const DefaultSearchPageSize = 10

// SortDirection задаёт направление сортировки.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// sortKeys содержит поля, по которым допускается сортировка.
var sortKeys = map[string]func(model.Member) string{
	"name":          func(m model.Member) string { return m.Name },
	"username":      func(m model.Member) string { return m.Username },
	"email":         func(m model.Member) string { return m.Email },
	"phone":         func(m model.Member) string { return m.Phone },
	"member_number": func(m model.Member) string { return m.MemberNumber },
	"address":       func(m model.Member) string { return m.Address },
	"status":        func(m model.Member) string { return m.Status },
	"joined_date":   func(m model.Member) string { return m.JoinedDate },
}

// SortFields возвращает поля, по которым допускается сортировка.
func SortFields() []string {
	fields := make([]string, 0, len(sortKeys))
	for k := range sortKeys {
		fields = append(fields, k)
	}
	slices.Sort(fields)
	return fields
}

// Query описывает запрос к каталогу. Page начинается с 1.
type Query struct {
	Text      string
	Page      int
	PageSize  int
	SortField string
	SortDir   SortDirection
}

// Result содержит страницу найденных участников и счётчики для интерфейса.
type Result struct {
	Data          []model.Member
	Total         int
	FilteredTotal int
	Page          int
	PageSize      int
	LastPage      int
	HasMore       bool
	// Stale выставляется, если обновить каталог не удалось и ответ построен по предыдущему снимку.
	Stale bool
}

// Search ищет участников по подстроке без учёта регистра в name, username, email, phone и member_number,
// сортирует и возвращает запрошенную страницу.
func (c *Cache) Search(ctx context.Context, q Query) (Result, error) {
	entries, stale, err := c.entries(ctx)
	if err != nil {
		return Result{}, err
	}

	res := Apply(entries, q)
	res.Stale = stale
	return res, nil
}

// Lookup возвращает до limit вариантов выбора участника для оформления займа.
func (c *Cache) Lookup(ctx context.Context, text string, limit int) ([]model.MemberOption, error) {
	entries, _, err := c.entries(ctx)
	if err != nil {
		return nil, err
	}

	needle := normalize(text)
	options := make([]model.MemberOption, 0)
	for _, m := range entries {
		if limit > 0 && len(options) >= limit {
			break
		}
		if !matches(m, needle) {
			continue
		}
		options = append(options, memberOption(m))
	}
	return options, nil
}

func (c *Cache) entries(ctx context.Context) ([]model.Member, bool, error) {
	entries, err := c.EnsureFresh(ctx)
	if err == nil {
		return entries, false, nil
	}

	prev, ok := c.stale()
	if !ok || ctx.Err() != nil {
		return nil, false, err
	}

	metrics.DirectoryLookups.WithLabelValues("stale").Inc()
	c.logger.Warn("serving stale member directory", zap.Error(err), zap.Int("members", len(prev)))
	return prev, true, nil
}

// Apply фильтрует, сортирует и разбивает на страницы переданный снимок.
// Исходный срез не изменяется.
func Apply(entries []model.Member, q Query) Result {
	page := q.Page
	if page < 1 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize < 1 {
		pageSize = DefaultSearchPageSize
	}

	needle := normalize(q.Text)
	filtered := make([]model.Member, 0, len(entries))
	for _, m := range entries {
		if matches(m, needle) {
			filtered = append(filtered, m)
		}
	}

	if key, ok := sortKeys[q.SortField]; ok {
		desc := q.SortDir == SortDesc
		slices.SortStableFunc(filtered, func(a, b model.Member) int {
			cmp := strings.Compare(strings.ToLower(key(a)), strings.ToLower(key(b)))
			if desc {
				return -cmp
			}
			return cmp
		})
	}

	start := len(filtered)
	if page-1 < len(filtered)/pageSize+1 {
		start = min((page-1)*pageSize, len(filtered))
	}
	end := start + min(pageSize, len(filtered)-start)

	lastPage := len(filtered) / pageSize
	if len(filtered)%pageSize != 0 {
		lastPage++
	}
	if lastPage < 1 {
		lastPage = 1
	}

	return Result{
		Data:          filtered[start:end],
		Total:         len(entries),
		FilteredTotal: len(filtered),
		Page:          page,
		PageSize:      pageSize,
		LastPage:      lastPage,
		HasMore:       end < len(filtered),
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matches(m model.Member, needle string) bool {
	if needle == "" {
		return true
	}
	for _, field := range []string{m.Name, m.Username, m.Email, m.Phone, m.MemberNumber} {
		if field != "" && strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func memberOption(m model.Member) model.MemberOption {
	handle := m.Username
	if handle == "" {
		handle = m.Email
	}
	return model.MemberOption{
		ID:       m.ID,
		Text:     m.Name + " (" + handle + ")",
		Name:     m.Name,
		Username: m.Username,
		Email:    m.Email,
	}
}
