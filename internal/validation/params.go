// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPerPage = 10
	MaxPerPage     = 100

	DateLayout = "2006-01-02"
)

// ErrInvalidParam оборачивает все ошибки разбора параметров запроса.
var ErrInvalidParam = errors.New("invalid parameter")

// Pagination содержит номер страницы (с 1) и её размер.
type Pagination struct {
	Page    int
	PerPage int
}

// Sort содержит поле и направление сортировки. Пустое поле означает порядок по умолчанию.
type Sort struct {
	Field     string
	Direction string
}

// ParsePagination разбирает page и per_page. Размер страницы больше maxPerPage урезается до maxPerPage.
func ParsePagination(values url.Values, defaultPerPage, maxPerPage int) (Pagination, error) {
	p := Pagination{Page: 1, PerPage: defaultPerPage}

	if v := strings.TrimSpace(values.Get("page")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Pagination{}, fmt.Errorf("%w: page must be a positive integer", ErrInvalidParam)
		}
		p.Page = n
	}

	if v := strings.TrimSpace(values.Get("per_page")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Pagination{}, fmt.Errorf("%w: per_page must be a positive integer", ErrInvalidParam)
		}
		p.PerPage = n
	}
	if maxPerPage > 0 && p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}

	return p, nil
}

// ParseSort разбирает sort_by и sort_direction. Поле должно входить в allowed.
func ParseSort(values url.Values, allowed []string) (Sort, error) {
	field := strings.TrimSpace(values.Get("sort_by"))
	dir := strings.ToLower(strings.TrimSpace(values.Get("sort_direction")))

	if field == "" {
		return Sort{}, nil
	}
	if !slices.Contains(allowed, field) {
		return Sort{}, fmt.Errorf("%w: unsupported sort_by %q", ErrInvalidParam, field)
	}

	switch dir {
	case "":
		dir = "asc"
	case "asc", "desc":
	default:
		return Sort{}, fmt.Errorf("%w: sort_direction must be asc or desc", ErrInvalidParam)
	}

	return Sort{Field: field, Direction: dir}, nil
}

// ParseID разбирает положительный целочисленный идентификатор.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: id %q", ErrInvalidParam, s)
	}
	return id, nil
}

// ParseDate разбирает дату в формате YYYY-MM-DD и возвращает полночь UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidParam, s)
	}
	return t, nil
}
