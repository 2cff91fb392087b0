package perpusapi

import (
	"bytes"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/mmeshcher/perpus-gateway/internal/loan"
)

// Ответы API приходят в нескольких обёртках в зависимости от версии бэкенда:
// {"data":{"users":{...}}}, {"users":[...]}, {"data":[...]} или просто массив.

type envelope map[string]jsoniter.RawMessage

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return env, nil
}

func kind(raw jsoniter.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func isArray(raw jsoniter.RawMessage) bool  { return kind(raw) == '[' }
func isObject(raw jsoniter.RawMessage) bool { return kind(raw) == '{' }

// object возвращает вложенный объект по пути ключей.
func (e envelope) object(keys ...string) (envelope, bool) {
	cur := e
	for _, key := range keys {
		raw, ok := cur[key]
		if !ok || !isObject(raw) {
			return nil, false
		}
		var next envelope
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// has сообщает, что ключ присутствует и не равен null.
func (e envelope) has(key string) bool {
	raw, ok := e[key]
	return ok && kind(raw) != 0 && kind(raw) != 'n'
}

// flag читает логический признак. Числа и строки вроде "true", "1", "yes" тоже понимаются.
func (e envelope) flag(key string) bool {
	raw, ok := e[key]
	if !ok {
		return false
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	if n, ok := loan.RawLoan(e).Int(key); ok {
		return n != 0
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y":
		return true
	default:
		return false
	}
}

func (e envelope) number(key string) (int, bool) {
	v, ok := loan.RawLoan(e).Int(key)
	return int(v), ok
}

func decodeRecords(raw jsoniter.RawMessage) ([]loan.RawLoan, error) {
	var records []loan.RawLoan
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	for i := range records {
		if records[i] == nil {
			records[i] = loan.RawLoan{}
		}
	}
	return records, nil
}

// listing описывает список записей с необязательными полями пагинации.
type listing struct {
	records []loan.RawLoan
	// pagination содержит current_page, last_page и total либо равен nil.
	pagination envelope
}

// unwrap принимает массив или объект пагинатора {data:[...], current_page, ...}.
func unwrap(raw jsoniter.RawMessage, holder envelope) (listing, error) {
	if isArray(raw) {
		records, err := decodeRecords(raw)
		return listing{records: records, pagination: holder}, err
	}
	if !isObject(raw) {
		return listing{pagination: holder}, nil
	}

	var page envelope
	if err := json.Unmarshal(raw, &page); err != nil {
		return listing{}, fmt.Errorf("decode page: %w", err)
	}
	if !isArray(page["data"]) {
		return listing{pagination: page}, nil
	}
	records, err := decodeRecords(page["data"])
	return listing{records: records, pagination: page}, err
}

// hasMore вычисляет признак следующей страницы: has_more_pages, иначе current_page < last_page.
func (l listing) hasMore() bool {
	if l.pagination == nil {
		return false
	}
	if l.pagination.flag("has_more_pages") {
		return true
	}

	current, ok := l.pagination.number("current_page")
	if !ok {
		if current, ok = l.pagination.number("page"); !ok {
			current = 1
		}
	}

	last, ok := l.pagination.number("last_page")
	if !ok {
		total, _ := l.pagination.number("total")
		perPage, ok := l.pagination.number("per_page")
		if !ok || perPage <= 0 {
			return false
		}
		last = (total + perPage - 1) / perPage
	}
	return current < last
}

func (l listing) total() int {
	if l.pagination != nil {
		if total, ok := l.pagination.number("total"); ok && total > 0 {
			return total
		}
	}
	return len(l.records)
}

// record выбирает первый найденный объект по списку путей, иначе сам корень.
func record(data []byte, paths ...[]string) (loan.RawLoan, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("decode response: expected object")
	}

	env, err := decodeEnvelope(trimmed)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		if obj, ok := env.object(path...); ok {
			return loan.RawLoan(obj), nil
		}
	}
	return loan.RawLoan(env), nil
}
