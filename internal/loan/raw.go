// Package loan выводит канонический статус займа из сырых записей внешнего API.
package loan

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawLoan хранит запись займа в том виде, в каком её вернул API.
// Поля декодируются лениво: набор и типы полей зависят от версии API.
type RawLoan map[string]jsoniter.RawMessage

// ParseRawLoan разбирает JSON-объект займа.
func ParseRawLoan(data []byte) (RawLoan, error) {
	var raw RawLoan
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode loan: %w", err)
	}
	if raw == nil {
		raw = RawLoan{}
	}
	return raw, nil
}

// String возвращает непустое скалярное значение поля в виде строки.
// Числа возвращаются в исходной записи, null, пустые строки, объекты и массивы считаются отсутствующими.
func (r RawLoan) String(key string) (string, bool) {
	raw, ok := r[key]
	if !ok {
		return "", false
	}
	return scalarString(raw)
}

// Int возвращает целочисленное значение поля. Строки разбираются по ведущим цифрам.
func (r RawLoan) Int(key string) (int64, bool) {
	raw, ok := r[key]
	if !ok {
		return 0, false
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, false
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, false
		}
		return leadingInt(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		f, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		if f > math.MaxInt64 || f < math.MinInt64 {
			return 0, false
		}
		return int64(math.Trunc(f)), true
	default:
		return 0, false
	}
}

// Object возвращает вложенный объект, например book или member.
func (r RawLoan) Object(key string) (RawLoan, bool) {
	raw, ok := r[key]
	if !ok {
		return nil, false
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}

	var obj RawLoan
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// FirstString перебирает ключи по порядку и возвращает первое непустое значение.
func (r RawLoan) FirstString(keys []string) (string, bool) {
	for _, key := range keys {
		if v, ok := r.String(key); ok {
			return v, true
		}
	}
	return "", false
}

func scalarString(raw jsoniter.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(trimmed), true
	default:
		return "", false
	}
}

// leadingInt разбирает необязательный знак и ведущие цифры: "2", " 3 ", "2 (approved)".
func leadingInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)

	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digitsStart := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digitsStart {
		return 0, false
	}

	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
}

// ParseDate разбирает дату в одном из форматов API и отбрасывает время суток.
// Результат равен полуночи UTC того календарного дня, который указан в исходной записи.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return CalendarDate(t), true
		}
	}
	return time.Time{}, false
}

// CalendarDate приводит момент времени к полуночи UTC его календарного дня в его же часовом поясе.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Hours() / 24))
}
