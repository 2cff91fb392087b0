// Package model содержит доменные сущности шлюза библиотеки perpus.
package model

import "time"

// LoanStatus описывает канонический статус займа книги.
type LoanStatus string

const (
	LoanStatusPending  LoanStatus = "pending"
	LoanStatusActive   LoanStatus = "active"
	LoanStatusOverdue  LoanStatus = "overdue"
	LoanStatusReturned LoanStatus = "returned"
)

// Label возвращает подпись статуса для интерфейса.
func (s LoanStatus) Label() string {
	switch s {
	case LoanStatusPending:
		return "Menunggu Persetujuan"
	case LoanStatusActive:
		return "Dipinjam"
	case LoanStatusOverdue:
		return "Terlambat"
	case LoanStatusReturned:
		return "Sudah Dikembalikan"
	default:
		return "Status Tidak Diketahui"
	}
}

// LoanView описывает нормализованное представление займа.
// Даты хранятся как полночь UTC календарного дня; nil означает отсутствие даты.
type LoanView struct {
	ID                  int64
	MemberName          string
	BookTitle           string
	BookAuthor          string
	BookCode            string
	BorrowDate          *time.Time
	ScheduledReturnDate *time.Time
	ActualReturnDate    *time.Time
	Status              LoanStatus
	// RemainingDays задано только для статусов Active и Overdue при известной дате возврата.
	RemainingDays *int
}

// Returnable сообщает, можно ли вернуть книгу по этому займу.
func (v LoanView) Returnable() bool {
	return v.Status == LoanStatusActive || v.Status == LoanStatusOverdue
}

// Approvable сообщает, ожидает ли займ подтверждения.
func (v LoanView) Approvable() bool {
	return v.Status == LoanStatusPending
}

// LoanSummary содержит счётчики займов для панели участника.
type LoanSummary struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Active   int `json:"active"`
	Overdue  int `json:"overdue"`
	Returned int `json:"returned"`
}

// Member описывает запись каталога участников библиотеки.
type Member struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	MemberNumber string `json:"member_number,omitempty"`
	Address      string `json:"address,omitempty"`
	Status       string `json:"status,omitempty"`
	JoinedDate   string `json:"joined_date,omitempty"`
}

// MemberPage описывает одну страницу списка участников из внешнего API.
type MemberPage struct {
	Members []Member
	HasMore bool
	Total   int
}

// MemberOption описывает вариант выбора участника при оформлении займа.
type MemberOption struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}
