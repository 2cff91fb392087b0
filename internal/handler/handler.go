// Package handler содержит HTTP-обработчики API шлюза perpus.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mmeshcher/perpus-gateway/internal/directory"
	"github.com/mmeshcher/perpus-gateway/internal/middleware"
	"github.com/mmeshcher/perpus-gateway/internal/model"
	"github.com/mmeshcher/perpus-gateway/internal/perpusapi"
	"github.com/mmeshcher/perpus-gateway/internal/service"
	"github.com/mmeshcher/perpus-gateway/internal/validation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxRequestBody = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ListLoans(ctx context.Context, f perpusapi.LoanFilter) (service.LoanList, error)
	GetLoan(ctx context.Context, id int64) (model.LoanView, error)
	MemberDashboard(ctx context.Context, memberID int64) (service.Dashboard, error)
	AcceptLoan(ctx context.Context, id int64) (model.LoanView, error)
	ReturnLoan(ctx context.Context, id int64) (model.LoanView, error)
	BorrowBook(ctx context.Context, bookID, memberID int64, returnDate time.Time) (model.LoanView, error)

	SearchMembers(ctx context.Context, q directory.Query) (directory.Result, error)
	LookupMembers(ctx context.Context, text string, limit int) ([]model.MemberOption, error)
	GetMember(ctx context.Context, id int64) (model.Member, error)
	RegisterMember(ctx context.Context, req perpusapi.RegisterRequest) (model.Member, error)
	UpdateMember(ctx context.Context, id int64, upd perpusapi.MemberUpdate) (model.Member, error)
	DeleteMember(ctx context.Context, id int64) error
	InvalidateMembers()
}

// Handler реализует HTTP-обработчики API шлюза.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// Health сообщает, что процесс жив.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// writeError переводит ошибки сервиса и внешнего API в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var se *perpusapi.StatusError

	switch {
	case errors.Is(err, validation.ErrInvalidParam),
		errors.Is(err, service.ErrInvalidReturnDate),
		errors.Is(err, service.ErrInvalidMember):
		h.writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, perpusapi.ErrUnauthorized):
		h.writeMessage(w, http.StatusUnauthorized, "")
	case errors.Is(err, perpusapi.ErrForbidden):
		h.writeMessage(w, http.StatusForbidden, "")
	case errors.Is(err, perpusapi.ErrNotFound):
		h.writeMessage(w, http.StatusNotFound, "")
	case errors.Is(err, service.ErrLoanNotPending),
		errors.Is(err, service.ErrLoanNotReturnable):
		h.writeMessage(w, http.StatusConflict, err.Error())
	case errors.As(err, &se) && forwardable(se.Code):
		h.writeMessage(w, se.Code, se.Message)
	case errors.Is(err, context.Canceled):
		h.logger.Debug("request cancelled", zap.String("op", op))
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("upstream timeout", zap.String("op", op), zap.Error(err))
		h.writeMessage(w, http.StatusGatewayTimeout, "")
	default:
		h.logger.Error(op+" error",
			zap.Error(err),
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		h.writeMessage(w, http.StatusBadGateway, "")
	}
}

// forwardable сообщает, что ответ API с этим кодом описывает ошибку клиента и передаётся как есть.
func forwardable(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusConflict || code == http.StatusUnprocessableEntity
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", validation.ErrInvalidParam, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed JSON body", validation.ErrInvalidParam)
	}
	return nil
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(validation.DateLayout)
	return &s
}
