package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/perpus-gateway/internal/directory"
	"github.com/mmeshcher/perpus-gateway/internal/model"
	"github.com/mmeshcher/perpus-gateway/internal/perpusapi"
	"github.com/mmeshcher/perpus-gateway/internal/validation"
)

const (
	defaultLookupLimit = 10
	maxLookupLimit     = 50
)

type memberListResponse struct {
	Data          []model.Member `json:"data"`
	Total         int            `json:"total"`
	FilteredTotal int            `json:"filtered_total"`
	Page          int            `json:"page"`
	PerPage       int            `json:"per_page"`
	LastPage      int            `json:"last_page"`
	HasMore       bool           `json:"has_more"`
	Stale         bool           `json:"stale"`
}

// SearchMembers ищет участников в кэшированном каталоге.
func (h *Handler) SearchMembers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	p, err := validation.ParsePagination(q, directory.DefaultSearchPageSize, validation.MaxPerPage)
	if err != nil {
		h.writeError(w, r, "search members", err)
		return
	}
	sort, err := validation.ParseSort(q, directory.SortFields())
	if err != nil {
		h.writeError(w, r, "search members", err)
		return
	}

	res, err := h.service.SearchMembers(r.Context(), directory.Query{
		Text:      q.Get("q"),
		Page:      p.Page,
		PageSize:  p.PerPage,
		SortField: sort.Field,
		SortDir:   directory.SortDirection(sort.Direction),
	})
	if err != nil {
		h.writeError(w, r, "search members", err)
		return
	}

	data := res.Data
	if data == nil {
		data = []model.Member{}
	}
	h.writeJSON(w, http.StatusOK, memberListResponse{
		Data:          data,
		Total:         res.Total,
		FilteredTotal: res.FilteredTotal,
		Page:          res.Page,
		PerPage:       res.PageSize,
		LastPage:      res.LastPage,
		HasMore:       res.HasMore,
		Stale:         res.Stale,
	})
}

// LookupMembers возвращает варианты выбора участника для формы займа.
func (h *Handler) LookupMembers(w http.ResponseWriter, r *http.Request) {
	limit := defaultLookupLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, r, "lookup members", fmt.Errorf("%w: limit must be a positive number", validation.ErrInvalidParam))
			return
		}
		limit = min(n, maxLookupLimit)
	}

	opts, err := h.service.LookupMembers(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.writeError(w, r, "lookup members", err)
		return
	}
	if opts == nil {
		opts = []model.MemberOption{}
	}

	h.writeJSON(w, http.StatusOK, opts)
}

// GetMember возвращает участника по идентификатору.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "get member", err)
		return
	}

	m, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get member", err)
		return
	}

	h.writeJSON(w, http.StatusOK, m)
}

// RegisterMember регистрирует нового участника.
func (h *Handler) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req perpusapi.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "register member", err)
		return
	}

	m, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "register member", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, m)
}

// UpdateMember изменяет данные участника.
func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "update member", err)
		return
	}

	var upd perpusapi.MemberUpdate
	if err := decodeBody(r, &upd); err != nil {
		h.writeError(w, r, "update member", err)
		return
	}

	m, err := h.service.UpdateMember(r.Context(), id, upd)
	if err != nil {
		h.writeError(w, r, "update member", err)
		return
	}

	h.writeJSON(w, http.StatusOK, m)
}

// DeleteMember удаляет участника.
func (h *Handler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "delete member", err)
		return
	}

	if err := h.service.DeleteMember(r.Context(), id); err != nil {
		h.writeError(w, r, "delete member", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// InvalidateMembers сбрасывает кэш каталога участников.
func (h *Handler) InvalidateMembers(w http.ResponseWriter, r *http.Request) {
	h.service.InvalidateMembers()
	w.WriteHeader(http.StatusAccepted)
}
