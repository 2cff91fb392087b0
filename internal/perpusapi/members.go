package perpusapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mmeshcher/perpus-gateway/internal/loan"
	"github.com/mmeshcher/perpus-gateway/internal/model"
)

// RegisterRequest описывает регистрацию нового участника.
type RegisterRequest struct {
	Name            string `json:"name"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// MemberUpdate содержит изменяемые поля участника. Пустые поля не отправляются.
type MemberUpdate struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Address  string `json:"address,omitempty"`
	Status   string `json:"status,omitempty"`
}

// FetchMembers загружает одну страницу списка участников, новые первыми.
func (c *Client) FetchMembers(ctx context.Context, page, perPage int) (model.MemberPage, error) {
	query := url.Values{
		"page":           {strconv.Itoa(page)},
		"per_page":       {strconv.Itoa(perPage)},
		"sort_by":        {"created_at"},
		"sort_direction": {"desc"},
	}

	data, err := c.get(ctx, "/user/member/all", query)
	if err != nil {
		return model.MemberPage{}, fmt.Errorf("fetch members: %w", err)
	}

	l, err := parseMemberListing(data)
	if err != nil {
		return model.MemberPage{}, fmt.Errorf("fetch members: %w", err)
	}

	members := make([]model.Member, 0, len(l.records))
	for _, r := range l.records {
		members = append(members, memberFromRecord(r))
	}

	return model.MemberPage{
		Members: members,
		HasMore: l.hasMore(),
		Total:   l.total(),
	}, nil
}

// VerifyToken проверяет токен вызывающего из контекста минимальным запросом списка участников.
// Запасной токен клиента здесь не используется.
func (c *Client) VerifyToken(ctx context.Context) error {
	if _, ok := TokenFromContext(ctx); !ok {
		return ErrUnauthorized
	}

	query := url.Values{"page": {"1"}, "per_page": {"1"}}
	if _, err := c.get(ctx, "/user/member/all", query); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	return nil
}

// GetMember возвращает участника по идентификатору.
func (c *Client) GetMember(ctx context.Context, id int64) (model.Member, error) {
	data, err := c.get(ctx, "/user/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return model.Member{}, fmt.Errorf("get member %d: %w", id, err)
	}

	r, err := record(data, []string{"data", "user"}, []string{"user"})
	if err != nil {
		return model.Member{}, fmt.Errorf("get member %d: %w", id, err)
	}
	return memberFromRecord(r), nil
}

// RegisterMember регистрирует участника. API принимает форму application/x-www-form-urlencoded.
func (c *Client) RegisterMember(ctx context.Context, req RegisterRequest) (model.Member, error) {
	form := url.Values{
		"name":             {req.Name},
		"username":         {req.Username},
		"email":            {req.Email},
		"password":         {req.Password},
		"confirm_password": {req.ConfirmPassword},
	}

	data, err := c.postForm(ctx, "/register", form)
	if err != nil {
		return model.Member{}, fmt.Errorf("register member: %w", err)
	}
	return memberFromResponse(data, model.Member{Name: req.Name, Username: req.Username, Email: req.Email}), nil
}

// UpdateMember изменяет данные участника.
func (c *Client) UpdateMember(ctx context.Context, id int64, upd MemberUpdate) (model.Member, error) {
	data, err := c.postJSON(ctx, "/user/"+strconv.FormatInt(id, 10)+"/update", upd)
	if err != nil {
		return model.Member{}, fmt.Errorf("update member %d: %w", id, err)
	}
	return memberFromResponse(data, model.Member{ID: id, Name: upd.Name}), nil
}

// DeleteMember удаляет участника.
func (c *Client) DeleteMember(ctx context.Context, id int64) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, path: "/user/" + strconv.FormatInt(id, 10) + "/delete"})
	if err != nil {
		return fmt.Errorf("delete member %d: %w", id, err)
	}
	return nil
}

// parseMemberListing распознаёт обёртки в порядке data.users, users, data (массив), корневой массив.
func parseMemberListing(data []byte) (listing, error) {
	trimmed := bytes.TrimSpace(data)
	if isArray(trimmed) {
		records, err := decodeRecords(trimmed)
		return listing{records: records}, err
	}

	env, err := decodeEnvelope(trimmed)
	if err != nil {
		return listing{}, err
	}

	if inner, ok := env.object("data"); ok && inner.has("users") {
		return unwrap(inner["users"], nil)
	}
	if env.has("users") {
		return unwrap(env["users"], nil)
	}
	if env.has("data") {
		return unwrap(env["data"], env)
	}
	return listing{}, nil
}

// memberFromResponse разбирает участника из ответа на изменение; если записи нет, возвращает fallback.
func memberFromResponse(data []byte, fallback model.Member) model.Member {
	r, err := record(data, []string{"data", "user"}, []string{"user"}, []string{"data"})
	if err != nil {
		return fallback
	}
	if _, ok := r.Int("id"); !ok {
		return fallback
	}
	return memberFromRecord(r)
}

func memberFromRecord(r loan.RawLoan) model.Member {
	id, _ := r.Int("id")
	m := model.Member{ID: id}
	m.Name, _ = r.String("name")
	m.Username, _ = r.String("username")
	m.Email, _ = r.String("email")
	m.Phone, _ = r.String("phone")
	m.MemberNumber, _ = r.String("member_number")
	m.Address, _ = r.String("address")
	m.Status, _ = r.String("status")
	m.JoinedDate, _ = r.FirstString([]string{"joined_date", "created_at"})
	return m
}
