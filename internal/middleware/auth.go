// Package middleware содержит HTTP middleware шлюза perpus.
package middleware

import (
	"net/http"
	"strings"

	"github.com/mmeshcher/perpus-gateway/internal/perpusapi"
)

// AuthMiddleware передаёт bearer-токен вызывающего во внешний API.
// Сервисный токен из конфигурации вызывающим не выдаётся.
type AuthMiddleware struct{}

// NewAuthMiddleware создаёт AuthMiddleware.
func NewAuthMiddleware() *AuthMiddleware {
	return &AuthMiddleware{}
}

// Middleware кладёт токен в контекст запроса или отвечает 401, если токена нет.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(perpusapi.WithToken(r.Context(), token)))
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
