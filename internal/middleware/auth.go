// Package middleware содержит HTTP middleware сервиса.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const userIDKey contextKey = "userID"

// TokenVerifier проверяет bearer-токен и возвращает идентификатор пользователя.
type TokenVerifier interface {
	LookupUser(ctx context.Context, bearer string) (string, error)
}

// AuthMiddleware выполняет аутентификацию запросов по bearer-токену
// через внешнего провайдера идентификации.
type AuthMiddleware struct {
	verifier TokenVerifier
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware.
func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Middleware проверяет заголовок Authorization и добавляет идентификатор
// пользователя в контекст запроса. Причина отказа не раскрывается.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bearer == "" {
			writeUnauthorized(w)
			return
		}

		userID, err := a.verifier.LookupUser(r.Context(), bearer)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"ok":false,"error":"UNAUTHORIZED"}`))
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}
