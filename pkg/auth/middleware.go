package auth

import (
	"context"
	"net/http"
	"strings"
)

type ownerKey struct{}

// WithOwner кладёт владельца в контекст
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext возвращает владельца; пустая строка - анонимный вызов
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// OwnerFromRequest удобная обёртка для rate limit ключей
func OwnerFromRequest(r *http.Request) string {
	return OwnerFromContext(r.Context())
}

// BearerToken извлекает токен из заголовка Authorization
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ErrorFunc пишет ответ при отказе в аутентификации
type ErrorFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware проверяет bearer токен и кладёт владельца в контекст.
// Без токена запрос анонимный, если required=false.
// Присланный, но невалидный токен отклоняется всегда.
func Middleware(m *JWTManager, required bool, onError ErrorFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				if required {
					onError(w, r, ErrMissingToken)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			claims, err := m.ValidateToken(token)
			if err != nil {
				onError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), claims.Owner())))
		})
	}
}
