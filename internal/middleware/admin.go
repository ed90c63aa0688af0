package middleware

import (
	"crypto/hmac"
	"net/http"
)

const adminTokenHeader = "X-Admin-Token"

// AdminAuth проверяет административный токен в заголовке запроса.
// Администраторские вызовы программные, поэтому вместо cookie используется
// заголовок; сравнение токенов за константное время.
type AdminAuth struct {
	token []byte
}

// NewAdminAuth создаёт middleware проверки административного токена.
func NewAdminAuth(token string) *AdminAuth {
	return &AdminAuth{token: []byte(token)}
}

// Middleware отклоняет запросы без корректного административного токена.
// При пустом настроенном токене административный доступ закрыт полностью.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(adminTokenHeader)
		if len(a.token) == 0 || !hmac.Equal([]byte(got), a.token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
