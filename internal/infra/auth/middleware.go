package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/opsgate/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс, за которым прячется проверка RS256 токенов
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Тип для ключей в контексте (избегаем коллизий)
type ctxKey string

const (
	userIDKey     ctxKey = "user_id"
	userScopesKey ctxKey = "user_scopes"
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), userScopesKey, claims.Scopes)
			ctx = context.WithValue(ctx, userIDKey, claims.UserID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID безопасно достает ID оператора из контекста запроса.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// HasScope проверяет право из токена.
func HasScope(ctx context.Context, scope string) bool {
	scopes, ok := ctx.Value(userScopesKey).(map[string]bool)
	return ok && scopes[scope]
}
