// Package middleware содержит HTTP middleware сервиса учёта переводов.
package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmeshcher/tipledger/internal/model"
	"github.com/mmeshcher/tipledger/internal/validation"
)

type contextKey string

const principalKey contextKey = "principal"

const (
	authCookieName = "auth_token"
	tokenIssuer    = "tipledger"
	// DefaultTokenTTL задаёт срок действия токена, выпущенного через -issue-token.
	DefaultTokenTTL = 24 * time.Hour
)

// AuthMiddleware определяет вызывающего по JWT (HS256) из заголовка Authorization
// или cookie auth_token. Учётная запись берётся из claim sub.
type AuthMiddleware struct {
	secretKey []byte
	now       func() time.Time
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом секрете генерируется случайный ключ.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		now:       time.Now,
	}
}

// Middleware проверяет токен и добавляет учётную запись вызывающего в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			if cookie, err := r.Cookie(authCookieName); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		principal, err := a.parseToken(token)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken подписывает токен для учётной записи.
func (a *AuthMiddleware) IssueToken(p model.Principal, ttl time.Duration) (string, error) {
	if !validation.IsValidPrincipal(string(p)) {
		return "", fmt.Errorf("malformed principal %q", p)
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   string(p),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *AuthMiddleware) parseToken(tokenString string) (model.Principal, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secretKey, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	if !validation.IsValidPrincipal(claims.Subject) {
		return "", fmt.Errorf("malformed subject %q", claims.Subject)
	}
	return model.Principal(claims.Subject), nil
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// GetPrincipalFromContext извлекает учётную запись вызывающего из контекста запроса.
func GetPrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok
}
