// Package middleware содержит HTTP middleware сервиса лояльности.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const (
	salonIDKey contextKey = "salonID"
	staffIDKey contextKey = "staffID"
)

const (
	authCookieName = "auth_token"
	bearerPrefix   = "Bearer "
)

// AuthMiddleware проверяет подписанный токен сотрудника салона.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// При пустом ключе генерируется случайный: токены действуют до перезапуска процесса.
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
	}
}

// Middleware проверяет токен из заголовка Authorization или cookie
// и добавляет идентификаторы салона и сотрудника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := tokenFromRequest(r)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		salonID, staffID, ok := a.ParseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), salonIDKey, salonID)
		ctx = context.WithValue(ctx, staffIDKey, staffID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)), true
	}

	cookie, err := r.Cookie(authCookieName)
	if err != nil {
		return "", false
	}
	return cookie.Value, true
}

// IssueToken подписывает токен сотрудника салона.
func (a *AuthMiddleware) IssueToken(salonID, staffID int64) string {
	payload := strconv.FormatInt(salonID, 10) + "." + strconv.FormatInt(staffID, 10)
	return payload + "." + a.sign(payload)
}

// ParseToken проверяет подпись токена и возвращает идентификаторы салона и сотрудника.
func (a *AuthMiddleware) ParseToken(token string) (salonID, staffID int64, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, 0, false
	}

	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(a.sign(payload))) {
		return 0, 0, false
	}

	salonID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || salonID <= 0 {
		return 0, 0, false
	}
	staffID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || staffID < 0 {
		return 0, 0, false
	}

	return salonID, staffID, true
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetSalonID извлекает идентификатор салона из контекста запроса.
func GetSalonID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(salonIDKey).(int64)
	return id, ok
}

// GetStaffID извлекает идентификатор сотрудника из контекста запроса.
func GetStaffID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(staffIDKey).(int64)
	return id, ok
}
