// Package auth проверяет JWT пользователя и кладёт данные запрашивающего в контекст.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"

	TokenBlacklistPrefix = "auth:token:blacklist:"
	DefaultCookieName    = "token"
)

var ErrUnauthorized = errors.New("unauthorized")

type Requester struct {
	UserID  string
	Role    Role
	IsAdmin bool
}

// Admin возвращает true для администраторов по флагу или роли.
func (r Requester) Admin() bool {
	return r.IsAdmin || r.Role == RoleAdmin
}

type Claims struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	IsAdmin bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

func WithRequester(ctx context.Context, r Requester) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

func FromContext(ctx context.Context) (Requester, bool) {
	r, ok := ctx.Value(ctxKey{}).(Requester)
	return r, ok
}

type Authenticator struct {
	secret     []byte
	rdb        *redis.Client
	cookieName string
	logger     *zap.Logger
}

func NewAuthenticator(secret []byte, rdb *redis.Client, cookieName string, logger *zap.Logger) *Authenticator {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Authenticator{
		secret:     secret,
		rdb:        rdb,
		cookieName: cookieName,
		logger:     logger.With(zap.String("component", "auth")),
	}
}

// Authenticate извлекает токен из заголовка Authorization или cookie и проверяет его.
func (a *Authenticator) Authenticate(r *http.Request) (Requester, error) {
	tokenString, err := a.tokenFromRequest(r)
	if err != nil {
		return Requester{}, err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Requester{}, ErrUnauthorized
	}

	if claims.UserID == "" {
		return Requester{}, ErrUnauthorized
	}

	if a.rdb != nil && claims.ID != "" {
		exists, redisErr := a.rdb.Exists(r.Context(), TokenBlacklistPrefix+claims.ID).Result()
		if redisErr != nil {
			return Requester{}, redisErr
		}
		if exists > 0 {
			return Requester{}, ErrUnauthorized
		}
	}

	return Requester{
		UserID:  claims.UserID,
		Role:    Role(strings.ToLower(claims.Role)),
		IsAdmin: claims.IsAdmin,
	}, nil
}

// Revoke заносит jti токена в чёрный список до истечения его срока.
func (a *Authenticator) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if a.rdb == nil || jti == "" {
		return nil
	}
	return a.rdb.Set(ctx, TokenBlacklistPrefix+jti, "1", ttl).Err()
}

// Middleware пропускает только аутентифицированные запросы.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requester, err := a.Authenticate(r)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "Not authorized. Please log in again.")
				return
			}
			a.logger.Error("token check failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), requester)))
	})
}

// RequireAdmin должен стоять после Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requester, ok := FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authorized. Please log in again.")
			return
		}
		if !requester.Admin() {
			writeError(w, http.StatusForbidden, "Access denied. Admins only.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken подписывает токен с заданными данными. Используется сервисом
// аутентификации и тестами.
func IssueToken(secret []byte, jti string, requester Requester, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:  requester.UserID,
		Role:    string(requester.Role),
		IsAdmin: requester.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (a *Authenticator) tokenFromRequest(r *http.Request) (string, error) {
	if token, err := extractBearerToken(r.Header.Get("Authorization")); err == nil {
		return token, nil
	}

	if cookie, err := r.Cookie(a.cookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token, nil
		}
	}

	return "", ErrUnauthorized
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrUnauthorized
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrUnauthorized
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrUnauthorized
	}

	return token, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
	})
}
