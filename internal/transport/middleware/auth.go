package middleware

import (
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	errors "github.com/creatorhub/membership-billing/internal"
	"github.com/creatorhub/membership-billing/pkg/logger"
)

// Auth verifies RS256 bearer tokens issued by the platform's identity
// service and places the authenticated user id on the request context.
// This service only verifies; it never issues tokens.
type Auth struct {
	publicKey *rsa.PublicKey
	logger    *slog.Logger
}

func NewAuth(publicKey *rsa.PublicKey, log *slog.Logger) *Auth {
	return &Auth{publicKey: publicKey, logger: log}
}

func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeAuthError(w, errors.ErrInvalidToken)
			return
		}

		userID, appErr := a.verify(token)
		if appErr != nil {
			a.logger.Warn("token rejected", "error", appErr, "path", r.URL.Path)
			writeAuthError(w, appErr)
			return
		}

		ctx := errors.ContextWithUserID(r.Context(), userID)
		ctx = logger.With(ctx, "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) verify(tokenString string) (int64, *errors.AppError) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return 0, errors.ErrTokenExpired
		}
		return 0, errors.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, errors.ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, errors.ErrInvalidToken
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, errors.ErrInvalidToken
	}
	return userID, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 8 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return header[7:]
}

func writeAuthError(w http.ResponseWriter, appErr *errors.AppError) {
	status, body := appErr.ToHTTPResponse()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
