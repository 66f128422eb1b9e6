package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/askhub/livesync/internal/logger"
)

// Claims is the bearer token payload. The viewer id is UserID, or Subject
// when UserID is empty.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) viewer() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// IssueToken signs an HS256 token for userID.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var errNoViewer = errors.New("token has no viewer")

// VerifyToken checks signature and expiry and returns the viewer id.
func VerifyToken(secret, token string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.viewer() == "" {
		return "", errNoViewer
	}
	return claims.viewer(), nil
}

// bearer reads the token from the Authorization header or, for websocket
// upgrades from browsers that cannot set headers, the access_token query parameter.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// ViewerAuth puts the authenticated viewer id into the request context.
// With an empty secret (local development only) the id is taken as is from
// X-Viewer-Id or the viewer query parameter.
func ViewerAuth(secret string) func(http.Handler) http.Handler {
	if secret == "" {
		logger.Errorf("auth: JWT_SECRET is empty, trusting X-Viewer-Id (development only)")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var viewer string
			if secret == "" {
				viewer = r.Header.Get("X-Viewer-Id")
				if viewer == "" {
					viewer = r.URL.Query().Get("viewer")
				}
			} else if tok := bearer(r); tok != "" {
				v, err := VerifyToken(secret, tok)
				if err != nil {
					logger.Debugf("auth: rejected token %s: %v", MaskToken(tok), err)
				}
				viewer = v
			}
			if viewer == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), viewer)))
		})
	}
}
