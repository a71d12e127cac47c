package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoClaims     = errors.New("no claims found in context")
)

// JWTClaims identifies the caller behind a request. UserID is the caller id
// used for credentials, sessions and payment attempts.
type JWTClaims struct {
	UserID       string `json:"user_id"`
	AuthProvider string `json:"auth_provider"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// JWTManager issues and checks the HS256 bearer tokens of gateway callers.
type JWTManager struct {
	secretKey []byte
	issuer    string
	parser    *jwt.Parser
}

func NewJWTManager(secretKey string, issuer string) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

// GenerateToken signs a token for userID that expires after ttl.
func (jm *JWTManager) GenerateToken(userID, authProvider string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		UserID:       userID,
		AuthProvider: authProvider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jm.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString(jm.secretKey)
}

// ValidateToken returns the claims of a token signed by this manager. Every
// failure wraps ErrInvalidToken.
func (jm *JWTManager) ValidateToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	if _, err := jm.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return jm.secretKey, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return claims, nil
}

// TokenFromRequest reads `Authorization: Bearer <token>`, or the `token`
// query parameter when allowQuery is set. Browsers cannot set headers on a
// websocket handshake, so /api/ws uses the query form.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("%w: malformed Authorization header", ErrInvalidToken)
		}
		return strings.TrimSpace(token), nil
	}
	if allowQuery {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}

// Authenticate validates the request's token and returns a request carrying
// the claims.
func (jm *JWTManager) Authenticate(r *http.Request, allowQuery bool) (*http.Request, error) {
	token, err := TokenFromRequest(r, allowQuery)
	if err != nil {
		return nil, err
	}
	claims, err := jm.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return r.WithContext(WithClaims(r.Context(), claims)), nil
}

// AuthMiddleware answers 401 unless the request carries a valid bearer token.
func (jm *JWTManager) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed, err := jm.Authenticate(r, false)
		if err != nil {
			Unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, authed)
	})
}

// Unauthorized writes the JSON 401 body used by every authenticated route.
func Unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="x402-gateway"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": err.Error()})
}

func WithClaims(ctx context.Context, claims *JWTClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// GetClaims retrieves JWT claims from the request context
func GetClaims(r *http.Request) (*JWTClaims, error) {
	return ClaimsFromContext(r.Context())
}

func ClaimsFromContext(ctx context.Context) (*JWTClaims, error) {
	claims, ok := ctx.Value(claimsKey{}).(*JWTClaims)
	if !ok {
		return nil, ErrNoClaims
	}
	return claims, nil
}
