package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTRoundTrip(t *testing.T) {
	jm := NewJWTManager("0123456789abcdef", "test-issuer")

	token, err := jm.GenerateToken("alice", "cli", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := jm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "alice" || claims.AuthProvider != "cli" || claims.Subject != "alice" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := jm.GenerateToken("", "cli", time.Hour); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestJWTRejects(t *testing.T) {
	jm := NewJWTManager("0123456789abcdef", "test-issuer")

	expired, _ := jm.GenerateToken("alice", "cli", -time.Minute)
	otherSecret, _ := NewJWTManager("fedcba9876543210", "test-issuer").GenerateToken("alice", "cli", time.Hour)
	otherIssuer, _ := NewJWTManager("0123456789abcdef", "someone-else").GenerateToken("alice", "cli", time.Hour)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		UserID:           "alice",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "test-issuer"},
	}).SignedString([]byte("0123456789abcdef"))
	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "test-issuer", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("0123456789abcdef"))

	for name, token := range map[string]string{
		"expired":      expired,
		"other secret": otherSecret,
		"other issuer": otherIssuer,
		"no expiry":    noExpiry,
		"no user":      noUser,
		"garbage":      "a.b.c",
	} {
		if _, err := jm.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	jm := NewJWTManager("0123456789abcdef", "test-issuer")
	token, _ := jm.GenerateToken("alice", "cli", time.Hour)

	var seen string
	handler := jm.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r)
		if err != nil {
			t.Errorf("GetClaims: %v", err)
			return
		}
		seen = claims.UserID
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.status == http.StatusUnauthorized {
				if rec.Header().Get("WWW-Authenticate") == "" || !strings.Contains(rec.Body.String(), `"success":false`) {
					t.Errorf("401 headers %v body %s", rec.Header(), rec.Body.String())
				}
			}
		})
	}
	if seen != "alice" {
		t.Errorf("handler saw user %q", seen)
	}

	if _, err := GetClaims(httptest.NewRequest(http.MethodGet, "/", nil)); err != ErrNoClaims {
		t.Errorf("GetClaims without middleware = %v, want ErrNoClaims", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		query      string
		allowQuery bool
		want       string
		wantErr    error
	}{
		{"bearer", "Bearer abc", "", false, "abc", nil},
		{"lowercase scheme", "bearer abc", "", false, "abc", nil},
		{"header wins over query", "Bearer abc", "xyz", true, "abc", nil},
		{"query allowed", "", "xyz", true, "xyz", nil},
		{"query not allowed", "", "xyz", false, "", ErrMissingToken},
		{"empty bearer", "Bearer ", "", false, "", ErrInvalidToken},
		{"basic", "Basic abc", "", false, "", ErrInvalidToken},
		{"nothing", "", "", true, "", ErrMissingToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/api/ws"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, err := TokenFromRequest(req, tc.allowQuery)
			if !errors.Is(err, tc.wantErr) || got != tc.want {
				t.Errorf("got (%q, %v), want (%q, %v)", got, err, tc.want, tc.wantErr)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := CORSMiddleware([]string{"https://app.example"})(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allowed origin header = %q", got)
	}
	if rec.Header().Get("Access-Control-Expose-Headers") != "X-PAYMENT-RESPONSE" {
		t.Error("X-PAYMENT-RESPONSE is not exposed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestCallerRateLimiter(t *testing.T) {
	rl := NewCallerRateLimiter(1, 2)
	defer rl.Stop()

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("alice") {
		t.Error("third request within a second should be limited")
	}
	if !rl.Allow("bob") {
		t.Error("callers must not share a bucket")
	}

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	statuses := []int{}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	if statuses[2] != http.StatusTooManyRequests || rec429(statuses) != 1 {
		t.Errorf("statuses = %v", statuses)
	}
}

func rec429(statuses []int) int {
	n := 0
	for _, s := range statuses {
		if s == http.StatusTooManyRequests {
			n++
		}
	}
	return n
}
