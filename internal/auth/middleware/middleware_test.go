package auth_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/luvvix/certify/internal/auth/middleware"
	"github.com/luvvix/certify/internal/rbac"
)

func TestIssueAndParse(t *testing.T) {
	a := auth.NewAuthService("k1")
	tok, err := a.IssueJWT("u1", "student")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c, err := a.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Sub != "u1" || c.Role != "student" {
		t.Fatalf("claims = %+v", c)
	}
	if _, err := auth.NewAuthService("k2").Parse(tok); err == nil {
		t.Fatalf("token signed with another key accepted")
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "role": "admin"})
	s, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := a.Parse(s); err == nil {
		t.Fatalf("unsigned token accepted")
	}
}

func TestJWTMiddlewareSetsCaller(t *testing.T) {
	a := auth.NewAuthService("k1")
	var sub, role string
	h := auth.JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, role = rbac.SubjectFromContext(r.Context()), rbac.RoleFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer: status %d", rec.Code)
	}

	tok, _ := a.IssueJWT("t1", "teacher")
	req := httptest.NewRequest(http.MethodGet, "/progress", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || sub != "t1" || role != "teacher" {
		t.Fatalf("status %d sub %q role %q", rec.Code, sub, role)
	}
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a := auth.NewAuthService("k1")
	creds := auth.Credentials{AdminUser: "admin", AdminPassHash: string(hash), AllowDev: true}
	h := auth.LoginHandler(a, creds)

	cases := []struct {
		body string
		want int
	}{
		{`{"username":"admin","password":"s3cret"}`, http.StatusOK},
		{`{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{`{"username":"amal","password":"amal","role":"student"}`, http.StatusOK},
		{`{"username":"amal","password":"amal","role":"admin"}`, http.StatusUnauthorized},
		{`{"username":"amal","password":"other","role":"student"}`, http.StatusUnauthorized},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.body, rec.Code, tc.want)
		}
	}

	creds.AllowDev = false
	rec := httptest.NewRecorder()
	auth.LoginHandler(a, creds).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"username":"amal","password":"amal","role":"student"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("dev login accepted with AllowDev off: %d", rec.Code)
	}
}
