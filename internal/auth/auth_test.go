package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthDisabledWithoutPassword(t *testing.T) {
	m := NewSessionManager([]byte("0123456789abcdef0123456789abcdef"), "")
	if m.Enabled() {
		t.Error("auth enabled without web password")
	}
	req := httptest.NewRequest("GET", "/api/status", nil)
	if !m.Authenticated(req) {
		t.Error("requests must be authorized when auth is disabled")
	}
}

func TestLoginLogoutCycle(t *testing.T) {
	m := NewSessionManager([]byte("0123456789abcdef0123456789abcdef"), "hunter2")
	if !m.Enabled() {
		t.Fatal("auth should be enabled with web password")
	}

	if err := m.Login(httptest.NewRecorder(), "wrong"); err != ErrInvalidCredentials {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}

	rec := httptest.NewRecorder()
	if err := m.Login(rec, "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.AddCookie(cookies[0])
	if !m.Authenticated(req) {
		t.Error("valid session cookie rejected")
	}

	// 无 cookie 拒绝
	if m.Authenticated(httptest.NewRequest("GET", "/", nil)) {
		t.Error("request without cookie accepted")
	}

	// 伪造 token 拒绝
	forged := httptest.NewRequest("GET", "/", nil)
	forged.AddCookie(&http.Cookie{Name: "pdubridge_session", Value: "bogus.token.here"})
	if m.Authenticated(forged) {
		t.Error("forged token accepted")
	}

	// 其它密钥签发的 token 拒绝
	other := NewSessionManager([]byte("ffffffffffffffffffffffffffffffff"), "hunter2")
	rec2 := httptest.NewRecorder()
	other.Login(rec2, "hunter2")
	cross := httptest.NewRequest("GET", "/", nil)
	cross.AddCookie(rec2.Result().Cookies()[0])
	if m.Authenticated(cross) {
		t.Error("token signed with different secret accepted")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	m := NewSessionManager([]byte("0123456789abcdef0123456789abcdef"), "pw")
	called := false
	handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/rules", nil))
	if rec.Code != http.StatusUnauthorized || called {
		t.Errorf("unauthenticated: code=%d called=%v, want 401/false", rec.Code, called)
	}
}
