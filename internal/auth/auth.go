package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mvalancy/pdubridge/internal/pwdutil"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	cookieName = "pdubridge_session"
	tokenTTL   = 7 * 24 * time.Hour
)

// SessionManager 会话管理。web_password 未设置时鉴权关闭，
// 所有请求视为已授权。
type SessionManager struct {
	secret       []byte
	passwordHash string // bcrypt；空表示鉴权关闭
}

// NewSessionManager 创建会话管理器。webPassword 为明文配置项，
// 启动时换成哈希保存。
func NewSessionManager(secret []byte, webPassword string) *SessionManager {
	m := &SessionManager{secret: secret}
	if webPassword != "" {
		m.passwordHash = pwdutil.Hash(webPassword)
	}
	return m
}

// Enabled 鉴权是否开启
func (m *SessionManager) Enabled() bool {
	return m.passwordHash != ""
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Login 校验密码并种会话 cookie
func (m *SessionManager) Login(w http.ResponseWriter, password string) error {
	if !m.Enabled() {
		return nil
	}
	if !pwdutil.Compare(password, m.passwordHash) {
		return ErrInvalidCredentials
	}

	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bridge-admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Logout 清除会话 cookie
func (m *SessionManager) Logout(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// Authenticated 请求是否带有效会话
func (m *SessionManager) Authenticated(r *http.Request) bool {
	if !m.Enabled() {
		return true
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil || cookie.Value == "" {
		return false
	}

	token, err := jwt.ParseWithClaims(cookie.Value, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	})
	return err == nil && token.Valid
}

// RequireAuth 写端点中间件: 无会话返回 401
func (m *SessionManager) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Authenticated(r) {
			http.Error(w, `{"success":false,"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
