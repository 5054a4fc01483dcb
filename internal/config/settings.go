package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mvalancy/pdubridge/internal/fsutil"
)

// Settings 运行时可调参数，持久化到 bridge_settings.json。
type Settings struct {
	PollIntervalSeconds float64 `json:"poll_interval_seconds"`
	SessionSecret       string  `json:"session_secret"`
}

// SettingsStore 设置存储。所有修改在锁内原子落盘。
type SettingsStore struct {
	path string

	mu       sync.Mutex
	settings Settings
}

// LoadSettings 加载（或初始化）运行时设置。首次运行生成会话密钥。
func LoadSettings(path string, defaultInterval time.Duration) (*SettingsStore, error) {
	s := &SettingsStore{path: path}
	if err := fsutil.ReadJSON(path, &s.settings); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Settings: failed to load %s, using defaults: %v", path, err)
		}
	}

	changed := false
	if s.settings.PollIntervalSeconds < 1 {
		s.settings.PollIntervalSeconds = defaultInterval.Seconds()
		changed = true
	}
	if s.settings.SessionSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		s.settings.SessionSecret = hex.EncodeToString(secret)
		changed = true
	}
	if changed {
		if err := fsutil.WriteJSONAtomic(path, &s.settings); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get 当前设置
func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// PollInterval 当前轮询间隔
func (s *SettingsStore) PollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.settings.PollIntervalSeconds * float64(time.Second))
}

// SetPollInterval 更新轮询间隔并落盘（最小 1 秒）
func (s *SettingsStore) SetPollInterval(d time.Duration) error {
	if d < time.Second {
		d = time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.PollIntervalSeconds = d.Seconds()
	return fsutil.WriteJSONAtomic(s.path, &s.settings)
}

// SessionSecret 会话签名密钥
func (s *SettingsStore) SessionSecret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.settings.SessionSecret)
}
