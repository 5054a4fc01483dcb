package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %s, want :8080", cfg.ListenAddr)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.PollInterval)
	}
	if cfg.MQTTBroker != "mosquitto" || cfg.MQTTPort != 1883 {
		t.Errorf("MQTT defaults = %s:%d", cfg.MQTTBroker, cfg.MQTTPort)
	}
	if cfg.RetentionDays != 60 {
		t.Errorf("RetentionDays = %d, want 60", cfg.RetentionDays)
	}
	if cfg.CommunityRead != "public" || cfg.CommunityWrite != "private" {
		t.Errorf("communities = %s/%s", cfg.CommunityRead, cfg.CommunityWrite)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromEnviron(t *testing.T) {
	cfg := DefaultConfig()
	environ := []string{
		"PDU_HOST=192.168.20.177",
		"PDU_SNMP_PORT=1161",
		"BRIDGE_POLL_INTERVAL=2.5",
		"BRIDGE_MOCK_MODE=true",
		"MQTT_BROKER=broker.local",
		"HISTORY_RETENTION_DAYS=30",
		"PATH=/usr/bin", // 无关键忽略
	}
	if err := LoadFromEnviron(cfg, environ); err != nil {
		t.Fatalf("LoadFromEnviron: %v", err)
	}
	if cfg.PDUHost != "192.168.20.177" {
		t.Errorf("PDUHost = %s", cfg.PDUHost)
	}
	if cfg.PDUSNMPPort != 1161 {
		t.Errorf("PDUSNMPPort = %d", cfg.PDUSNMPPort)
	}
	if cfg.PollInterval != 2500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 2.5s", cfg.PollInterval)
	}
	if !cfg.MockMode {
		t.Error("MockMode not applied")
	}
	if cfg.MQTTBroker != "broker.local" {
		t.Errorf("MQTTBroker = %s", cfg.MQTTBroker)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d", cfg.RetentionDays)
	}
}

func TestUnknownEnvKeyRejected(t *testing.T) {
	cfg := DefaultConfig()
	if err := LoadFromEnviron(cfg, []string{"BRIDGE_TYPO_KEY=1"}); err == nil {
		t.Error("unknown BRIDGE_ key accepted")
	}
	if err := LoadFromEnviron(cfg, []string{"PDU_WHATEVER=x"}); err == nil {
		t.Error("unknown PDU_ key accepted")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 500 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("sub-second poll interval accepted")
	}

	cfg = DefaultConfig()
	cfg.MQTTPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("mqtt port 0 accepted")
	}

	cfg = DefaultConfig()
	cfg.LogLevel = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("bad log level accepted")
	}
}

func TestDataDirPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"

	if got := cfg.RulesFile("rack1-pdu"); got != "/data/rules_rack1-pdu.json" {
		t.Errorf("RulesFile = %s", got)
	}
	if got := cfg.OutletNamesFile("rack1-pdu"); got != "/data/outlet_names_rack1-pdu.json" {
		t.Errorf("OutletNamesFile = %s", got)
	}
	if got := cfg.PDUsFile(); got != "/data/pdus.json" {
		t.Errorf("PDUsFile = %s", got)
	}
}

func TestSettingsPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge_settings.json")

	s, err := LoadSettings(path, time.Second)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if len(s.SessionSecret()) == 0 {
		t.Fatal("no session secret generated")
	}
	secret := string(s.SessionSecret())

	if err := s.SetPollInterval(3 * time.Second); err != nil {
		t.Fatalf("SetPollInterval: %v", err)
	}

	// 重新加载: 密钥与间隔保持
	s2, err := LoadSettings(path, time.Second)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(s2.SessionSecret()) != secret {
		t.Error("session secret not persisted")
	}
	if s2.PollInterval() != 3*time.Second {
		t.Errorf("PollInterval = %v, want 3s", s2.PollInterval())
	}

	// 下限 1s
	s2.SetPollInterval(100 * time.Millisecond)
	if s2.PollInterval() < time.Second {
		t.Errorf("PollInterval = %v, want clamped to >= 1s", s2.PollInterval())
	}
}
