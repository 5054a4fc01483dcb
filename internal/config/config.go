package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置。来源优先级: 默认值 < YAML 文件 < 环境变量。
type Config struct {
	// 服务器配置
	ListenAddr       string        `yaml:"listen_addr"`
	HTTPReadTimeout  time.Duration `yaml:"http_read_timeout"`
	HTTPWriteTimeout time.Duration `yaml:"http_write_timeout"`
	HTTPIdleTimeout  time.Duration `yaml:"http_idle_timeout"`

	// 数据目录（pdus.json、rules、history.db 等）
	DataDir string `yaml:"data_dir"`

	// MQTT
	MQTTBroker string `yaml:"mqtt_broker"`
	MQTTPort   int    `yaml:"mqtt_port"`

	// 轮询
	PollInterval time.Duration `yaml:"poll_interval"`
	MockMode     bool          `yaml:"mock_mode"`

	// 单设备环境变量回退（无 pdus.json 时）
	DeviceID       string `yaml:"device_id"`
	PDUHost        string `yaml:"pdu_host"`
	PDUSNMPPort    int    `yaml:"pdu_snmp_port"`
	CommunityRead  string `yaml:"community_read"`
	CommunityWrite string `yaml:"community_write"`
	SerialPort     string `yaml:"serial_port"`
	SerialBaud     int    `yaml:"serial_baud"`
	SerialUsername string `yaml:"serial_username"`
	SerialPassword string `yaml:"serial_password"`
	PDUTransport   string `yaml:"pdu_transport"`

	// 历史
	RetentionDays int `yaml:"retention_days"`

	// 日志
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Web 鉴权: 设置后所有写端点要求会话
	WebPassword string `yaml:"web_password"`

	// Home Assistant 发现
	HassDiscovery bool `yaml:"hass_discovery"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":8080",
		HTTPReadTimeout:  30 * time.Second,
		HTTPWriteTimeout: 30 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
		DataDir:          "/data",
		MQTTBroker:       "mosquitto",
		MQTTPort:         1883,
		PollInterval:     time.Second,
		MockMode:         false,
		DeviceID:         "pdu44001",
		PDUHost:          "",
		PDUSNMPPort:      161,
		CommunityRead:    "public",
		CommunityWrite:   "private",
		SerialBaud:       9600,
		SerialUsername:   "cyber",
		SerialPassword:   "cyber",
		PDUTransport:     "snmp",
		RetentionDays:    60,
		LogLevel:         "info",
		HassDiscovery:    true,
	}
}

// envKeys 已知环境变量 -> 赋值函数。带 BRIDGE_/PDU_/MQTT_/HISTORY_
// 前缀的未知键会被拒绝。
var envKeys = map[string]func(*Config, string) error{
	"BRIDGE_LISTEN_ADDR":     func(c *Config, v string) error { c.ListenAddr = v; return nil },
	"BRIDGE_DATA_DIR":        func(c *Config, v string) error { c.DataDir = v; return nil },
	"BRIDGE_POLL_INTERVAL":   setSeconds(func(c *Config, d time.Duration) { c.PollInterval = d }),
	"BRIDGE_MOCK_MODE":       setBool(func(c *Config, b bool) { c.MockMode = b }),
	"BRIDGE_LOG_LEVEL":       func(c *Config, v string) error { c.LogLevel = v; return nil },
	"BRIDGE_LOG_JSON":        setBool(func(c *Config, b bool) { c.LogJSON = b }),
	"BRIDGE_WEB_PASSWORD":    func(c *Config, v string) error { c.WebPassword = v; return nil },
	"BRIDGE_HASS_DISCOVERY":  setBool(func(c *Config, b bool) { c.HassDiscovery = b }),
	"PDU_DEVICE_ID":          func(c *Config, v string) error { c.DeviceID = v; return nil },
	"PDU_HOST":               func(c *Config, v string) error { c.PDUHost = v; return nil },
	"PDU_SNMP_PORT":          setInt(func(c *Config, n int) { c.PDUSNMPPort = n }),
	"PDU_COMMUNITY_READ":     func(c *Config, v string) error { c.CommunityRead = v; return nil },
	"PDU_COMMUNITY_WRITE":    func(c *Config, v string) error { c.CommunityWrite = v; return nil },
	"PDU_SERIAL_PORT":        func(c *Config, v string) error { c.SerialPort = v; return nil },
	"PDU_SERIAL_BAUD":        setInt(func(c *Config, n int) { c.SerialBaud = n }),
	"PDU_SERIAL_USERNAME":    func(c *Config, v string) error { c.SerialUsername = v; return nil },
	"PDU_SERIAL_PASSWORD":    func(c *Config, v string) error { c.SerialPassword = v; return nil },
	"PDU_TRANSPORT":          func(c *Config, v string) error { c.PDUTransport = v; return nil },
	"MQTT_BROKER":            func(c *Config, v string) error { c.MQTTBroker = v; return nil },
	"MQTT_PORT":              setInt(func(c *Config, n int) { c.MQTTPort = n }),
	"HISTORY_RETENTION_DAYS": setInt(func(c *Config, n int) { c.RetentionDays = n }),
}

var envPrefixes = []string{"BRIDGE_", "PDU_", "MQTT_", "HISTORY_"}

func setInt(apply func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		apply(c, n)
		return nil
	}
}

func setBool(apply func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, v string) error {
		apply(c, strings.EqualFold(v, "true") || v == "1")
		return nil
	}
}

func setSeconds(apply func(*Config, time.Duration)) func(*Config, string) error {
	return func(c *Config, v string) error {
		sec, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid interval %q", v)
		}
		apply(c, time.Duration(sec*float64(time.Second)))
		return nil
	}
}

// Load 从 YAML 文件和环境变量加载配置
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFromFile(cfg); err != nil {
		// 配置文件可选，不存在不报错
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := LoadFromEnviron(cfg, os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config) error {
	paths := []string{"config.yaml", "config/config.yaml"}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	return os.ErrNotExist
}

// LoadFromEnviron 应用环境变量。带已知前缀的未知键报错。
func LoadFromEnviron(cfg *Config, environ []string) error {
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		apply, known := envKeys[key]
		if known {
			if err := apply(cfg, value); err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			continue
		}
		for _, prefix := range envPrefixes {
			if strings.HasPrefix(key, prefix) {
				return fmt.Errorf("unknown configuration key %s", key)
			}
		}
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be >= 1s, got %v", c.PollInterval)
	}
	if c.MQTTPort < 1 || c.MQTTPort > 65535 {
		return fmt.Errorf("mqtt_port out of range: %d", c.MQTTPort)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be >= 1, got %d", c.RetentionDays)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// 数据目录下的文件路径

func (c *Config) PDUsFile() string {
	return filepath.Join(c.DataDir, "pdus.json")
}

func (c *Config) HistoryDB() string {
	return filepath.Join(c.DataDir, "history.db")
}

func (c *Config) RulesFile(deviceID string) string {
	return filepath.Join(c.DataDir, "rules_"+deviceID+".json")
}

func (c *Config) OutletNamesFile(deviceID string) string {
	return filepath.Join(c.DataDir, "outlet_names_"+deviceID+".json")
}

func (c *Config) SettingsFile() string {
	return filepath.Join(c.DataDir, "bridge_settings.json")
}
