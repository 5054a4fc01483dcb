package model

import (
	"fmt"
	"strings"
)

// DeviceConfig 单台 PDU 的配置。device_id 一旦分配不可变更，
// 作为 MQTT 主题前缀、历史存储键、规则文件键使用。
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	Host           string `json:"host,omitempty"`
	SNMPPort       int    `json:"snmp_port,omitempty"`
	CommunityRead  string `json:"community_read,omitempty"`
	CommunityWrite string `json:"community_write,omitempty"`
	SerialPort     string `json:"serial_port,omitempty"`
	SerialBaud     int    `json:"serial_baud,omitempty"`
	SerialUsername string `json:"serial_username,omitempty"`
	SerialPassword string `json:"serial_password,omitempty"`
	Transport      string `json:"transport,omitempty"` // 主传输: snmp | serial
	Label          string `json:"label,omitempty"`
	Enabled        bool   `json:"enabled"`
	NumBanks       int    `json:"num_banks,omitempty"`
	Serial         string `json:"serial,omitempty"` // 硬件序列号（首次发现后持久化）
	RecoverySubnet string `json:"recovery_subnet,omitempty"`
}

// ApplyDefaults 填充零值字段的默认值
func (c *DeviceConfig) ApplyDefaults() {
	if c.SNMPPort == 0 {
		c.SNMPPort = 161
	}
	if c.CommunityRead == "" {
		c.CommunityRead = "public"
	}
	if c.CommunityWrite == "" {
		c.CommunityWrite = "private"
	}
	if c.SerialBaud == 0 {
		c.SerialBaud = 9600
	}
	if c.SerialUsername == "" {
		c.SerialUsername = "cyber"
	}
	if c.SerialPassword == "" {
		c.SerialPassword = "cyber"
	}
	if c.Transport == "" {
		c.Transport = "snmp"
	}
	if c.NumBanks == 0 {
		c.NumBanks = 2
	}
}

// Validate 校验配置
func (c *DeviceConfig) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if strings.ContainsAny(c.DeviceID, "/#+ \t") {
		return fmt.Errorf("device_id contains invalid MQTT characters: %q", c.DeviceID)
	}
	if c.Host == "" && c.SerialPort == "" {
		return fmt.Errorf("device %q has no host or serial_port configured", c.DeviceID)
	}
	if c.Host != "" && (c.SNMPPort < 1 || c.SNMPPort > 65535) {
		return fmt.Errorf("device %q snmp_port out of range: %d", c.DeviceID, c.SNMPPort)
	}
	if c.Transport != "snmp" && c.Transport != "serial" {
		return fmt.Errorf("device %q transport must be snmp or serial, got %q", c.DeviceID, c.Transport)
	}
	return nil
}

// HasSecondary 是否配置了备用传输
func (c *DeviceConfig) HasSecondary() bool {
	if c.Transport == "serial" {
		return c.Host != ""
	}
	return c.SerialPort != ""
}
