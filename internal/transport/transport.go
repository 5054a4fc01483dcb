package transport

import (
	"context"
	"fmt"

	"github.com/mvalancy/pdubridge/internal/model"
)

// ErrorKind 传输错误分类
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindUnreachable    ErrorKind = "unreachable"
	KindAuthentication ErrorKind = "authentication"
	KindParse          ErrorKind = "parse"
	KindRefused        ErrorKind = "refused"
	KindUnknown        ErrorKind = "unknown"
)

// Error 带分类的传输错误
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 创建传输错误
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf 返回错误的传输分类；非传输错误归为 unknown
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if te, ok := err.(*Error); ok {
		return te.Kind
	}
	return KindUnknown
}

// Transport 单台 PDU 的通信抽象。
// 实现: SNMPTransport、SerialTransport、MockTransport。
// 所有阻塞调用带 context，超时由调用方控制。
type Transport interface {
	// Name 传输标识: snmp | serial | mock
	Name() string
	// Identify 查询设备标识（启动与恢复时调用）
	Identify(ctx context.Context) (*model.Identity, error)
	// Poll 读取一个周期的全部指标
	Poll(ctx context.Context) (*model.Snapshot, error)
	// SetOutlet 执行插座命令: on | off | reboot | delayon | delayoff | cancel
	SetOutlet(ctx context.Context, outlet int, action string) error
	// Close 释放底层连接
	Close() error
}

// StartupProber 启动期补充探测（bank 数、插座归属、额定负载）
type StartupProber interface {
	DiscoverNumBanks(ctx context.Context) (int, error)
	QueryStartupData(ctx context.Context, outletCount int) (map[int]int, map[int]float64, error)
}

// Retargeter 可更新网络目标的传输（DHCP 恢复后换 host）
type Retargeter interface {
	UpdateTarget(host string)
}

// ThresholdConfig 设备/bank 过载阈值
type ThresholdConfig struct {
	DeviceOverload *float64           `json:"device_overload,omitempty"`
	DeviceNearOver *float64           `json:"device_near_overload,omitempty"`
	DeviceLowLoad  *float64           `json:"device_low_load,omitempty"`
	BankThresholds map[int]BankLimits `json:"bank_thresholds,omitempty"`
}

// BankLimits 单个 bank 的阈值
type BankLimits struct {
	Overload     *float64 `json:"overload,omitempty"`
	NearOverload *float64 `json:"near_overload,omitempty"`
	LowLoad      *float64 `json:"low_load,omitempty"`
}

// NetworkConfig 设备网络配置
type NetworkConfig struct {
	DHCP    bool   `json:"dhcp"`
	IP      string `json:"ip,omitempty"`
	Netmask string `json:"netmask,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	DNS     string `json:"dns,omitempty"`
}

// ATSConfig ATS 管理配置
type ATSConfig struct {
	PreferredSource    string   `json:"preferred_source,omitempty"` // A | B
	VoltageSensitivity string   `json:"voltage_sensitivity,omitempty"`
	TransferUpper      *float64 `json:"transfer_upper,omitempty"`
	TransferLower      *float64 `json:"transfer_lower,omitempty"`
	ColdstartDelay     *int     `json:"coldstart_delay,omitempty"`
	ColdstartState     string   `json:"coldstart_state,omitempty"` // allon | prevstate
}

// OutletConfig 插座配置写入
type OutletConfig struct {
	Name       string `json:"name,omitempty"`
	OnDelay    *int   `json:"on_delay,omitempty"`
	OffDelay   *int   `json:"off_delay,omitempty"`
	RebootTime *int   `json:"reboot_time,omitempty"`
}

// NotificationConfig 通知面配置（trap/SMTP/email/syslog）
type NotificationConfig struct {
	Traps  []map[string]string `json:"traps,omitempty"`
	SMTP   map[string]string   `json:"smtp,omitempty"`
	Email  []map[string]string `json:"email,omitempty"`
	Syslog []map[string]string `json:"syslog,omitempty"`
}

// EnergyWiseConfig Cisco EnergyWise 配置
type EnergyWiseConfig struct {
	Enabled bool   `json:"enabled"`
	Domain  string `json:"domain,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// EventLogEntry 设备事件日志条目
type EventLogEntry struct {
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// Management 管理面扩展，由串口传输与 MockTransport 实现（SNMP 传输不实现）。
// HTTP 管理端点在设备无串口时返回 requires_serial。
type Management interface {
	GetThresholds(ctx context.Context) (*ThresholdConfig, error)
	SetThresholds(ctx context.Context, cfg *ThresholdConfig) error
	GetNetwork(ctx context.Context) (*NetworkConfig, error)
	SetNetwork(ctx context.Context, cfg *NetworkConfig) error
	GetATSConfig(ctx context.Context) (*ATSConfig, error)
	SetATSConfig(ctx context.Context, cfg *ATSConfig) error
	SetOutletConfig(ctx context.Context, outlet int, cfg *OutletConfig) error
	SetDeviceName(ctx context.Context, name string) error
	SetDeviceLocation(ctx context.Context, location string) error
	CheckDefaultCredentials(ctx context.Context) (bool, error)
	ChangePassword(ctx context.Context, account, oldPassword, newPassword string) error
	GetEventLog(ctx context.Context) ([]EventLogEntry, error)
	GetNotifications(ctx context.Context) (*NotificationConfig, error)
	SetNotifications(ctx context.Context, cfg *NotificationConfig) error
	GetEnergyWise(ctx context.Context) (*EnergyWiseConfig, error)
	SetEnergyWise(ctx context.Context, cfg *EnergyWiseConfig) error
	GetUsers(ctx context.Context) (map[string]string, error)
}
