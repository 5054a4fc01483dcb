package transport

import (
	"context"
	"fmt"

	"github.com/mvalancy/pdubridge/internal/model"
)

// Mock 的管理面: 内存配置，行为与串口一致，测试与 mock 模式共用。

type mockMgmtState struct {
	thresholds ThresholdConfig
	network    NetworkConfig
	ats        ATSConfig
	outletCfg  map[int]OutletConfig
	deviceName string
	location   string
	password   string
	notify     NotificationConfig
	energywise EnergyWiseConfig
	eventLog   []EventLogEntry
}

func (m *MockTransport) mgmt() *mockMgmtState {
	if m.mgmtState == nil {
		m.mgmtState = &mockMgmtState{
			thresholds: ThresholdConfig{
				DeviceOverload: model.Float(12),
				DeviceNearOver: model.Float(10),
				DeviceLowLoad:  model.Float(0.5),
			},
			network:    NetworkConfig{DHCP: true, IP: "192.168.20.177", Netmask: "255.255.255.0"},
			ats:        ATSConfig{PreferredSource: "A", VoltageSensitivity: "normal"},
			outletCfg:  make(map[int]OutletConfig),
			deviceName: "Mock PDU",
			password:   "cyber",
			energywise: EnergyWiseConfig{Enabled: false, Port: 43440},
			eventLog: []EventLogEntry{
				{Timestamp: "01/01/2026 00:00:01", Description: "System started", Category: "system"},
			},
		}
	}
	return m.mgmtState
}

func (m *MockTransport) GetThresholds(ctx context.Context) (*ThresholdConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.mgmt().thresholds
	return &cfg, nil
}

func (m *MockTransport) SetThresholds(ctx context.Context, cfg *ThresholdConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.mgmt()
	if cfg.DeviceOverload != nil {
		state.thresholds.DeviceOverload = cfg.DeviceOverload
	}
	if cfg.DeviceNearOver != nil {
		state.thresholds.DeviceNearOver = cfg.DeviceNearOver
	}
	if cfg.DeviceLowLoad != nil {
		state.thresholds.DeviceLowLoad = cfg.DeviceLowLoad
	}
	if cfg.BankThresholds != nil {
		state.thresholds.BankThresholds = cfg.BankThresholds
	}
	return nil
}

func (m *MockTransport) GetNetwork(ctx context.Context) (*NetworkConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.mgmt().network
	return &cfg, nil
}

func (m *MockTransport) SetNetwork(ctx context.Context, cfg *NetworkConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mgmt().network = *cfg
	return nil
}

func (m *MockTransport) GetATSConfig(ctx context.Context) (*ATSConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.mgmt().ats
	return &cfg, nil
}

func (m *MockTransport) SetATSConfig(ctx context.Context, cfg *ATSConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.mgmt()
	if cfg.PreferredSource != "" {
		if cfg.PreferredSource != "A" && cfg.PreferredSource != "B" {
			return NewError(KindRefused, fmt.Sprintf("invalid source %q", cfg.PreferredSource), nil)
		}
		state.ats.PreferredSource = cfg.PreferredSource
		m.preferredSrc = model.ATSSourceReverse[cfg.PreferredSource]
	}
	if cfg.VoltageSensitivity != "" {
		state.ats.VoltageSensitivity = cfg.VoltageSensitivity
	}
	if cfg.TransferUpper != nil {
		state.ats.TransferUpper = cfg.TransferUpper
	}
	if cfg.TransferLower != nil {
		state.ats.TransferLower = cfg.TransferLower
	}
	if cfg.ColdstartDelay != nil {
		state.ats.ColdstartDelay = cfg.ColdstartDelay
	}
	if cfg.ColdstartState != "" {
		state.ats.ColdstartState = cfg.ColdstartState
	}
	return nil
}

func (m *MockTransport) SetOutletConfig(ctx context.Context, outlet int, cfg *OutletConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if outlet < 1 || outlet > m.outletCount {
		return NewError(KindRefused, fmt.Sprintf("outlet %d out of range", outlet), nil)
	}
	m.mgmt().outletCfg[outlet] = *cfg
	if cfg.Name != "" {
		m.outletNames[outlet] = cfg.Name
	}
	return nil
}

func (m *MockTransport) SetDeviceName(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mgmt().deviceName = name
	return nil
}

func (m *MockTransport) SetDeviceLocation(ctx context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mgmt().location = location
	return nil
}

func (m *MockTransport) CheckDefaultCredentials(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mgmt().password == "cyber", nil
}

func (m *MockTransport) ChangePassword(ctx context.Context, account, oldPassword, newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account != "admin" && account != "viewer" {
		return NewError(KindRefused, fmt.Sprintf("invalid account %q", account), nil)
	}
	if newPassword == "" {
		return NewError(KindRefused, "empty password", nil)
	}
	m.mgmt().password = newPassword
	return nil
}

func (m *MockTransport) GetEventLog(ctx context.Context) ([]EventLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.mgmt().eventLog
	out := make([]EventLogEntry, len(log))
	copy(out, log)
	return out, nil
}

func (m *MockTransport) GetNotifications(ctx context.Context) (*NotificationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.mgmt().notify
	return &cfg, nil
}

func (m *MockTransport) SetNotifications(ctx context.Context, cfg *NotificationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mgmt().notify = *cfg
	return nil
}

func (m *MockTransport) GetEnergyWise(ctx context.Context) (*EnergyWiseConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.mgmt().energywise
	return &cfg, nil
}

func (m *MockTransport) SetEnergyWise(ctx context.Context, cfg *EnergyWiseConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mgmt().energywise = *cfg
	return nil
}

func (m *MockTransport) GetUsers(ctx context.Context) (map[string]string, error) {
	return map[string]string{"cyber": "administrator"}, nil
}
