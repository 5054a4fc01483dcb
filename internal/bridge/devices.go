package bridge

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mvalancy/pdubridge/internal/errors"
	"github.com/mvalancy/pdubridge/internal/fsutil"
	"github.com/mvalancy/pdubridge/internal/model"
)

// 设备热增删。pdus.json 在管理器锁内原子重写。

// persistDevicesLocked 落盘设备列表。调用方持锁。
func (m *Manager) persistDevicesLocked() error {
	doc := struct {
		PDUs []*model.DeviceConfig `json:"pdus"`
	}{PDUs: m.devices}
	return fsutil.WriteJSONAtomic(m.cfg.PDUsFile(), doc)
}

// AddDevice 热添加设备: 校验、持久化、立刻开始轮询
func (m *Manager) AddDevice(dev *model.DeviceConfig) error {
	dev.ApplyDefaults()
	if dev.DeviceID == "" {
		dev.DeviceID = m.synthesizeDeviceID()
	}
	if err := dev.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid device config")
	}

	m.mu.Lock()
	for _, existing := range m.devices {
		if existing.DeviceID == dev.DeviceID {
			m.mu.Unlock()
			return errors.NewError(errors.ErrCodeConflict, fmt.Sprintf("device %q already exists", dev.DeviceID))
		}
	}
	m.devices = append(m.devices, dev)
	if err := m.persistDevicesLocked(); err != nil {
		m.devices = m.devices[:len(m.devices)-1]
		m.mu.Unlock()
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to persist device list")
	}
	m.mu.Unlock()

	if dev.Enabled {
		m.mqtt.RegisterStatusTopic("pdu/" + dev.DeviceID + "/bridge/status")
		m.mqtt.PublishString("pdu/"+dev.DeviceID+"/bridge/status", "online", true, 1)

		p := m.newPoller(dev)
		m.mu.Lock()
		m.pollers[dev.DeviceID] = p
		m.mu.Unlock()
		p.Start(m.ctx)
		if m.cfg.HassDiscovery {
			m.publishHassDeviceDiscovery(dev)
		}
	}
	log.Printf("Manager: added device %s (enabled=%v)", dev.DeviceID, dev.Enabled)
	return nil
}

// synthesizeDeviceID 未提供 device_id 时生成顺序缺省值。
// 轮询器拿到硬件序列号后会持久化，避免重启后错位。
func (m *Manager) synthesizeDeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("pdu-%02d", i)
		taken := false
		for _, dev := range m.devices {
			if dev.DeviceID == candidate {
				taken = true
				break
			}
		}
		if !taken {
			return candidate
		}
	}
}

// UpdateDevice 更新设备配置（device_id 不可变更）。
// 运行中的轮询器重建以应用新传输配置。
func (m *Manager) UpdateDevice(deviceID string, updated *model.DeviceConfig) error {
	updated.DeviceID = deviceID
	updated.ApplyDefaults()
	if err := updated.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid device config")
	}

	m.mu.Lock()
	idx := -1
	for i, dev := range m.devices {
		if dev.DeviceID == deviceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("device %q not found", deviceID))
	}
	old := m.devices[idx]
	if updated.Serial == "" {
		updated.Serial = old.Serial
	}
	m.devices[idx] = updated
	if err := m.persistDevicesLocked(); err != nil {
		m.devices[idx] = old
		m.mu.Unlock()
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to persist device list")
	}
	running := m.pollers[deviceID]
	delete(m.pollers, deviceID)
	m.mu.Unlock()

	if running != nil {
		running.Stop()
	}
	if updated.Enabled {
		p := m.newPoller(updated)
		m.mu.Lock()
		m.pollers[deviceID] = p
		m.mu.Unlock()
		p.Start(m.ctx)
	} else {
		m.mqtt.UnregisterStatusTopic("pdu/" + deviceID + "/bridge/status")
	}
	log.Printf("Manager: updated device %s", deviceID)
	return nil
}

// RemoveDevice 热移除: 停轮询器、发 offline、删规则与覆盖文件。
// DELETE 响应返回后该前缀不再有新发布。
func (m *Manager) RemoveDevice(deviceID string) error {
	m.mu.Lock()
	idx := -1
	for i, dev := range m.devices {
		if dev.DeviceID == deviceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("device %q not found", deviceID))
	}
	m.devices = append(m.devices[:idx], m.devices[idx+1:]...)
	if err := m.persistDevicesLocked(); err != nil {
		log.Printf("Manager: failed to persist device list after removal: %v", err)
	}
	p := m.pollers[deviceID]
	delete(m.pollers, deviceID)
	m.mu.Unlock()

	if p != nil {
		p.Stop()
	}

	m.mqtt.PublishString("pdu/"+deviceID+"/bridge/status", "offline", true, 1)
	m.mqtt.UnregisterStatusTopic("pdu/" + deviceID + "/bridge/status")

	for _, path := range []string{m.cfg.RulesFile(deviceID), m.cfg.OutletNamesFile(deviceID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Manager: failed to remove %s: %v", path, err)
		}
	}
	log.Printf("Manager: removed device %s", deviceID)
	return nil
}

// SetOutletName 设置插座名覆盖并持久化
func (m *Manager) SetOutletName(deviceID string, outlet int, name string) error {
	p, err := m.ResolveDevice(deviceID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeNotFound, "device not found")
	}

	names := p.OutletNames()
	names[fmt.Sprintf("%d", outlet)] = name
	p.SetOutletNames(names)
	return fsutil.WriteJSONAtomic(m.cfg.OutletNamesFile(p.DeviceID()), names)
}

// SetPollInterval 校验并持久化轮询间隔。运行中的轮询器保持创建时的
// 间隔，之后新建的轮询器使用新值。
func (m *Manager) SetPollInterval(d time.Duration) error {
	if d < time.Second {
		return errors.NewError(errors.ErrCodeConfigInvalid, "poll_interval must be >= 1s")
	}
	return m.settings.SetPollInterval(d)
}
