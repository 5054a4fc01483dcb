package bridge

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mvalancy/pdubridge/internal/automation"
	"github.com/mvalancy/pdubridge/internal/config"
	"github.com/mvalancy/pdubridge/internal/discovery"
	"github.com/mvalancy/pdubridge/internal/fsutil"
	"github.com/mvalancy/pdubridge/internal/history"
	"github.com/mvalancy/pdubridge/internal/model"
	"github.com/mvalancy/pdubridge/internal/mqtt"
	"github.com/mvalancy/pdubridge/internal/poller"
	"github.com/mvalancy/pdubridge/internal/transport"
)

const (
	// 启动错峰: 轮询器依次延迟启动，避免 SNMP GET 齐射
	startStagger = 100 * time.Millisecond

	deviceInfoInterval = 30 * time.Second
	reportInterval     = time.Hour
)

// Manager 桥接管理器。独占 device_id -> poller 映射，
// 持有共享的 MQTT 客户端与历史存储。
type Manager struct {
	cfg      *config.Config
	settings *config.SettingsStore
	mqtt     *mqtt.Client
	store    *history.Store

	mu      sync.Mutex
	pollers map[string]*poller.Poller
	devices []*model.DeviceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  time.Time
}

// New 创建管理器。协作者注入，测试可替换。
func New(cfg *config.Config, settings *config.SettingsStore, mqttClient *mqtt.Client, store *history.Store) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		settings: settings,
		mqtt:     mqttClient,
		store:    store,
		pollers:  make(map[string]*poller.Poller),
		ctx:      ctx,
		cancel:   cancel,
		start:    time.Now(),
	}
}

// LoadDevices 加载设备配置。优先级: 非空 pdus.json > 环境变量 > mock。
func (m *Manager) LoadDevices() error {
	devices, err := m.loadDeviceList()
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, dev := range devices {
		dev.ApplyDefaults()
		if err := dev.Validate(); err != nil {
			return fmt.Errorf("device config: %w", err)
		}
		if seen[dev.DeviceID] {
			return fmt.Errorf("duplicate device_id %q", dev.DeviceID)
		}
		seen[dev.DeviceID] = true
	}

	m.mu.Lock()
	m.devices = devices
	m.mu.Unlock()
	return nil
}

func (m *Manager) loadDeviceList() ([]*model.DeviceConfig, error) {
	var doc struct {
		PDUs []*model.DeviceConfig `json:"pdus"`
	}
	err := fsutil.ReadJSON(m.cfg.PDUsFile(), &doc)
	if err == nil && len(doc.PDUs) > 0 {
		log.Printf("Manager: loaded %d device(s) from %s", len(doc.PDUs), m.cfg.PDUsFile())
		return doc.PDUs, nil
	}
	if err != nil && !os.IsNotExist(err) {
		log.Printf("Manager: failed to load %s, falling back to env: %v", m.cfg.PDUsFile(), err)
	}

	if m.cfg.MockMode {
		log.Println("Manager: mock mode, using simulated device")
		return []*model.DeviceConfig{{
			DeviceID: m.cfg.DeviceID,
			Host:     "127.0.0.1",
			Label:    "Mock PDU",
			Enabled:  true,
		}}, nil
	}

	if m.cfg.PDUHost != "" || m.cfg.SerialPort != "" {
		dev := &model.DeviceConfig{
			DeviceID:       m.cfg.DeviceID,
			Host:           m.cfg.PDUHost,
			SNMPPort:       m.cfg.PDUSNMPPort,
			CommunityRead:  m.cfg.CommunityRead,
			CommunityWrite: m.cfg.CommunityWrite,
			SerialPort:     m.cfg.SerialPort,
			SerialBaud:     m.cfg.SerialBaud,
			SerialUsername: m.cfg.SerialUsername,
			SerialPassword: m.cfg.SerialPassword,
			Transport:      m.cfg.PDUTransport,
			Enabled:        true,
		}
		log.Printf("Manager: single device from environment: %s", dev.DeviceID)
		return []*model.DeviceConfig{dev}, nil
	}

	return nil, fmt.Errorf(
		"no device configuration found: create %s, set PDU_HOST or PDU_SERIAL_PORT, or enable BRIDGE_MOCK_MODE",
		m.cfg.PDUsFile())
}

// buildTransports 按配置构造主/备传输
func (m *Manager) buildTransports(dev *model.DeviceConfig) (transport.Transport, transport.Transport) {
	if m.cfg.MockMode {
		return transport.NewMockTransport(dev.DeviceID), nil
	}

	var snmpT, serialT transport.Transport
	if dev.Host != "" {
		snmpT = transport.NewSNMPTransport(dev)
	}
	if dev.SerialPort != "" {
		serialT = transport.NewSerialTransport(dev)
	}

	if dev.Transport == "serial" {
		if serialT == nil {
			return snmpT, nil
		}
		return serialT, snmpT
	}
	if snmpT == nil {
		return serialT, nil
	}
	return snmpT, serialT
}

// newPoller 为设备构造轮询器（含引擎与插座名覆盖）
func (m *Manager) newPoller(dev *model.DeviceConfig) *poller.Poller {
	engine := automation.NewEngine(dev.DeviceID, m.cfg.RulesFile(dev.DeviceID))
	primary, secondary := m.buildTransports(dev)

	scanner := func(ctx context.Context, subnet, serial string) (string, error) {
		if subnet == "" {
			subnet = discovery.SubnetOf(dev.Host)
		}
		if subnet == "" {
			return "", fmt.Errorf("no recovery subnet for %s", dev.DeviceID)
		}
		return discovery.FindBySerial(ctx, subnet, dev.CommunityRead, serial)
	}

	p := poller.New(poller.Options{
		Config:    dev,
		Primary:   primary,
		Secondary: secondary,
		Publisher: m.mqtt,
		Recorder:  m.store,
		Engine:    engine,
		Scanner:   scanner,
		Interval:  m.settings.PollInterval(),
	})

	var names map[string]string
	if err := fsutil.ReadJSON(m.cfg.OutletNamesFile(dev.DeviceID), &names); err == nil {
		p.SetOutletNames(names)
	}
	return p
}

// Start 启动全部服务: MQTT、轮询器（错峰）、命令路由、定时任务
func (m *Manager) Start() error {
	m.mu.Lock()
	devices := m.devices
	m.mu.Unlock()

	// 设备状态主题先注册再连接（遗嘱在连接时生效）
	for _, dev := range devices {
		if dev.Enabled {
			m.mqtt.RegisterStatusTopic("pdu/" + dev.DeviceID + "/bridge/status")
		}
	}
	if err := m.mqtt.Connect(); err != nil {
		// MQTT 不可达不阻止启动，发布进离线队列
		log.Printf("Manager: MQTT connect failed (will retry in background): %v", err)
	}

	m.mqtt.Subscribe("pdu/+/outlet/+/command", 1, m.handleCommandMessage)

	started := 0
	for _, dev := range devices {
		if !dev.Enabled {
			log.Printf("Manager: device %s disabled, skipping", dev.DeviceID)
			continue
		}
		p := m.newPoller(dev)
		m.mu.Lock()
		m.pollers[dev.DeviceID] = p
		m.mu.Unlock()

		p.Start(m.ctx)
		started++
		time.Sleep(startStagger)
	}
	log.Printf("Manager: started %d poller(s)", started)

	if m.cfg.HassDiscovery {
		m.publishHassDiscovery()
	}

	m.wg.Add(1)
	go m.scheduledTasks()
	m.store.StartRetention()
	return nil
}

// handleCommandMessage MQTT 命令分发: pdu/{device}/outlet/{n}/command
func (m *Manager) handleCommandMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "pdu" || parts[2] != "outlet" || parts[4] != "command" {
		return
	}
	deviceID := parts[1]
	outlet, err := strconv.Atoi(parts[3])
	if err != nil {
		return
	}
	action := strings.ToLower(strings.TrimSpace(string(payload)))

	p := m.Poller(deviceID)
	if p == nil {
		log.Printf("Manager: command for unknown device %s", deviceID)
		return
	}
	log.Printf("Manager: MQTT command %s outlet %d -> %s", deviceID, outlet, action)
	p.EnqueueCommand(&poller.Command{Outlet: outlet, Action: action, Origin: "mqtt"})
}

// scheduledTasks 定时任务: 30s 设备信息刷新、每小时报表
func (m *Manager) scheduledTasks() {
	defer m.wg.Done()

	infoTicker := time.NewTicker(deviceInfoInterval)
	reportTicker := time.NewTicker(reportInterval)
	defer infoTicker.Stop()
	defer reportTicker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-infoTicker.C:
			for _, p := range m.Pollers() {
				p.PublishDeviceInfo()
			}
		case <-reportTicker.C:
			for _, p := range m.Pollers() {
				if _, err := m.store.GenerateWeeklyReport(p.DeviceID()); err != nil {
					log.Printf("Manager: weekly report for %s failed: %v", p.DeviceID(), err)
				}
			}
		}
	}
}

// Poller 按设备取轮询器
func (m *Manager) Poller(deviceID string) *poller.Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollers[deviceID]
}

// Pollers 全部轮询器
func (m *Manager) Pollers() []*poller.Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*poller.Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		out = append(out, p)
	}
	return out
}

// Devices 设备配置列表
func (m *Manager) Devices() []*model.DeviceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.DeviceConfig, len(m.devices))
	copy(out, m.devices)
	return out
}

// DefaultDevice 单设备部署时的隐式目标
func (m *Manager) DefaultDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.devices) == 1 {
		return m.devices[0].DeviceID
	}
	return ""
}

// ResolveDevice 解析请求目标设备: 显式 device_id 或单设备隐式
func (m *Manager) ResolveDevice(deviceID string) (*poller.Poller, error) {
	if deviceID == "" {
		deviceID = m.DefaultDevice()
		if deviceID == "" {
			return nil, fmt.Errorf("device_id is required with multiple devices")
		}
	}
	p := m.Poller(deviceID)
	if p == nil {
		return nil, fmt.Errorf("device %q not found", deviceID)
	}
	return p, nil
}

// Store 历史存储
func (m *Manager) Store() *history.Store { return m.store }

// MQTT 客户端
func (m *Manager) MQTT() *mqtt.Client { return m.mqtt }

// Settings 运行时设置
func (m *Manager) Settings() *config.SettingsStore { return m.settings }

// Config 应用配置
func (m *Manager) Config() *config.Config { return m.cfg }

// Uptime 进程运行时长
func (m *Manager) Uptime() time.Duration { return time.Since(m.start) }

// Shutdown 关闭: 并发停轮询器 -> 发 offline 并断开 MQTT -> 关历史库
func (m *Manager) Shutdown(ctx context.Context) error {
	log.Println("Manager: shutting down")
	m.cancel()

	var wg sync.WaitGroup
	for _, p := range m.Pollers() {
		wg.Add(1)
		go func(p *poller.Poller) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("Manager: poller shutdown timed out")
	}

	m.wg.Wait()
	m.mqtt.Disconnect()
	return m.store.Close()
}
