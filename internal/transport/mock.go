package transport

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mvalancy/pdubridge/internal/model"
)

// MockTransport 模拟 PDU。10 插座、双 bank ATS 机型，负载按正弦波
// 缓慢摆动。支持输入失效注入与故障注入，测试与 mock 模式共用。
type MockTransport struct {
	mu sync.Mutex

	deviceID    string
	outletCount int
	numBanks    int
	started     time.Time

	outletStates map[int]string
	outletNames  map[int]string
	sourceVolt   map[int]float64 // 1=A, 2=B
	currentSrc   int
	preferredSrc int

	failNext int // 注入: 接下来 N 次调用失败
	failKind ErrorKind
	uptime   int64
	rebooted bool

	mgmtState *mockMgmtState
}

// NewMockTransport 创建模拟传输
func NewMockTransport(deviceID string) *MockTransport {
	m := &MockTransport{
		deviceID:     deviceID,
		outletCount:  10,
		numBanks:     2,
		started:      time.Now(),
		outletStates: make(map[int]string),
		outletNames:  make(map[int]string),
		sourceVolt:   map[int]float64{1: 120.0, 2: 119.8},
		currentSrc:   1,
		preferredSrc: 1,
	}
	for n := 1; n <= m.outletCount; n++ {
		m.outletStates[n] = "on"
		m.outletNames[n] = fmt.Sprintf("Outlet%d", n)
	}
	return m
}

func (m *MockTransport) Name() string { return "mock" }

// FailNext 注入: 接下来 n 次 Poll/Identify 返回 kind 错误
func (m *MockTransport) FailNext(n int, kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failKind = kind
}

// SimulateInputFailure 模拟输入源掉电（电压跌至 0）
func (m *MockTransport) SimulateInputFailure(source int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceVolt[source] = 0
	if m.currentSrc == source {
		other := 3 - source
		if m.sourceVolt[other] > 0 {
			m.currentSrc = other
		}
	}
}

// SimulateInputRestore 恢复输入源
func (m *MockTransport) SimulateInputRestore(source int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceVolt[source] = 120.0
	if m.preferredSrc == source {
		m.currentSrc = source
	}
}

// SimulateReboot 模拟设备重启（uptime 回绕）
func (m *MockTransport) SimulateReboot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebooted = true
}

// SetSourceVoltage 直接设定某路输入电压（规则测试用）
func (m *MockTransport) SetSourceVoltage(source int, voltage float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceVolt[source] = voltage
}

// OutletState 读取插座状态（断言用）
func (m *MockTransport) OutletState(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outletStates[n]
}

func (m *MockTransport) injectFailure() error {
	if m.failNext > 0 {
		m.failNext--
		return NewError(m.failKind, "injected failure", nil)
	}
	return nil
}

// Identify 返回固定标识
func (m *MockTransport) Identify(ctx context.Context) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectFailure(); err != nil {
		return nil, err
	}
	return &model.Identity{
		Model:       "PDU44001",
		Serial:      "MOCK" + m.deviceID,
		FirmwareRev: "1.3.4",
		OutletCount: m.outletCount,
		PhaseCount:  1,
		MaxCurrent:  15.0,
		Name:        "Mock PDU",
	}, nil
}

// Poll 生成一份模拟快照
func (m *MockTransport) Poll(ctx context.Context) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectFailure(); err != nil {
		return nil, err
	}

	if m.rebooted {
		m.started = time.Now()
		m.rebooted = false
	}
	elapsed := time.Since(m.started).Seconds()
	wave := math.Sin(elapsed / 30.0)

	snap := &model.Snapshot{
		Timestamp:   time.Now(),
		DeviceName:  "Mock PDU",
		OutletCount: m.outletCount,
		PhaseCount:  1,
		Outlets:     make(map[int]*model.OutletData, m.outletCount),
		Banks:       make(map[int]*model.BankData, m.numBanks),
	}

	activeVolt := m.sourceVolt[m.currentSrc]
	snap.InputVoltage = model.Float(activeVolt)
	snap.InputFreq = model.Float(60.0)

	var totalCurrent [3]float64
	for n := 1; n <= m.outletCount; n++ {
		o := &model.OutletData{Number: n, Name: m.outletNames[n], State: m.outletStates[n]}
		if o.State == "on" {
			base := 0.3 + 0.1*float64(n%3)
			cur := base + 0.05*wave
			o.Current = model.Float(math.Round(cur*10) / 10)
			o.Power = model.Float(math.Round(cur * activeVolt))
			o.Energy = model.Float(math.Round(elapsed/36) / 100)
			bank := 1 + (n-1)%m.numBanks
			o.BankAssignment = model.Int(bank)
			totalCurrent[bank] += cur
		} else {
			o.Current = model.Float(0)
			o.Power = model.Float(0)
		}
		snap.Outlets[n] = o
	}

	for idx := 1; idx <= m.numBanks; idx++ {
		cur := math.Round(totalCurrent[idx]*10) / 10
		b := &model.BankData{
			Number:      idx,
			Current:     model.Float(cur),
			Voltage:     model.Float(activeVolt),
			Power:       model.Float(math.Round(cur * activeVolt)),
			PowerFactor: model.Float(0.95),
			LoadState:   "normal",
		}
		b.ApparentPower = model.Float(math.Round(*b.Power / 0.95))
		snap.Banks[idx] = b
	}

	status := func(v float64) string {
		switch {
		case v <= 0:
			return "underVoltage"
		case v > 140:
			return "overVoltage"
		default:
			return "normal"
		}
	}
	snap.ATS = &model.ATSData{
		PreferredSource: m.preferredSrc,
		CurrentSource:   m.currentSrc,
		AutoTransfer:    true,
		SourceA: &model.SourceData{
			Voltage:       model.Float(m.sourceVolt[1]),
			Frequency:     model.Float(60.0),
			VoltageStatus: status(m.sourceVolt[1]),
		},
		SourceB: &model.SourceData{
			Voltage:       model.Float(m.sourceVolt[2]),
			Frequency:     model.Float(60.0),
			VoltageStatus: status(m.sourceVolt[2]),
		},
		RedundancyOK: model.Bool(m.sourceVolt[1] > 0 && m.sourceVolt[2] > 0),
	}

	ticks := int64(elapsed * 100)
	m.uptime = ticks
	snap.UptimeTicks = &ticks
	return snap, nil
}

// SetOutlet 执行插座命令。reboot 立即回到 on；延时命令按即时处理。
func (m *MockTransport) SetOutlet(ctx context.Context, outlet int, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if outlet < 1 || outlet > m.outletCount {
		return NewError(KindRefused, fmt.Sprintf("outlet %d out of range", outlet), nil)
	}
	switch action {
	case "on", "delayon":
		m.outletStates[outlet] = "on"
	case "off", "delayoff":
		m.outletStates[outlet] = "off"
	case "reboot":
		m.outletStates[outlet] = "on"
	case "cancel":
	default:
		return NewError(KindRefused, fmt.Sprintf("unknown command %q", action), nil)
	}
	return nil
}

func (m *MockTransport) Close() error { return nil }
