package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mvalancy/pdubridge/internal/automation"
	"github.com/mvalancy/pdubridge/internal/health"
	"github.com/mvalancy/pdubridge/internal/model"
	"github.com/mvalancy/pdubridge/internal/transport"
)

const (
	DefaultInterval = 1000 * time.Millisecond

	// LOST 状态下每隔这么多周期尝试一次子网恢复扫描
	recoveryScanEvery = 60
)

// Publisher 轮询器可见的窄发布接口（由 MQTT 客户端实现）
type Publisher interface {
	Publish(topic string, payload []byte, retained bool, qos byte)
	PublishString(topic, payload string, retained bool, qos byte)
}

// Recorder 历史写入接口
type Recorder interface {
	Append(deviceID string, snap *model.Snapshot)
}

// Scanner DHCP 恢复扫描回调。按硬件序列号在子网内找设备，
// 返回新的 host。可为 nil（LOST 为稳定态）。
type Scanner func(ctx context.Context, subnet, serial string) (string, error)

// Poller 单设备轮询器。每设备一个，启动后常驻。
type Poller struct {
	cfg    *model.DeviceConfig
	pub    Publisher
	rec    Recorder
	engine *automation.Engine

	primary   transport.Transport
	secondary transport.Transport
	tracker   *health.Tracker
	scanner   Scanner

	interval time.Duration

	// 传输串行点: 命令在途时轮询不得使用传输
	ioMu sync.Mutex

	mu           sync.Mutex
	active       transport.Transport
	onFallback   bool
	identity     *model.Identity
	lastSnapshot *model.Snapshot
	lastUptime   *int64
	outletNames  map[string]string
	paused       bool
	lostCycles   int
	scanRunning  bool

	commands  chan *Command
	notifyFns []func(*model.Snapshot)

	cancel context.CancelFunc
	done   chan struct{}
}

// Options 轮询器构造参数
type Options struct {
	Config    *model.DeviceConfig
	Primary   transport.Transport
	Secondary transport.Transport // 可为 nil
	Publisher Publisher
	Recorder  Recorder
	Engine    *automation.Engine
	Scanner   Scanner
	Interval  time.Duration
}

// New 创建轮询器
func New(opts Options) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		cfg:         opts.Config,
		pub:         opts.Publisher,
		rec:         opts.Recorder,
		engine:      opts.Engine,
		primary:     opts.Primary,
		secondary:   opts.Secondary,
		scanner:     opts.Scanner,
		interval:    interval,
		active:      opts.Primary,
		tracker:     health.NewTracker(opts.Primary.Name()),
		outletNames: make(map[string]string),
		commands:    make(chan *Command, 64),
		done:        make(chan struct{}),
	}
}

// DeviceID 设备标识
func (p *Poller) DeviceID() string { return p.cfg.DeviceID }

// Config 设备配置
func (p *Poller) Config() *model.DeviceConfig { return p.cfg }

// Engine 自动化引擎
func (p *Poller) Engine() *automation.Engine { return p.engine }

// Tracker 健康状态机
func (p *Poller) Tracker() *health.Tracker { return p.tracker }

// topicPrefix 设备主题前缀
func (p *Poller) topicPrefix() string {
	return "pdu/" + p.cfg.DeviceID
}

// SetOutletNames 应用插座名覆盖（键为插座号字符串）
func (p *Poller) SetOutletNames(names map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outletNames = names
}

// OutletNames 当前覆盖表
func (p *Poller) OutletNames() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.outletNames))
	for k, v := range p.outletNames {
		out[k] = v
	}
	return out
}

// Subscribe 注册快照通知（HTTP facade / SSE）
func (p *Poller) Subscribe(fn func(*model.Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifyFns = append(p.notifyFns, fn)
}

// LastSnapshot 最近一次成功轮询的快照（last known good）
func (p *Poller) LastSnapshot() *model.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSnapshot
}

// Identity 设备标识（首次成功后非 nil）
func (p *Poller) Identity() *model.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// Management 当前激活传输的管理面；不支持时返回 nil
func (p *Poller) Management() transport.Management {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.active.(transport.Management); ok {
		return m
	}
	if p.secondary != nil {
		if m, ok := p.secondary.(transport.Management); ok {
			return m
		}
	}
	return nil
}

// Pause 暂停轮询（不释放传输）
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume 恢复轮询
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Start 启动轮询器
func (p *Poller) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	go p.run(ctx)
}

// Stop 在周期边界停止轮询器: 释放传输，用 cancelled 响应清空
// 命令队列后退出。
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

// run 主循环。周期节拍: 算出 deadline，轮询，处理，睡到 deadline。
// 超时的周期立即开始下一轮，但不追赶超过一个被跳过的周期。
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.shutdown()

	go p.commandWorker(ctx)

	p.startup(ctx)

	pollCount := 0
	for {
		if ctx.Err() != nil {
			return
		}
		deadline := time.Now().Add(p.interval)

		p.mu.Lock()
		paused := p.paused
		p.mu.Unlock()

		if !paused {
			p.cycle(ctx)
			pollCount++
			if pollCount%60 == 1 {
				if snap := p.LastSnapshot(); snap != nil {
					voltage := 0.0
					if snap.InputVoltage != nil {
						voltage = *snap.InputVoltage
					}
					log.Printf("Poller[%s]: poll #%d: voltage=%.1fV, %d outlets, %d banks",
						p.cfg.DeviceID, pollCount, voltage, len(snap.Outlets), len(snap.Banks))
				}
			}
		}

		sleep := time.Until(deadline)
		if sleep < 0 {
			// 超时周期: 立即继续，不积累欠账
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// startup 启动期: 读标识、探测 bank 数、读启动数据
func (p *Poller) startup(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	p.ioLock()
	defer p.ioUnlock()

	active := p.activeTransport()
	id, err := active.Identify(tctx)
	if err != nil {
		log.Printf("Poller[%s]: identity query failed (will retry on first healthy cycle): %v",
			p.cfg.DeviceID, err)
		return
	}
	p.setIdentity(id)

	if prober, ok := active.(transport.StartupProber); ok {
		if n, err := prober.DiscoverNumBanks(tctx); err == nil && n > 0 {
			p.cfg.NumBanks = n
		}
		if id.OutletCount > 0 {
			prober.QueryStartupData(tctx, id.OutletCount)
		}
	}
	log.Printf("Poller[%s]: identified %s serial=%s, %d outlets",
		p.cfg.DeviceID, id.Model, id.Serial, id.OutletCount)
}

func (p *Poller) setIdentity(id *model.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = id
	if p.cfg.Serial == "" && id.Serial != "" {
		p.cfg.Serial = id.Serial
	}
}

func (p *Poller) activeTransport() transport.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// cycle 单个轮询周期
func (p *Poller) cycle(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	p.ioLock()
	active := p.activeTransport()
	snap, err := active.Poll(tctx)
	p.ioUnlock()

	if err != nil {
		p.onPollFailure(ctx, err)
		return
	}
	p.onPollSuccess(ctx, snap)
}

func (p *Poller) onPollSuccess(ctx context.Context, snap *model.Snapshot) {
	p.mu.Lock()
	onFallback := p.onFallback
	p.mu.Unlock()

	prev := p.tracker.State()
	state := p.tracker.RecordSuccess(onFallback)
	if prev != state {
		log.Printf("Poller[%s]: transport %s, state %s -> %s",
			p.cfg.DeviceID, p.tracker.ActiveTransport(), prev, state)
	}
	p.mu.Lock()
	p.lostCycles = 0
	p.mu.Unlock()

	// 标识缺失时补读
	if p.Identity() == nil {
		p.startup(ctx)
	}
	snap.Identity = p.Identity()

	p.detectReboot(ctx, snap)
	p.applyOutletNames(snap)

	p.publishSnapshot(snap)

	if p.rec != nil {
		p.rec.Append(p.cfg.DeviceID, snap)
	}

	if p.engine != nil {
		actions, events := p.engine.Evaluate(snap)
		for _, event := range events {
			p.publishAutomationEvent(event)
		}
		if len(events) > 0 || len(actions) > 0 {
			p.publishAutomationStatus()
		}
		for _, action := range dedupeActions(actions) {
			p.EnqueueCommand(&Command{
				Outlet: action.Outlet,
				Action: action.Action,
				Origin: "automation:" + action.Rule,
			})
		}
	}

	p.mu.Lock()
	p.lastSnapshot = snap
	notify := make([]func(*model.Snapshot), len(p.notifyFns))
	copy(notify, p.notifyFns)
	p.mu.Unlock()

	for _, fn := range notify {
		fn(snap)
	}
}

// dedupeActions 每周期对同一插座只保留最后一个动作
func dedupeActions(actions []automation.Action) []automation.Action {
	byOutlet := make(map[int]int, len(actions)) // outlet -> 最后一个索引
	for i, a := range actions {
		byOutlet[a.Outlet] = i
	}
	out := make([]automation.Action, 0, len(byOutlet))
	for i, a := range actions {
		if byOutlet[a.Outlet] == i {
			out = append(out, a)
		}
	}
	return out
}

func (p *Poller) onPollFailure(ctx context.Context, err error) {
	kind := string(transport.KindOf(err))
	hasSecondary := p.hasSecondaryAvailable()
	state, wantSwap := p.tracker.RecordFailure(kind, hasSecondary)
	fails := p.tracker.ConsecutiveFailures()

	// 降噪: 第 10 次告警一次，之后每 10 次一条
	if fails == health.DegradedThreshold || fails%10 == 0 {
		log.Printf("Poller[%s]: %d consecutive poll failures (%s), state=%s: %v",
			p.cfg.DeviceID, fails, kind, state, err)
	}

	if wantSwap {
		p.swapTransport(ctx)
		return
	}

	if state == health.Lost {
		p.mu.Lock()
		p.lostCycles++
		lost := p.lostCycles
		p.mu.Unlock()
		if lost%recoveryScanEvery == 1 {
			p.scheduleRecoveryScan(ctx)
		}
	}
	// 失败周期不发布过期快照指标
}

func (p *Poller) hasSecondaryAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secondary != nil && !p.onFallback
}

// swapTransport 热切换到备用传输。对周期原子: 当前周期已结束，
// 下一周期在新传输上开始。标识缺失时重新识别。
func (p *Poller) swapTransport(ctx context.Context) {
	p.mu.Lock()
	if p.secondary == nil || p.onFallback {
		p.mu.Unlock()
		return
	}
	from := p.active.Name()
	p.active = p.secondary
	p.onFallback = true
	to := p.active.Name()
	p.mu.Unlock()

	p.tracker.RecordSwap(from, to)
	log.Printf("Poller[%s]: transport swap %s -> %s", p.cfg.DeviceID, from, to)

	p.publishDeviceEvent("transport_swap", fmt.Sprintf("Transport failover %s -> %s", from, to))
	p.PublishDeviceInfo()
}

// detectReboot uptime 回退说明设备重启: 发事件并重读标识
func (p *Poller) detectReboot(ctx context.Context, snap *model.Snapshot) {
	if snap.UptimeTicks == nil {
		return
	}
	p.mu.Lock()
	last := p.lastUptime
	ticks := *snap.UptimeTicks
	p.lastUptime = &ticks
	p.mu.Unlock()

	if last != nil && ticks < *last {
		log.Printf("Poller[%s]: device reboot detected (uptime %d -> %d)", p.cfg.DeviceID, *last, ticks)
		p.publishDeviceEvent("reboot", "Device reboot detected, re-reading identity")
		p.mu.Lock()
		p.identity = nil
		p.mu.Unlock()
		p.startup(ctx)
		snap.Identity = p.Identity()
	}
}

func (p *Poller) applyOutletNames(snap *model.Snapshot) {
	p.mu.Lock()
	names := p.outletNames
	p.mu.Unlock()
	if len(names) == 0 {
		return
	}
	for n, outlet := range snap.Outlets {
		if name, ok := names[fmt.Sprintf("%d", n)]; ok {
			outlet.Name = name
		}
	}
}

// scheduleRecoveryScan LOST 持续时后台尝试子网扫描找回设备
func (p *Poller) scheduleRecoveryScan(ctx context.Context) {
	if p.scanner == nil || p.cfg.Host == "" || p.cfg.Serial == "" {
		return
	}
	p.mu.Lock()
	if p.scanRunning {
		p.mu.Unlock()
		return
	}
	p.scanRunning = true
	p.mu.Unlock()

	subnet := p.cfg.RecoverySubnet
	serial := p.cfg.Serial

	go func() {
		defer func() {
			p.mu.Lock()
			p.scanRunning = false
			p.mu.Unlock()
		}()
		sctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()

		log.Printf("Poller[%s]: starting subnet recovery scan for serial %s", p.cfg.DeviceID, serial)
		host, err := p.scanner(sctx, subnet, serial)
		if err != nil || host == "" {
			log.Printf("Poller[%s]: recovery scan found nothing: %v", p.cfg.DeviceID, err)
			return
		}

		log.Printf("Poller[%s]: recovery scan found device at %s", p.cfg.DeviceID, host)
		p.mu.Lock()
		p.cfg.Host = host
		active := p.active
		p.mu.Unlock()
		if rt, ok := active.(transport.Retargeter); ok {
			rt.UpdateTarget(host)
		}
		p.publishDeviceEvent("host_recovered", fmt.Sprintf("Device rediscovered at %s", host))
	}()
}

func (p *Poller) publishDeviceEvent(eventType, details string) {
	if p.pub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"device_id": p.cfg.DeviceID,
		"type":      eventType,
		"details":   details,
		"ts":        float64(time.Now().UnixMilli()) / 1000.0,
	})
	p.pub.Publish(p.topicPrefix()+"/bridge/event", payload, false, 1)
}

// shutdown 停止时释放传输并拒绝排队命令
func (p *Poller) shutdown() {
	p.drainCommands()
	p.primary.Close()
	if p.secondary != nil {
		p.secondary.Close()
	}
	log.Printf("Poller[%s]: stopped", p.cfg.DeviceID)
}
