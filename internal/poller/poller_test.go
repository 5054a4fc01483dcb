package poller

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mvalancy/pdubridge/internal/automation"
	"github.com/mvalancy/pdubridge/internal/health"
	"github.com/mvalancy/pdubridge/internal/model"
	"github.com/mvalancy/pdubridge/internal/transport"
)

// fakePublisher 记录发布的主题与负载
type fakePublisher struct {
	mu     sync.Mutex
	topics map[string][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{topics: make(map[string][]byte)}
}

func (f *fakePublisher) Publish(topic string, payload []byte, retained bool, qos byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topic] = append([]byte(nil), payload...)
}

func (f *fakePublisher) PublishString(topic, payload string, retained bool, qos byte) {
	f.Publish(topic, []byte(payload), retained, qos)
}

func (f *fakePublisher) get(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.topics[topic]
	return string(v), ok
}

func (f *fakePublisher) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for topic := range f.topics {
		if strings.HasPrefix(topic, prefix) {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu    sync.Mutex
	count int
	last  *model.Snapshot
}

func (f *fakeRecorder) Append(deviceID string, snap *model.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.last = snap
}

func (f *fakeRecorder) samples() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func testConfig(id string) *model.DeviceConfig {
	cfg := &model.DeviceConfig{DeviceID: id, Host: "127.0.0.1", Transport: "snmp", Enabled: true}
	cfg.ApplyDefaults()
	return cfg
}

func newTestPoller(t *testing.T, mock *transport.MockTransport, secondary transport.Transport) (*Poller, *fakePublisher, *fakeRecorder) {
	t.Helper()
	pub := newFakePublisher()
	rec := &fakeRecorder{}
	engine := automation.NewEngine("pdu44001", filepath.Join(t.TempDir(), "rules.json"))

	p := New(Options{
		Config:    testConfig("pdu44001"),
		Primary:   mock,
		Secondary: secondary,
		Publisher: pub,
		Recorder:  rec,
		Engine:    engine,
		Interval:  10 * time.Millisecond,
	})
	return p, pub, rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPollerPublishesAndRecords(t *testing.T) {
	mock := transport.NewMockTransport("pdu44001")
	p, pub, rec := newTestPoller(t, mock, nil)

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return rec.samples() >= 3 }, "no samples recorded")

	if state, ok := pub.get("pdu/pdu44001/outlet/3/state"); !ok || state != "on" {
		t.Errorf("outlet 3 state topic = %q (%v), want on", state, ok)
	}
	if _, ok := pub.get("pdu/pdu44001/status"); !ok {
		t.Error("status summary not published")
	}
	if _, ok := pub.get("pdu/pdu44001/ats/current_source"); !ok {
		t.Error("ATS topic not published")
	}
	if volt, ok := pub.get("pdu/pdu44001/input/voltage"); !ok || volt == "" {
		t.Error("input voltage not published")
	}

	// 快照时间戳严格递增
	snap1 := p.LastSnapshot()
	waitFor(t, time.Second, func() bool {
		snap2 := p.LastSnapshot()
		return snap2 != nil && snap1 != nil && snap2.Timestamp.After(snap1.Timestamp)
	}, "snapshot timestamps not increasing")

	if p.Tracker().State() != health.Healthy {
		t.Errorf("state = %v, want healthy", p.Tracker().State())
	}
	if p.Identity() == nil {
		t.Error("identity not populated on startup")
	}
}

func TestPollerCommandPath(t *testing.T) {
	mock := transport.NewMockTransport("pdu44001")
	p, pub, _ := newTestPoller(t, mock, nil)

	p.Start(context.Background())
	defer p.Stop()

	result := make(chan *CommandResponse, 1)
	if !p.EnqueueCommand(&Command{Outlet: 3, Action: "off", Origin: "http", Result: result}) {
		t.Fatal("enqueue rejected")
	}

	select {
	case resp := <-result:
		if !resp.Success {
			t.Fatalf("command failed: %s", resp.Error)
		}
		if resp.Command != "off" || resp.Outlet != 3 {
			t.Errorf("response = %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no command response")
	}

	if mock.OutletState(3) != "off" {
		t.Errorf("mock outlet 3 = %q, want off", mock.OutletState(3))
	}

	// 响应主题发布
	waitFor(t, time.Second, func() bool {
		_, ok := pub.get("pdu/pdu44001/outlet/3/command/response")
		return ok
	}, "command response topic not published")

	payload, _ := pub.get("pdu/pdu44001/outlet/3/command/response")
	var resp CommandResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("bad response payload: %v", err)
	}
	if !resp.Success {
		t.Errorf("published response success = false")
	}

	// 下一周期后状态主题跟进
	waitFor(t, 2*time.Second, func() bool {
		state, _ := pub.get("pdu/pdu44001/outlet/3/state")
		return state == "off"
	}, "outlet state topic did not follow command")
}

func TestPollerUnknownCommand(t *testing.T) {
	mock := transport.NewMockTransport("pdu44001")
	p, _, _ := newTestPoller(t, mock, nil)

	p.Start(context.Background())
	defer p.Stop()

	result := make(chan *CommandResponse, 1)
	p.EnqueueCommand(&Command{Outlet: 1, Action: "explode", Origin: "mqtt", Result: result})

	select {
	case resp := <-result:
		if resp.Success {
			t.Error("unknown command reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response for unknown command")
	}
}

func TestPollerFailoverToSecondary(t *testing.T) {
	primary := transport.NewMockTransport("pdu44001")
	secondary := transport.NewMockTransport("pdu44001")
	p, _, rec := newTestPoller(t, primary, secondary)

	p.Start(context.Background())
	defer p.Stop()

	// 先等几个健康周期
	waitFor(t, 2*time.Second, func() bool { return rec.samples() >= 2 }, "no healthy cycles")

	// 主传输连续失败
	primary.FailNext(1000, transport.KindTimeout)

	waitFor(t, 5*time.Second, func() bool {
		return p.Tracker().State() == health.Recovering
	}, "did not reach recovering state after primary failure")

	if p.Tracker().ActiveTransport() != "mock" {
		t.Errorf("active transport = %q", p.Tracker().ActiveTransport())
	}
	view := p.Tracker().View()
	if len(view.Swaps) != 1 {
		t.Fatalf("swap history = %+v, want 1 entry", view.Swaps)
	}

	// 备用传输上数据继续流动
	before := rec.samples()
	waitFor(t, 2*time.Second, func() bool { return rec.samples() > before+2 },
		"metrics did not resume on fallback transport")
}

func TestPollerLostWithoutSecondary(t *testing.T) {
	primary := transport.NewMockTransport("pdu44001")
	p, _, _ := newTestPoller(t, primary, nil)

	primary.FailNext(1000, transport.KindUnreachable)
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return p.Tracker().State() == health.Lost
	}, "did not reach lost state without secondary")
}

func TestPollerDegradedAfterTenFailures(t *testing.T) {
	primary := transport.NewMockTransport("pdu44001")
	p, _, _ := newTestPoller(t, primary, nil)

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return p.LastSnapshot() != nil }, "no first snapshot")

	primary.FailNext(15, transport.KindTimeout)
	waitFor(t, 3*time.Second, func() bool {
		return p.Tracker().State() == health.Degraded
	}, "did not degrade after 10 failures")

	// 失败消耗完后自动恢复
	waitFor(t, 3*time.Second, func() bool {
		return p.Tracker().State() == health.Healthy
	}, "did not recover to healthy")
}

func TestPollerAutomationRoundTrip(t *testing.T) {
	mock := transport.NewMockTransport("pdu44001")
	p, pub, _ := newTestPoller(t, mock, nil)

	rule := &automation.Rule{
		Name:      "low",
		Input:     1,
		Condition: automation.CondVoltageBelow,
		Threshold: json.RawMessage("100"),
		Outlet:    automation.NewOutletSpec(5),
		Action:    "off",
		Restore:   true,
		Delay:     0,
		Enabled:   true,
	}
	if err := p.Engine().Create(rule); err != nil {
		t.Fatalf("Create rule: %v", err)
	}

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return p.LastSnapshot() != nil }, "no first snapshot")

	// 输入 A 电压跌破阈值
	mock.SetSourceVoltage(1, 95)

	waitFor(t, 3*time.Second, func() bool {
		return mock.OutletState(5) == "off"
	}, "rule did not switch outlet 5 off")

	// 自动化事件发布
	if _, ok := pub.get("pdu/pdu44001/automation/event"); !ok {
		t.Error("automation event not published")
	}

	// 电压恢复: restore 把插座拉回 on
	mock.SetSourceVoltage(1, 120)
	waitFor(t, 3*time.Second, func() bool {
		return mock.OutletState(5) == "on"
	}, "restore did not switch outlet 5 back on")
}

func TestPollerRebootDetection(t *testing.T) {
	mock := transport.NewMockTransport("pdu44001")
	p, pub, _ := newTestPoller(t, mock, nil)

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return p.LastSnapshot() != nil }, "no first snapshot")
	// 让 uptime 先涨一点
	time.Sleep(100 * time.Millisecond)

	mock.SimulateReboot()

	waitFor(t, 3*time.Second, func() bool {
		payload, ok := pub.get("pdu/pdu44001/bridge/event")
		return ok && strings.Contains(payload, "reboot")
	}, "reboot event not published")
}

func TestPollerOutletNameOverride(t *testing.T) {
	mock := transport.NewMockTransport("pdu44001")
	p, pub, _ := newTestPoller(t, mock, nil)
	p.SetOutletNames(map[string]string{"2": "NAS"})

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		name, _ := pub.get("pdu/pdu44001/outlet/2/name")
		return name == "NAS"
	}, "outlet name override not applied")

	// 未覆盖的保持设备名
	if name, _ := pub.get("pdu/pdu44001/outlet/1/name"); name != "Outlet1" {
		t.Errorf("outlet 1 name = %q, want Outlet1", name)
	}
}

func TestPollerStopDrainsCommands(t *testing.T) {
	mock := transport.NewMockTransport("pdu44001")
	p, _, _ := newTestPoller(t, mock, nil)

	p.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return p.LastSnapshot() != nil }, "no first snapshot")

	p.Stop()

	// 停止后入队立即拿到失败响应（队列由 drain 清空或 worker 已退出）
	result := make(chan *CommandResponse, 1)
	p.drainCommands()
	p.EnqueueCommand(&Command{Outlet: 1, Action: "off", Origin: "http", Result: result})
	p.drainCommands()

	select {
	case resp := <-result:
		if resp.Success {
			t.Error("command succeeded after stop")
		}
		if resp.Error != "cancelled" {
			t.Errorf("error = %q, want cancelled", resp.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("no cancelled response after stop")
	}
}

func TestDedupeActions(t *testing.T) {
	actions := []automation.Action{
		{Outlet: 1, Action: "off", Rule: "a"},
		{Outlet: 2, Action: "off", Rule: "a"},
		{Outlet: 1, Action: "on", Rule: "b"},
	}
	out := dedupeActions(actions)
	if len(out) != 2 {
		t.Fatalf("deduped to %d actions, want 2", len(out))
	}
	for _, a := range out {
		if a.Outlet == 1 && a.Action != "on" {
			t.Errorf("outlet 1 action = %q, want last-wins on", a.Action)
		}
	}
}
