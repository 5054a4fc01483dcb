package automation

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mvalancy/pdubridge/internal/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine("pdu44001", filepath.Join(t.TempDir(), "rules_pdu44001.json"))
}

func atsSnapshot(voltA, voltB float64, current, preferred int) *model.Snapshot {
	return &model.Snapshot{
		Timestamp: time.Now(),
		Banks: map[int]*model.BankData{
			1: {Number: 1, Voltage: model.Float(120.0), LoadState: "normal"},
		},
		ATS: &model.ATSData{
			PreferredSource: preferred,
			CurrentSource:   current,
			AutoTransfer:    true,
			SourceA:         &model.SourceData{Voltage: model.Float(voltA), VoltageStatus: "normal"},
			SourceB:         &model.SourceData{Voltage: model.Float(voltB), VoltageStatus: "normal"},
		},
	}
}

func mustRule(t *testing.T, jsonStr string) *Rule {
	t.Helper()
	var r Rule
	if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}
	return &r
}

func TestRuleDelaySemantics(t *testing.T) {
	e := newTestEngine(t)
	clock := time.Date(2026, 8, 5, 12, 0, 0, 0, time.Local) // Wednesday
	e.now = func() time.Time { return clock }

	rule := mustRule(t, `{"name":"low","input":1,"condition":"voltage_below","threshold":100,
		"outlet":5,"action":"off","restore":true,"delay":5,"enabled":true}`)
	if err := e.Create(rule); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 条件成立但 delay 未满: 不触发
	actions, _ := e.Evaluate(atsSnapshot(95, 120, 1, 1))
	if len(actions) != 0 {
		t.Fatalf("fired before delay window: %v", actions)
	}

	clock = clock.Add(3 * time.Second)
	actions, _ = e.Evaluate(atsSnapshot(95, 120, 1, 1))
	if len(actions) != 0 {
		t.Fatalf("fired at 3s with 5s delay: %v", actions)
	}

	// 中途条件失败重置计时
	clock = clock.Add(time.Second)
	e.Evaluate(atsSnapshot(120, 120, 1, 1))
	clock = clock.Add(4 * time.Second)
	actions, _ = e.Evaluate(atsSnapshot(95, 120, 1, 1))
	if len(actions) != 0 {
		t.Fatalf("delay timer did not reset on false sample: %v", actions)
	}

	// 持续 5 秒后触发
	clock = clock.Add(5 * time.Second)
	actions, events := e.Evaluate(atsSnapshot(95, 120, 1, 1))
	if len(actions) != 1 || actions[0].Outlet != 5 || actions[0].Action != "off" {
		t.Fatalf("actions = %v, want outlet 5 off", actions)
	}
	if len(events) != 1 || events[0].Type != "triggered" {
		t.Fatalf("events = %v, want triggered", events)
	}

	// 触发后不重复
	clock = clock.Add(time.Second)
	actions, _ = e.Evaluate(atsSnapshot(95, 120, 1, 1))
	if len(actions) != 0 {
		t.Fatalf("re-fired while triggered: %v", actions)
	}

	// 电压恢复: restore 反向动作
	clock = clock.Add(time.Second)
	actions, events = e.Evaluate(atsSnapshot(120, 120, 1, 1))
	if len(actions) != 1 || actions[0].Action != "on" {
		t.Fatalf("restore actions = %v, want outlet 5 on", actions)
	}
	if len(events) != 1 || events[0].Type != "restored" {
		t.Fatalf("events = %v, want restored", events)
	}

	// continuous: 恢复后可再次触发
	clock = clock.Add(10 * time.Second)
	e.Evaluate(atsSnapshot(95, 120, 1, 1))
	clock = clock.Add(5 * time.Second)
	actions, _ = e.Evaluate(atsSnapshot(95, 120, 1, 1))
	if len(actions) != 1 {
		t.Fatalf("continuous rule did not re-arm: %v", actions)
	}
}

func TestZeroDelayFiresOnFirstSample(t *testing.T) {
	e := newTestEngine(t)
	e.now = func() time.Time { return time.Date(2026, 8, 5, 12, 0, 0, 0, time.Local) }

	rule := mustRule(t, `{"name":"instant","input":2,"condition":"voltage_below","threshold":100,
		"outlet":"1-3","action":"off","restore":false,"delay":0,"enabled":true}`)
	if err := e.Create(rule); err != nil {
		t.Fatalf("Create: %v", err)
	}

	actions, _ := e.Evaluate(atsSnapshot(120, 90, 1, 1))
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3 (outlets 1-3)", len(actions))
	}
	for i, a := range actions {
		if a.Outlet != i+1 {
			t.Errorf("action %d outlet = %d, want %d", i, a.Outlet, i+1)
		}
	}
}

func TestOneshotAutoDisables(t *testing.T) {
	e := newTestEngine(t)
	e.now = func() time.Time { return time.Date(2026, 8, 5, 12, 0, 0, 0, time.Local) }

	rule := mustRule(t, `{"name":"once","input":1,"condition":"ats_preferred_lost","threshold":null,
		"outlet":2,"action":"off","restore":false,"delay":0,"schedule_type":"oneshot","enabled":true}`)
	if err := e.Create(rule); err != nil {
		t.Fatalf("Create: %v", err)
	}

	actions, _ := e.Evaluate(atsSnapshot(0, 120, 2, 1))
	if len(actions) != 1 {
		t.Fatalf("oneshot did not fire: %v", actions)
	}

	// 已停用: 不再评估
	actions, _ = e.Evaluate(atsSnapshot(0, 120, 2, 1))
	if len(actions) != 0 {
		t.Fatalf("oneshot fired twice: %v", actions)
	}

	views := e.List()
	if len(views) != 1 || views[0].Enabled {
		t.Error("oneshot rule should be disabled after firing")
	}
}

func TestATSSourceIs(t *testing.T) {
	e := newTestEngine(t)
	e.now = func() time.Time { return time.Date(2026, 8, 5, 12, 0, 0, 0, time.Local) }

	rule := mustRule(t, `{"name":"onb","input":0,"condition":"ats_source_is","threshold":2,
		"outlet":1,"action":"off","restore":true,"delay":0,"enabled":true}`)
	if err := e.Create(rule); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if actions, _ := e.Evaluate(atsSnapshot(120, 120, 1, 1)); len(actions) != 0 {
		t.Fatalf("fired on source A: %v", actions)
	}
	if actions, _ := e.Evaluate(atsSnapshot(0, 120, 2, 1)); len(actions) != 1 {
		t.Fatal("did not fire on source B")
	}
}

func TestTimeBetweenMidnightWrap(t *testing.T) {
	e := newTestEngine(t)

	rule := mustRule(t, `{"name":"night","input":0,"condition":"time_between","threshold":"22:00-06:00",
		"outlet":1,"action":"off","restore":true,"delay":0,"enabled":true}`)
	if err := rule.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		hour, minute int
		want         bool
	}{
		{23, 59, true},
		{5, 59, true},
		{22, 0, true},
		{6, 0, false},
		{12, 0, false},
	}
	for _, tc := range cases {
		got, err := rule.evalCondition(&model.Snapshot{}, tc.hour*60+tc.minute)
		if err != nil {
			t.Fatalf("evalCondition: %v", err)
		}
		if got != tc.want {
			t.Errorf("time_between(22:00-06:00) at %02d:%02d = %v, want %v",
				tc.hour, tc.minute, got, tc.want)
		}
	}
	_ = e
}

func TestDaysOfWeekFilter(t *testing.T) {
	e := newTestEngine(t)
	// 2026-08-05 is a Wednesday (weekday 2, Mon=0)
	clock := time.Date(2026, 8, 5, 12, 0, 0, 0, time.Local)
	e.now = func() time.Time { return clock }

	rule := mustRule(t, `{"name":"weekend","input":1,"condition":"voltage_below","threshold":100,
		"outlet":1,"action":"off","restore":false,"delay":0,"days_of_week":[5,6],"enabled":true}`)
	if err := e.Create(rule); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if actions, _ := e.Evaluate(atsSnapshot(90, 120, 1, 1)); len(actions) != 0 {
		t.Fatalf("weekend rule fired on Wednesday: %v", actions)
	}

	clock = time.Date(2026, 8, 8, 12, 0, 0, 0, time.Local) // Saturday (5)
	if actions, _ := e.Evaluate(atsSnapshot(90, 120, 1, 1)); len(actions) != 1 {
		t.Fatal("weekend rule did not fire on Saturday")
	}
}

func TestVoltageFallbackToBank1(t *testing.T) {
	rule := mustRule(t, `{"name":"nb","input":1,"condition":"voltage_below","threshold":110,
		"outlet":1,"action":"off","restore":false,"delay":0,"enabled":true}`)
	if err := rule.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// 无 ATS 块: 退回 bank 1 电压
	snap := &model.Snapshot{
		Banks: map[int]*model.BankData{
			1: {Number: 1, Voltage: model.Float(100.0), LoadState: "normal"},
		},
	}
	got, err := rule.evalCondition(snap, 720)
	if err != nil {
		t.Fatalf("evalCondition: %v", err)
	}
	if !got {
		t.Error("voltage_below did not fall back to bank 1 voltage")
	}
}

func TestOutletSpecGrammar(t *testing.T) {
	tests := []struct {
		expr    string
		want    []int
		wantErr bool
	}{
		{"1-4", []int{1, 2, 3, 4}, false},
		{"1,3,5", []int{1, 3, 5}, false},
		{"7", []int{7}, false},
		{"1-3,5", []int{1, 2, 3, 5}, false},
		{"2,2,1-2", []int{1, 2}, false},
		{"0", nil, true},
		{"4-1", nil, true},
		{"a-b", nil, true},
		{"", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseOutletExpr(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOutletExpr(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("ParseOutletExpr(%q) = %v, want %v", tt.expr, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseOutletExpr(%q) = %v, want %v", tt.expr, got, tt.want)
				break
			}
		}
	}
}

func TestRulePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rules_p1.json")

	e := NewEngine("p1", file)
	rule := mustRule(t, `{"name":"low","input":1,"condition":"voltage_below","threshold":100,
		"outlet":[5,7],"action":"off","restore":true,"delay":5,"enabled":true}`)
	if err := e.Create(rule); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 重新加载
	e2 := NewEngine("p1", file)
	views := e2.List()
	if len(views) != 1 {
		t.Fatalf("reloaded %d rules, want 1", len(views))
	}
	got := views[0]
	if got.Name != "low" || got.Delay != 5 || !got.Restore {
		t.Errorf("reloaded rule mismatch: %+v", got)
	}
	outlets := got.Outlet.Outlets()
	if len(outlets) != 2 || outlets[0] != 5 || outlets[1] != 7 {
		t.Errorf("reloaded outlets = %v, want [5 7]", outlets)
	}
}

func TestInvalidRuleRejected(t *testing.T) {
	e := newTestEngine(t)

	bad := []string{
		`{"name":"x","input":1,"condition":"voltage_sideways","threshold":1,"outlet":1,"action":"off","enabled":true}`,
		`{"name":"x","input":1,"condition":"voltage_below","threshold":1,"outlet":1,"action":"explode","enabled":true}`,
		`{"name":"x","input":1,"condition":"time_between","threshold":"22:00","outlet":1,"action":"off","enabled":true}`,
		`{"name":"x","input":1,"condition":"time_after","threshold":"25:99","outlet":1,"action":"off","enabled":true}`,
		`{"name":"","input":1,"condition":"voltage_below","threshold":1,"outlet":1,"action":"off","enabled":true}`,
	}
	for _, jsonStr := range bad {
		var r Rule
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			continue // unmarshal 失败同样算拒绝
		}
		if err := e.Create(&r); err == nil {
			t.Errorf("invalid rule accepted: %s", jsonStr)
		}
	}
}

func TestEventsRing(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 150; i++ {
		e.RecordEvent("r", "triggered", "x")
	}
	events := e.Events()
	if len(events) != maxEvents {
		t.Errorf("events ring length = %d, want %d", len(events), maxEvents)
	}
}

func TestDuplicateRuleName(t *testing.T) {
	e := newTestEngine(t)
	rule := mustRule(t, `{"name":"dup","input":1,"condition":"voltage_below","threshold":100,
		"outlet":1,"action":"off","enabled":true}`)
	if err := e.Create(rule); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dup := mustRule(t, `{"name":"dup","input":1,"condition":"voltage_above","threshold":130,
		"outlet":2,"action":"on","enabled":true}`)
	if err := e.Create(dup); err == nil {
		t.Error("duplicate rule name accepted")
	}
}
