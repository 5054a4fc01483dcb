package automation

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mvalancy/pdubridge/internal/fsutil"
	"github.com/mvalancy/pdubridge/internal/model"
)

const maxEvents = 100

// RuleState 规则运行时状态
type RuleState struct {
	Triggered      bool       `json:"triggered"`
	ConditionSince *time.Time `json:"condition_since,omitempty"`
	FiredAt        *time.Time `json:"fired_at,omitempty"`
	FireCount      int        `json:"fire_count"`
}

// Event 自动化事件记录
type Event struct {
	DeviceID string  `json:"device_id"`
	Rule     string  `json:"rule"`
	Type     string  `json:"type"` // triggered | restored | created | updated | deleted | toggled | disabled | security_warning
	Details  string  `json:"details"`
	TS       float64 `json:"ts"`
}

// Action 引擎产出的命令意图，由轮询器去重后下发
type Action struct {
	Outlet int
	Action string
	Rule   string
}

// RuleView 规则 + 状态的对外视图
type RuleView struct {
	Rule
	State RuleState `json:"state"`
}

// Engine 单设备自动化引擎。状态随规则存放；每个快照评估一次。
type Engine struct {
	deviceID  string
	rulesFile string

	mu     sync.Mutex
	rules  map[string]*Rule
	states map[string]*RuleState
	order  []string // 稳定的评估顺序
	events []Event

	now func() time.Time // 测试注入
}

// NewEngine 创建引擎并从规则文件加载
func NewEngine(deviceID, rulesFile string) *Engine {
	e := &Engine{
		deviceID:  deviceID,
		rulesFile: rulesFile,
		rules:     make(map[string]*Rule),
		states:    make(map[string]*RuleState),
		now:       time.Now,
	}
	e.load()
	return e
}

func (e *Engine) load() {
	var rules []*Rule
	if err := fsutil.ReadJSON(e.rulesFile, &rules); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Automation[%s]: failed to load rules from %s: %v", e.deviceID, e.rulesFile, err)
		}
		return
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			log.Printf("Automation[%s]: skipping invalid rule %q: %v", e.deviceID, rule.Name, err)
			continue
		}
		e.rules[rule.Name] = rule
		e.states[rule.Name] = &RuleState{}
		e.order = append(e.order, rule.Name)
	}
	log.Printf("Automation[%s]: loaded %d rules from %s", e.deviceID, len(e.rules), e.rulesFile)
}

// save 原子保存规则文件。调用方持锁。
func (e *Engine) save() {
	rules := make([]*Rule, 0, len(e.rules))
	for _, name := range e.order {
		if rule, ok := e.rules[name]; ok {
			rules = append(rules, rule)
		}
	}
	if err := fsutil.WriteJSONAtomic(e.rulesFile, rules); err != nil {
		log.Printf("Automation[%s]: failed to save rules: %v", e.deviceID, err)
	}
}

// addEvent 追加事件（环形，保留最近 100 条）。调用方持锁。
func (e *Engine) addEvent(rule, eventType, details string) Event {
	event := Event{
		DeviceID: e.deviceID,
		Rule:     rule,
		Type:     eventType,
		Details:  details,
		TS:       float64(e.now().UnixMilli()) / 1000.0,
	}
	e.events = append(e.events, event)
	if len(e.events) > maxEvents {
		e.events = e.events[len(e.events)-maxEvents:]
	}
	return event
}

// Evaluate 对快照评估全部规则。返回命令意图与新事件。
//
//  1. 条件为真且 condition_since 未设置 -> 记下起点
//  2. 持续满 delay 且未触发 -> 产出动作意图并标记 triggered
//  3. 条件为假 -> 清 condition_since；若已触发且 restore -> 反向动作
//  4. oneshot 触发后自动停用
func (e *Engine) Evaluate(snap *model.Snapshot) ([]Action, []Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	weekday := (int(now.Weekday()) + 6) % 7 // Mon=0
	nowMins := now.Hour()*60 + now.Minute()

	var actions []Action
	var newEvents []Event

	for _, name := range e.order {
		rule, ok := e.rules[name]
		if !ok {
			continue
		}
		state := e.states[name]

		if !rule.Enabled || !rule.dayAllowed(weekday) {
			continue
		}

		conditionMet, err := rule.evalCondition(snap, nowMins)
		if err != nil {
			// 评估错误停用单条规则，不影响引擎
			rule.Enabled = false
			e.save()
			newEvents = append(newEvents, e.addEvent(name, "disabled",
				fmt.Sprintf("Rule disabled after evaluation error: %v", err)))
			log.Printf("Automation[%s]: rule %q disabled: %v", e.deviceID, name, err)
			continue
		}

		outlets := rule.Outlet.Outlets()

		switch {
		case conditionMet && !state.Triggered:
			if state.ConditionSince == nil {
				t := now
				state.ConditionSince = &t
			}
			if now.Sub(*state.ConditionSince) >= time.Duration(rule.Delay)*time.Second {
				outletStr := joinInts(outlets)
				newEvents = append(newEvents, e.addEvent(name, "triggered",
					fmt.Sprintf("Input %d %s %s -> outlet(s) %s %s",
						rule.Input, rule.Condition, string(rule.Threshold), outletStr, rule.Action)))
				log.Printf("Automation[%s]: rule %q TRIGGERED: outlet(s) %s -> %s",
					e.deviceID, name, outletStr, rule.Action)

				for _, outlet := range outlets {
					actions = append(actions, Action{Outlet: outlet, Action: rule.Action, Rule: name})
				}
				t := now
				state.Triggered = true
				state.FiredAt = &t
				state.FireCount++
				if rule.ScheduleType == "oneshot" {
					rule.Enabled = false
					e.save()
					log.Printf("Automation[%s]: rule %q oneshot completed, disabled", e.deviceID, name)
				}
			}

		case !conditionMet && state.Triggered && rule.Restore:
			restoreAction := "on"
			if rule.Action == "on" {
				restoreAction = "off"
			}
			outletStr := joinInts(outlets)
			newEvents = append(newEvents, e.addEvent(name, "restored",
				fmt.Sprintf("Input %d recovered -> outlet(s) %s %s", rule.Input, outletStr, restoreAction)))
			log.Printf("Automation[%s]: rule %q RESTORED: outlet(s) %s -> %s",
				e.deviceID, name, outletStr, restoreAction)

			for _, outlet := range outlets {
				actions = append(actions, Action{Outlet: outlet, Action: restoreAction, Rule: name})
			}
			state.Triggered = false
			state.ConditionSince = nil
			state.FiredAt = nil

		case !conditionMet:
			state.ConditionSince = nil
		}
	}
	return actions, newEvents
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ",")
}

// -- CRUD ----------------------------------------------------------------

// List 全部规则及状态
func (e *Engine) List() []RuleView {
	e.mu.Lock()
	defer e.mu.Unlock()

	views := make([]RuleView, 0, len(e.rules))
	for _, name := range e.order {
		rule, ok := e.rules[name]
		if !ok {
			continue
		}
		views = append(views, RuleView{Rule: *rule, State: *e.states[name]})
	}
	return views
}

// Create 新建规则
func (e *Engine) Create(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.Name]; exists {
		return fmt.Errorf("rule %q already exists", rule.Name)
	}
	e.rules[rule.Name] = rule
	e.states[rule.Name] = &RuleState{}
	e.order = append(e.order, rule.Name)
	e.save()
	e.addEvent(rule.Name, "created", fmt.Sprintf("Rule %q created", rule.Name))
	log.Printf("Automation[%s]: created rule %q", e.deviceID, rule.Name)
	return nil
}

// Update 更新规则（重置运行时状态）
func (e *Engine) Update(name string, rule *Rule) error {
	rule.Name = name
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[name]; !exists {
		return fmt.Errorf("rule %q not found", name)
	}
	e.rules[name] = rule
	e.states[name] = &RuleState{}
	e.save()
	e.addEvent(name, "updated", fmt.Sprintf("Rule %q updated", name))
	log.Printf("Automation[%s]: updated rule %q", e.deviceID, name)
	return nil
}

// Delete 删除规则
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[name]; !exists {
		return fmt.Errorf("rule %q not found", name)
	}
	delete(e.rules, name)
	delete(e.states, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.save()
	e.addEvent(name, "deleted", fmt.Sprintf("Rule %q deleted", name))
	log.Printf("Automation[%s]: deleted rule %q", e.deviceID, name)
	return nil
}

// Toggle 翻转规则启用状态，返回新状态
func (e *Engine) Toggle(name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, exists := e.rules[name]
	if !exists {
		return false, fmt.Errorf("rule %q not found", name)
	}
	rule.Enabled = !rule.Enabled
	if rule.Enabled {
		// 重新启用时清掉历史状态
		e.states[name] = &RuleState{}
	}
	e.save()
	state := "disabled"
	if rule.Enabled {
		state = "enabled"
	}
	e.addEvent(name, "toggled", fmt.Sprintf("Rule %q %s", name, state))
	log.Printf("Automation[%s]: toggled rule %q -> %s", e.deviceID, name, state)
	return rule.Enabled, nil
}

// Events 最近事件（新在前）
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Event, len(e.events))
	for i, event := range e.events {
		out[len(e.events)-1-i] = event
	}
	return out
}

// RecordEvent 外部事件（安全告警等）进入同一事件环
func (e *Engine) RecordEvent(rule, eventType, details string) Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addEvent(rule, eventType, details)
}

// RemoveRulesFile 删除规则文件（设备移除时）
func (e *Engine) RemoveRulesFile() error {
	err := os.Remove(e.rulesFile)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SortedNames 规则名列表（诊断用）
func (e *Engine) SortedNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
