package automation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mvalancy/pdubridge/internal/model"
)

// Condition 条件类型。封闭集合: 新增条件是代码变更而不是运行时查表。
type Condition string

const (
	CondVoltageBelow     Condition = "voltage_below"
	CondVoltageAbove     Condition = "voltage_above"
	CondATSSourceIs      Condition = "ats_source_is"
	CondATSPreferredLost Condition = "ats_preferred_lost"
	CondTimeAfter        Condition = "time_after"
	CondTimeBefore       Condition = "time_before"
	CondTimeBetween      Condition = "time_between"
)

var validConditions = map[Condition]bool{
	CondVoltageBelow: true, CondVoltageAbove: true,
	CondATSSourceIs: true, CondATSPreferredLost: true,
	CondTimeAfter: true, CondTimeBefore: true, CondTimeBetween: true,
}

// Rule 自动化规则。name 在设备内唯一。
type Rule struct {
	Name         string          `json:"name"`
	Input        int             `json:"input"` // 1=A, 2=B, 0=N/A
	Condition    Condition       `json:"condition"`
	Threshold    json.RawMessage `json:"threshold"` // float 或 "HH:MM"/"HH:MM-HH:MM"
	Outlet       OutletSpec      `json:"outlet"`
	Action       string          `json:"action"`                  // on | off
	Restore      bool            `json:"restore"`                 // 条件恢复后执行反向动作
	Delay        int             `json:"delay"`                   // 条件须持续的秒数
	DaysOfWeek   []int           `json:"days_of_week,omitempty"`  // 0=Mon..6=Sun, 空=每天
	ScheduleType string          `json:"schedule_type,omitempty"` // continuous | oneshot
	Enabled      bool            `json:"enabled"`

	// 校验后的阈值缓存
	thresholdNum  float64
	thresholdText string
}

// OutletSpec 插座表达式: 标量 n、列表 n,m,k、范围 a-b（含端点）。
// JSON 接受数字、数字数组或字符串表达式。
type OutletSpec struct {
	outlets []int
}

// Outlets 展开后的去重插座列表（升序）
func (o OutletSpec) Outlets() []int {
	out := make([]int, len(o.outlets))
	copy(out, o.outlets)
	return out
}

// NewOutletSpec 由展开列表构造
func NewOutletSpec(outlets ...int) OutletSpec {
	return OutletSpec{outlets: dedupe(outlets)}
}

func dedupe(in []int) []int {
	seen := make(map[int]bool, len(in))
	var out []int
	for _, n := range in {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// ParseOutletExpr 解析插座表达式字符串
func ParseOutletExpr(expr string) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty outlet expression")
	}

	var outlets []int
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("invalid outlet range %q", part)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("invalid outlet range %q", part)
			}
			if start > end {
				return nil, fmt.Errorf("outlet range %q is reversed", part)
			}
			for n := start; n <= end; n++ {
				outlets = append(outlets, n)
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid outlet %q", part)
			}
			outlets = append(outlets, n)
		}
	}

	for _, n := range outlets {
		if n < 1 {
			return nil, fmt.Errorf("outlet must be >= 1, got %d", n)
		}
	}
	return dedupe(outlets), nil
}

// UnmarshalJSON 接受数字、数组或表达式字符串
func (o *OutletSpec) UnmarshalJSON(data []byte) error {
	var num int
	if err := json.Unmarshal(data, &num); err == nil {
		if num < 1 {
			return fmt.Errorf("outlet must be >= 1, got %d", num)
		}
		o.outlets = []int{num}
		return nil
	}

	var list []int
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return fmt.Errorf("outlet list is empty")
		}
		for _, n := range list {
			if n < 1 {
				return fmt.Errorf("outlet must be >= 1, got %d", n)
			}
		}
		o.outlets = dedupe(list)
		return nil
	}

	var expr string
	if err := json.Unmarshal(data, &expr); err == nil {
		outlets, err := ParseOutletExpr(expr)
		if err != nil {
			return err
		}
		o.outlets = outlets
		return nil
	}
	return fmt.Errorf("outlet must be a number, list, or range expression")
}

// MarshalJSON 单插座编码为标量，多插座编码为数组
func (o OutletSpec) MarshalJSON() ([]byte, error) {
	if len(o.outlets) == 1 {
		return json.Marshal(o.outlets[0])
	}
	return json.Marshal(o.outlets)
}

// parseTimeOfDay 解析 "HH:MM" 为自零点的分钟数
func parseTimeOfDay(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid time %q (hour 0-23, minute 0-59)", s)
	}
	return hour*60 + minute, nil
}

// Validate 校验并缓存阈值
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !validConditions[r.Condition] {
		return fmt.Errorf("unknown condition %q", r.Condition)
	}
	if r.Action != "on" && r.Action != "off" {
		return fmt.Errorf("action must be on or off, got %q", r.Action)
	}
	if len(r.Outlet.outlets) == 0 {
		return fmt.Errorf("rule %q has no outlets", r.Name)
	}
	if r.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %d", r.Delay)
	}
	if r.ScheduleType == "" {
		r.ScheduleType = "continuous"
	}
	if r.ScheduleType != "continuous" && r.ScheduleType != "oneshot" {
		return fmt.Errorf("invalid schedule_type %q", r.ScheduleType)
	}
	for _, day := range r.DaysOfWeek {
		if day < 0 || day > 6 {
			return fmt.Errorf("days_of_week values must be 0-6 (Mon-Sun), got %d", day)
		}
	}

	switch r.Condition {
	case CondTimeAfter, CondTimeBefore, CondTimeBetween:
		var text string
		if err := json.Unmarshal(r.Threshold, &text); err != nil {
			return fmt.Errorf("rule %q: time condition requires a string threshold", r.Name)
		}
		if r.Condition == CondTimeBetween {
			startStr, endStr, ok := strings.Cut(text, "-")
			if !ok {
				return fmt.Errorf("time_between threshold must be HH:MM-HH:MM, got %q", text)
			}
			if _, err := parseTimeOfDay(startStr); err != nil {
				return err
			}
			if _, err := parseTimeOfDay(endStr); err != nil {
				return err
			}
		} else if _, err := parseTimeOfDay(text); err != nil {
			return err
		}
		r.thresholdText = text
	case CondATSSourceIs:
		var num float64
		if err := json.Unmarshal(r.Threshold, &num); err != nil {
			// 允许 "A"/"B"
			var text string
			if err := json.Unmarshal(r.Threshold, &text); err != nil {
				return fmt.Errorf("rule %q: ats_source_is requires 1/2 or A/B", r.Name)
			}
			src, ok := model.ATSSourceReverse[strings.ToUpper(strings.TrimSpace(text))]
			if !ok {
				return fmt.Errorf("rule %q: invalid source %q", r.Name, text)
			}
			num = float64(src)
		}
		if num != 1 && num != 2 {
			return fmt.Errorf("rule %q: source must be 1 or 2, got %v", r.Name, num)
		}
		r.thresholdNum = num
	case CondATSPreferredLost:
		// 无阈值
	default:
		var num float64
		if err := json.Unmarshal(r.Threshold, &num); err != nil {
			return fmt.Errorf("rule %q: condition %s requires a numeric threshold", r.Name, r.Condition)
		}
		r.thresholdNum = num
	}
	return nil
}

// dayAllowed 星期过滤（Mon=0）
func (r *Rule) dayAllowed(weekday int) bool {
	if len(r.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range r.DaysOfWeek {
		if d == weekday {
			return true
		}
	}
	return false
}

// evalCondition 对快照求条件值。nowMins 为本地自零点分钟数。
func (r *Rule) evalCondition(snap *model.Snapshot, nowMins int) (bool, error) {
	switch r.Condition {
	case CondATSSourceIs:
		if snap.ATS == nil || snap.ATS.CurrentSource == 0 {
			return false, nil
		}
		return snap.ATS.CurrentSource == int(r.thresholdNum), nil

	case CondATSPreferredLost:
		if snap.ATS == nil || snap.ATS.CurrentSource == 0 || snap.ATS.PreferredSource == 0 {
			return false, nil
		}
		return snap.ATS.CurrentSource != snap.ATS.PreferredSource, nil

	case CondTimeAfter:
		target, err := parseTimeOfDay(r.thresholdText)
		if err != nil {
			return false, err
		}
		return nowMins >= target, nil

	case CondTimeBefore:
		target, err := parseTimeOfDay(r.thresholdText)
		if err != nil {
			return false, err
		}
		return nowMins < target, nil

	case CondTimeBetween:
		startStr, endStr, _ := strings.Cut(r.thresholdText, "-")
		start, err := parseTimeOfDay(startStr)
		if err != nil {
			return false, err
		}
		end, err := parseTimeOfDay(endStr)
		if err != nil {
			return false, err
		}
		if start <= end {
			return nowMins >= start && nowMins < end, nil
		}
		// 跨午夜（22:00-06:00）
		return nowMins >= start || nowMins < end, nil

	case CondVoltageBelow, CondVoltageAbove:
		// 电压条件读规则 input 对应的输入源电压（ePDU2）。
		// 非 ATS 机型退回 bank 1 电压。
		voltage := r.sourceVoltage(snap)
		if voltage == nil {
			return false, nil
		}
		if r.Condition == CondVoltageBelow {
			return *voltage < r.thresholdNum, nil
		}
		return *voltage > r.thresholdNum, nil
	}
	return false, fmt.Errorf("unknown condition %q", r.Condition)
}

func (r *Rule) sourceVoltage(snap *model.Snapshot) *float64 {
	if src := snap.SourceForInput(r.Input); src != nil && src.Voltage != nil {
		return src.Voltage
	}
	if bank, ok := snap.Banks[1]; ok {
		return bank.Voltage
	}
	return nil
}
