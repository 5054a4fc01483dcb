package health

import (
	"sync"
	"time"
)

// State 传输健康状态
type State int

const (
	Healthy    State = iota // 正常
	Degraded                // 主传输连续失败 >=10
	Recovering              // 连续失败 >=30，备用传输接管
	Lost                    // 两路传输均不可用，等待恢复扫描
)

// String 返回状态字符串
func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Recovering:
		return "recovering"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// 状态迁移阈值
const (
	DegradedThreshold = 10
	SwapThreshold     = 30
)

// Swap 一次传输切换记录
type Swap struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Tracker 单设备传输健康状态机。
// 边数据: 连续失败计数、最近成功时间、当前传输、切换历史。
type Tracker struct {
	mu sync.Mutex

	state           State
	consecutiveFail int
	lastSuccess     time.Time
	lastErrorKind   string
	activeTransport string
	swaps           []Swap
}

// NewTracker 创建状态机
func NewTracker(primaryTransport string) *Tracker {
	return &Tracker{
		state:           Healthy,
		activeTransport: primaryTransport,
	}
}

// RecordSuccess 记录成功轮询: 清零计数并回到 HEALTHY 或保持 RECOVERING。
// 备用传输上的成功保持 RECOVERING（主传输未恢复）。
func (t *Tracker) RecordSuccess(onFallback bool) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFail = 0
	t.lastSuccess = time.Now()
	t.lastErrorKind = ""
	if onFallback {
		t.state = Recovering
	} else {
		t.state = Healthy
	}
	return t.state
}

// RecordFailure 记录失败轮询，返回新状态与是否应尝试切换。
// hasSecondary 表示配置了备用传输且尚未在其上。
func (t *Tracker) RecordFailure(errorKind string, hasSecondary bool) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFail++
	t.lastErrorKind = errorKind

	swap := false
	switch {
	case t.consecutiveFail >= SwapThreshold:
		if hasSecondary {
			swap = true
		} else {
			t.state = Lost
		}
	case t.consecutiveFail >= DegradedThreshold:
		if t.state == Healthy {
			t.state = Degraded
		}
	}
	return t.state, swap
}

// RecordSwap 记录切换完成，进入 RECOVERING 并清零计数
func (t *Tracker) RecordSwap(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.swaps = append(t.swaps, Swap{From: from, To: to, At: time.Now()})
	t.activeTransport = to
	t.state = Recovering
	t.consecutiveFail = 0
}

// MarkLost 标记两路传输均失败
func (t *Tracker) MarkLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Lost
}

// State 当前状态
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConsecutiveFailures 当前连续失败数
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveFail
}

// ActiveTransport 当前激活的传输标识
func (t *Tracker) ActiveTransport() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeTransport
}

// LastSuccess 最近成功时间（零值表示从未成功）
func (t *Tracker) LastSuccess() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSuccess
}

// Snapshot 状态机的只读视图
type Snapshot struct {
	State           string    `json:"state"`
	ConsecutiveFail int       `json:"consecutive_failures"`
	LastSuccess     time.Time `json:"last_success"`
	LastErrorKind   string    `json:"last_error_kind,omitempty"`
	ActiveTransport string    `json:"active_transport"`
	Swaps           []Swap    `json:"swaps,omitempty"`
}

// View 导出只读视图
func (t *Tracker) View() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	swaps := make([]Swap, len(t.swaps))
	copy(swaps, t.swaps)
	return Snapshot{
		State:           t.state.String(),
		ConsecutiveFail: t.consecutiveFail,
		LastSuccess:     t.lastSuccess,
		LastErrorKind:   t.lastErrorKind,
		ActiveTransport: t.activeTransport,
		Swaps:           swaps,
	}
}
