package bridge

import (
	"fmt"
	"time"

	"github.com/mvalancy/pdubridge/internal/health"
)

// HealthReport /api/health 的聚合结果
type HealthReport struct {
	Status  string                 `json:"status"` // healthy | degraded | unhealthy
	Issues  []string               `json:"issues"`
	Uptime  string                 `json:"uptime"`
	Devices map[string]interface{} `json:"devices"`
	MQTT    map[string]interface{} `json:"mqtt"`
	History map[string]interface{} `json:"history"`
	TS      float64                `json:"ts"`
}

const staleThreshold = 30 * time.Second

// Health 聚合各子系统健康状态。设备相关问题带 [device_id] 前缀。
func (m *Manager) Health() *HealthReport {
	report := &HealthReport{
		Status:  "healthy",
		Issues:  []string{},
		Uptime:  m.Uptime().Round(time.Second).String(),
		Devices: make(map[string]interface{}),
		TS:      float64(time.Now().UnixMilli()) / 1000.0,
	}

	degrade := func() {
		if report.Status == "healthy" {
			report.Status = "degraded"
		}
	}

	for _, p := range m.Pollers() {
		id := p.DeviceID()
		view := p.Tracker().View()
		report.Devices[id] = view

		switch p.Tracker().State() {
		case health.Degraded:
			degrade()
			report.Issues = append(report.Issues,
				fmt.Sprintf("[%s] Transport degraded (%d consecutive failures)", id, view.ConsecutiveFail))
		case health.Recovering:
			degrade()
			report.Issues = append(report.Issues,
				fmt.Sprintf("[%s] Running on fallback transport %s", id, view.ActiveTransport))
		case health.Lost:
			report.Status = "unhealthy"
			report.Issues = append(report.Issues,
				fmt.Sprintf("[%s] Device unreachable on all transports", id))
		}

		if snap := p.LastSnapshot(); snap != nil {
			age := time.Since(snap.Timestamp)
			if age > staleThreshold {
				degrade()
				report.Issues = append(report.Issues,
					fmt.Sprintf("[%s] Data is %ds stale", id, int(age.Seconds())))
			}
		} else if !view.LastSuccess.IsZero() {
			degrade()
			report.Issues = append(report.Issues, fmt.Sprintf("[%s] No data yet", id))
		}
	}

	report.MQTT = m.mqtt.Status()
	if !m.mqtt.Connected() {
		degrade()
		report.Issues = append(report.Issues, "MQTT disconnected")
	}
	if dropped := m.mqtt.Dropped(); dropped > 0 {
		report.Issues = append(report.Issues,
			fmt.Sprintf("MQTT offline queue overflowed, %d publishes dropped", dropped))
	}

	writeErrors := m.store.WriteErrors()
	report.History = map[string]interface{}{"write_errors": writeErrors}
	if writeErrors > 0 {
		report.Issues = append(report.Issues,
			fmt.Sprintf("History store reported %d write errors", writeErrors))
	}

	return report
}

// Healthy /api/health 的 HTTP 状态判定
func (r *HealthReport) Healthy() bool {
	return r.Status == "healthy"
}
