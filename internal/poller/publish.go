package poller

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mvalancy/pdubridge/internal/model"
)

// 每周期发布的保留指标主题。可选字段缺失时对应主题不发布，
// 绝不发空占位值。

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (p *Poller) pubFloat(topic string, v *float64) {
	if v == nil {
		return
	}
	p.pub.PublishString(topic, formatFloat(*v), true, 0)
}

func (p *Poller) pubString(topic, v string) {
	if v == "" {
		return
	}
	p.pub.PublishString(topic, v, true, 0)
}

// publishSnapshot 发布一次轮询的全部指标主题与汇总
func (p *Poller) publishSnapshot(snap *model.Snapshot) {
	if p.pub == nil {
		return
	}
	prefix := p.topicPrefix()

	p.publishStatusSummary(snap)

	p.pubFloat(prefix+"/input/voltage", snap.InputVoltage)
	p.pubFloat(prefix+"/input/frequency", snap.InputFreq)

	for n, outlet := range snap.Outlets {
		op := fmt.Sprintf("%s/outlet/%d", prefix, n)
		p.pubString(op+"/state", outlet.State)
		p.pub.PublishString(op+"/name", outlet.Name, true, 0)
		p.pubFloat(op+"/current", outlet.Current)
		p.pubFloat(op+"/power", outlet.Power)
		p.pubFloat(op+"/energy", outlet.Energy)
	}

	for idx, bank := range snap.Banks {
		bp := fmt.Sprintf("%s/bank/%d", prefix, idx)
		p.pubFloat(bp+"/current", bank.Current)
		p.pubFloat(bp+"/voltage", bank.Voltage)
		p.pubFloat(bp+"/power", bank.Power)
		p.pubFloat(bp+"/apparent_power", bank.ApparentPower)
		p.pubFloat(bp+"/power_factor", bank.PowerFactor)
		p.pubFloat(bp+"/energy", bank.Energy)
		p.pubString(bp+"/load_state", bank.LoadState)
		p.pubString(bp+"/last_update", bank.LastUpdate)
	}

	if ats := snap.ATS; ats != nil {
		p.publishATS(prefix, ats)
	}

	p.pubFloat(prefix+"/total/load", snap.TotalLoad())
	p.pubFloat(prefix+"/total/power", snap.TotalPower())
	p.pubFloat(prefix+"/total/energy", snap.TotalEnergy())

	if cs := snap.Coldstart; cs != nil {
		if cs.Delay != nil {
			p.pub.PublishString(prefix+"/coldstart/delay", strconv.Itoa(*cs.Delay), true, 0)
		}
		p.pubString(prefix+"/coldstart/state", cs.State)
	}

	if env := snap.Environment; env != nil {
		p.pubFloat(prefix+"/environment/temperature", env.Temperature)
		if env.Humidity != nil {
			p.pub.PublishString(prefix+"/environment/humidity", strconv.Itoa(*env.Humidity), true, 0)
		}
		for n, closed := range env.Contacts {
			state := "open"
			if closed {
				state = "closed"
			}
			p.pub.PublishString(fmt.Sprintf("%s/environment/contact/%d", prefix, n), state, true, 0)
		}
	}
}

func (p *Poller) publishATS(prefix string, ats *model.ATSData) {
	if src, ok := model.ATSSourceMap[ats.PreferredSource]; ok {
		p.pub.PublishString(prefix+"/ats/preferred_source", src, true, 0)
	}
	if src, ok := model.ATSSourceMap[ats.CurrentSource]; ok {
		p.pub.PublishString(prefix+"/ats/current_source", src, true, 0)
	}
	auto := "off"
	if ats.AutoTransfer {
		auto = "on"
	}
	p.pub.PublishString(prefix+"/ats/auto_transfer", auto, true, 0)

	if ats.RedundancyOK != nil {
		red := "lost"
		if *ats.RedundancyOK {
			red = "ok"
		}
		p.pub.PublishString(prefix+"/ats/redundancy", red, true, 0)
	}

	p.pubString(prefix+"/ats/voltage_sensitivity", ats.VoltageSensitivity)
	p.pubFloat(prefix+"/ats/transfer_voltage", ats.TransferVoltage)
	p.pubFloat(prefix+"/ats/voltage_upper_limit", ats.VoltageUpperLimit)
	p.pubFloat(prefix+"/ats/voltage_lower_limit", ats.VoltageLowerLimit)

	for name, src := range map[string]*model.SourceData{"a": ats.SourceA, "b": ats.SourceB} {
		if src == nil {
			continue
		}
		sp := prefix + "/source/" + name
		p.pubFloat(sp+"/voltage", src.Voltage)
		p.pubFloat(sp+"/frequency", src.Frequency)
		if src.VoltageStatus != "" && src.VoltageStatus != "unknown" {
			p.pub.PublishString(sp+"/voltage_status", src.VoltageStatus, true, 0)
		}
	}
}

// statusSummary /status 主题的 JSON 汇总
type statusSummary struct {
	Device         deviceSummary                `json:"device"`
	ATS            *model.ATSData               `json:"ats,omitempty"`
	Inputs         inputSummary                 `json:"inputs"`
	Outlets        map[string]*model.OutletData `json:"outlets"`
	Banks          map[string]*model.BankData   `json:"banks"`
	Summary        totalsSummary                `json:"summary"`
	Identity       *model.Identity              `json:"identity,omitempty"`
	Transport      string                       `json:"transport"`
	Health         string                       `json:"health"`
	DataAgeSeconds float64                      `json:"data_age_seconds"`
	TS             float64                      `json:"ts"`
}

type deviceSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Label       string `json:"label,omitempty"`
	OutletCount int    `json:"outlet_count"`
	PhaseCount  int    `json:"phase_count"`
}

type inputSummary struct {
	Voltage   *float64 `json:"voltage,omitempty"`
	Frequency *float64 `json:"frequency,omitempty"`
}

type totalsSummary struct {
	Load   *float64 `json:"load,omitempty"`
	Power  *float64 `json:"power,omitempty"`
	Energy *float64 `json:"energy,omitempty"`
}

func (p *Poller) publishStatusSummary(snap *model.Snapshot) {
	outlets := make(map[string]*model.OutletData, len(snap.Outlets))
	for n, o := range snap.Outlets {
		outlets[strconv.Itoa(n)] = o
	}
	banks := make(map[string]*model.BankData, len(snap.Banks))
	for n, b := range snap.Banks {
		banks[strconv.Itoa(n)] = b
	}

	summary := statusSummary{
		Device: deviceSummary{
			ID:          p.cfg.DeviceID,
			Name:        snap.DeviceName,
			Label:       p.cfg.Label,
			OutletCount: snap.OutletCount,
			PhaseCount:  snap.PhaseCount,
		},
		ATS:     snap.ATS,
		Inputs:  inputSummary{Voltage: snap.InputVoltage, Frequency: snap.InputFreq},
		Outlets: outlets,
		Banks:   banks,
		Summary: totalsSummary{
			Load:   snap.TotalLoad(),
			Power:  snap.TotalPower(),
			Energy: snap.TotalEnergy(),
		},
		Identity:       snap.Identity,
		Transport:      p.tracker.ActiveTransport(),
		Health:         p.tracker.State().String(),
		DataAgeSeconds: time.Since(snap.Timestamp).Seconds(),
		TS:             float64(snap.Timestamp.UnixMilli()) / 1000.0,
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return
	}
	p.pub.Publish(p.topicPrefix()+"/status", payload, true, 0)
}

// PublishDeviceInfo /device 主题: 标识 + 设置（约 30 秒一次，
// manager 定时触发）
func (p *Poller) PublishDeviceInfo() {
	if p.pub == nil {
		return
	}
	info := map[string]interface{}{
		"device_id": p.cfg.DeviceID,
		"label":     p.cfg.Label,
		"host":      p.cfg.Host,
		"transport": p.tracker.ActiveTransport(),
		"health":    p.tracker.View(),
		"num_banks": p.cfg.NumBanks,
	}
	if id := p.Identity(); id != nil {
		info["identity"] = id
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return
	}
	p.pub.Publish(p.topicPrefix()+"/device", payload, true, 0)
}

func (p *Poller) publishAutomationStatus() {
	if p.pub == nil || p.engine == nil {
		return
	}
	payload, err := json.Marshal(p.engine.List())
	if err != nil {
		return
	}
	p.pub.Publish(p.topicPrefix()+"/automation/status", payload, true, 0)
}

// PublishAutomationStatus 规则变更后由外部触发重发
func (p *Poller) PublishAutomationStatus() {
	p.publishAutomationStatus()
}

func (p *Poller) publishAutomationEvent(event interface{}) {
	if p.pub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	p.pub.Publish(p.topicPrefix()+"/automation/event", payload, false, 1)
}
