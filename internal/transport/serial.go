package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mvalancy/pdubridge/internal/model"
)

// SerialTransport RS-232 控制台传输。实现 Transport 和 Management。
// 把 CLI 输出映射到与 SNMP 相同的快照模型，下游（MQTT、历史、
// 自动化）无差别处理。
type SerialTransport struct {
	client   *SerialClient
	cfg      *model.DeviceConfig
	identity *model.Identity
	numBanks int
}

// NewSerialTransport 创建串口传输
func NewSerialTransport(cfg *model.DeviceConfig) *SerialTransport {
	return &SerialTransport{
		client:   NewSerialClient(cfg.SerialPort, cfg.SerialBaud, cfg.SerialUsername, cfg.SerialPassword),
		cfg:      cfg,
		numBanks: cfg.NumBanks,
	}
}

func (t *SerialTransport) Name() string { return "serial" }

// Client 底层串口客户端
func (t *SerialTransport) Client() *SerialClient { return t.client }

// Identify 通过 `sys show` 读取标识，插座数来自 `oltsta show`
func (t *SerialTransport) Identify(ctx context.Context) (*model.Identity, error) {
	text, err := t.client.Execute(ctx, "sys show")
	if err != nil {
		return nil, err
	}
	id := ParseSysShow(text)
	if id.Serial == "" && id.Model == "" {
		return nil, NewError(KindParse, "sys show returned no identity", nil)
	}

	oltsta, err := t.client.Execute(ctx, "oltsta show")
	if err == nil {
		id.OutletCount = len(ParseOltstaShow(oltsta))
	}
	if id.OutletCount == 0 {
		id.OutletCount = 10
	}
	id.PhaseCount = 1
	t.identity = id
	return id, nil
}

// DiscoverNumBanks bank 数来自 devsta 的 Bank N Current 行
func (t *SerialTransport) DiscoverNumBanks(ctx context.Context) (int, error) {
	text, err := t.client.Execute(ctx, "devsta show")
	if err != nil {
		return t.numBanks, err
	}
	devsta := ParseDevstaShow(text)
	if len(devsta.BankCurrents) > 0 {
		t.numBanks = len(devsta.BankCurrents)
		return t.numBanks, nil
	}
	if devsta.SourceAVolt != nil && devsta.SourceBVolt != nil {
		t.numBanks = 2
		return 2, nil
	}
	return t.numBanks, nil
}

// QueryStartupData CLI 不提供插座 bank 归属，返回空表
func (t *SerialTransport) QueryStartupData(ctx context.Context, outletCount int) (map[int]int, map[int]float64, error) {
	return map[int]int{}, map[int]float64{}, nil
}

// Poll 通过 CLI 命令读取并组装快照
func (t *SerialTransport) Poll(ctx context.Context) (*model.Snapshot, error) {
	devstaText, err := t.client.Execute(ctx, "devsta show")
	if err != nil {
		return nil, err
	}
	oltstaText, err := t.client.Execute(ctx, "oltsta show")
	if err != nil {
		return nil, err
	}
	srccfgText, err := t.client.Execute(ctx, "srccfg show")
	if err != nil {
		return nil, err
	}
	devcfgText, err := t.client.Execute(ctx, "devcfg show")
	if err != nil {
		return nil, err
	}

	devsta := ParseDevstaShow(devstaText)
	outlets := ParseOltstaShow(oltstaText)
	srccfg := ParseSrccfgShow(srccfgText)
	coldstart := ParseDevcfgShow(devcfgText)

	return buildSerialSnapshot(devsta, outlets, srccfg, coldstart, t.identity), nil
}

// buildSerialSnapshot 组装 CLI 解析结果为快照
func buildSerialSnapshot(devsta *DevStatus, outlets map[int]*model.OutletData,
	srccfg *SourceConfig, coldstart *model.ColdstartData, identity *model.Identity) *model.Snapshot {

	snap := &model.Snapshot{
		Timestamp:   time.Now(),
		OutletCount: len(outlets),
		PhaseCount:  1,
		Outlets:     outlets,
		Banks:       make(map[int]*model.BankData),
		Coldstart:   coldstart,
		Identity:    identity,
	}
	if identity != nil {
		snap.DeviceName = identity.Name
	}

	sourceA := &model.SourceData{Voltage: devsta.SourceAVolt, Frequency: devsta.SourceAFreq, VoltageStatus: devsta.SourceAStat}
	sourceB := &model.SourceData{Voltage: devsta.SourceBVolt, Frequency: devsta.SourceBFreq, VoltageStatus: devsta.SourceBStat}

	ats := &model.ATSData{
		AutoTransfer:       true,
		SourceA:            sourceA,
		SourceB:            sourceB,
		VoltageSensitivity: srccfg.VoltageSensitivity,
		TransferVoltage:    srccfg.TransferVoltage,
		VoltageUpperLimit:  srccfg.VoltageUpperLimit,
		VoltageLowerLimit:  srccfg.VoltageLowerLimit,
	}
	if v, ok := model.ATSSourceReverse[devsta.ActiveSource]; ok {
		ats.CurrentSource = v
	}
	if v, ok := model.ATSSourceReverse[srccfg.PreferredSource]; ok {
		ats.PreferredSource = v
	}
	if devsta.SourceAStat != "unknown" && devsta.SourceBStat != "unknown" {
		ats.RedundancyOK = model.Bool(devsta.SourceAStat == "normal" && devsta.SourceBStat == "normal")
	}
	if ats.CurrentSource != 0 || ats.PreferredSource != 0 {
		snap.ATS = ats
	}

	// 输入电压取当前激活源
	switch devsta.ActiveSource {
	case "A":
		snap.InputVoltage, snap.InputFreq = devsta.SourceAVolt, devsta.SourceAFreq
	case "B":
		snap.InputVoltage, snap.InputFreq = devsta.SourceBVolt, devsta.SourceBFreq
	default:
		snap.InputVoltage, snap.InputFreq = devsta.SourceAVolt, devsta.SourceAFreq
	}

	for bank, current := range devsta.BankCurrents {
		b := &model.BankData{Number: bank, Current: model.Float(current), LoadState: "normal"}
		switch bank {
		case 1:
			b.Voltage = devsta.SourceAVolt
		case 2:
			b.Voltage = devsta.SourceBVolt
		}
		if b.Voltage != nil {
			b.Power = model.Float(current * *b.Voltage)
		}
		snap.Banks[bank] = b
	}
	if len(snap.Banks) == 0 {
		if devsta.SourceAVolt != nil {
			snap.Banks[1] = &model.BankData{Number: 1, Voltage: devsta.SourceAVolt, LoadState: "normal"}
		}
		if devsta.SourceBVolt != nil {
			snap.Banks[2] = &model.BankData{Number: 2, Voltage: devsta.SourceBVolt, LoadState: "normal"}
		}
	}
	return snap
}

// execChecked 执行命令并检查错误文本
func (t *SerialTransport) execChecked(ctx context.Context, command string) error {
	resp, err := t.client.Execute(ctx, command)
	if err != nil {
		return err
	}
	lower := strings.ToLower(resp)
	if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
		return NewError(KindRefused, fmt.Sprintf("device rejected %q", command), nil)
	}
	return nil
}

// SetOutlet 插座命令: oltctrl index N act <cmd>。
// 串口额外支持 delayon/delayoff/cancel。
func (t *SerialTransport) SetOutlet(ctx context.Context, outlet int, action string) error {
	switch action {
	case "on", "off", "reboot", "delayon", "delayoff", "cancel":
	default:
		return NewError(KindRefused, fmt.Sprintf("unknown command %q", action), nil)
	}
	return t.execChecked(ctx, fmt.Sprintf("oltctrl index %d act %s", outlet, action))
}

func (t *SerialTransport) Close() error {
	return t.client.Close()
}

// -- Management ----------------------------------------------------------

func (t *SerialTransport) GetThresholds(ctx context.Context) (*ThresholdConfig, error) {
	devcfg, err := t.client.Execute(ctx, "devcfg show")
	if err != nil {
		return nil, err
	}
	bankcfg, err := t.client.Execute(ctx, "bankcfg show")
	if err != nil {
		return nil, err
	}

	kv := parseKV(devcfg)
	cfg := &ThresholdConfig{BankThresholds: ParseBankcfgShow(bankcfg)}
	cfg.DeviceOverload = leadingFloat(kv["Overload Threshold"])
	cfg.DeviceNearOver = leadingFloat(kv["Near Overload Threshold"])
	cfg.DeviceLowLoad = leadingFloat(kv["Low Load Threshold"])
	return cfg, nil
}

func (t *SerialTransport) SetThresholds(ctx context.Context, cfg *ThresholdConfig) error {
	if cfg.DeviceOverload != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("devcfg overload %d", int(*cfg.DeviceOverload))); err != nil {
			return err
		}
	}
	if cfg.DeviceNearOver != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("devcfg nearover %d", int(*cfg.DeviceNearOver))); err != nil {
			return err
		}
	}
	if cfg.DeviceLowLoad != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("devcfg lowload %d", int(*cfg.DeviceLowLoad))); err != nil {
			return err
		}
	}
	for bank, limits := range cfg.BankThresholds {
		if limits.Overload != nil {
			if err := t.execChecked(ctx, fmt.Sprintf("bankcfg index b%d overload %d", bank, int(*limits.Overload))); err != nil {
				return err
			}
		}
		if limits.NearOverload != nil {
			if err := t.execChecked(ctx, fmt.Sprintf("bankcfg index b%d nearover %d", bank, int(*limits.NearOverload))); err != nil {
				return err
			}
		}
		if limits.LowLoad != nil {
			if err := t.execChecked(ctx, fmt.Sprintf("bankcfg index b%d lowload %d", bank, int(*limits.LowLoad))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *SerialTransport) GetNetwork(ctx context.Context) (*NetworkConfig, error) {
	text, err := t.client.Execute(ctx, "netcfg show")
	if err != nil {
		return nil, err
	}
	return ParseNetcfgShow(text), nil
}

func (t *SerialTransport) SetNetwork(ctx context.Context, cfg *NetworkConfig) error {
	val := "disabled"
	if cfg.DHCP {
		val = "enabled"
	}
	if err := t.execChecked(ctx, "netcfg set dhcp "+val); err != nil {
		return err
	}
	if cfg.IP != "" {
		if err := t.execChecked(ctx, "netcfg set ip "+cfg.IP); err != nil {
			return err
		}
	}
	if cfg.Netmask != "" {
		if err := t.execChecked(ctx, "netcfg set subnet "+cfg.Netmask); err != nil {
			return err
		}
	}
	if cfg.Gateway != "" {
		if err := t.execChecked(ctx, "netcfg set gateway "+cfg.Gateway); err != nil {
			return err
		}
	}
	return nil
}

func (t *SerialTransport) GetATSConfig(ctx context.Context) (*ATSConfig, error) {
	srccfgText, err := t.client.Execute(ctx, "srccfg show")
	if err != nil {
		return nil, err
	}
	devcfgText, err := t.client.Execute(ctx, "devcfg show")
	if err != nil {
		return nil, err
	}

	srccfg := ParseSrccfgShow(srccfgText)
	cfg := &ATSConfig{
		PreferredSource:    srccfg.PreferredSource,
		VoltageSensitivity: srccfg.VoltageSensitivity,
		TransferUpper:      srccfg.VoltageUpperLimit,
		TransferLower:      srccfg.VoltageLowerLimit,
	}
	if cs := ParseDevcfgShow(devcfgText); cs != nil {
		cfg.ColdstartDelay = cs.Delay
		cfg.ColdstartState = cs.State
	}
	return cfg, nil
}

func (t *SerialTransport) SetATSConfig(ctx context.Context, cfg *ATSConfig) error {
	if cfg.PreferredSource != "" {
		src := strings.ToUpper(cfg.PreferredSource)
		if src != "A" && src != "B" {
			return NewError(KindRefused, fmt.Sprintf("invalid source %q", cfg.PreferredSource), nil)
		}
		if err := t.execChecked(ctx, "srccfg set preferred "+src); err != nil {
			return err
		}
	}
	if cfg.VoltageSensitivity != "" {
		sens := strings.ToLower(cfg.VoltageSensitivity)
		if sens != "normal" && sens != "high" && sens != "low" {
			return NewError(KindRefused, fmt.Sprintf("invalid sensitivity %q", cfg.VoltageSensitivity), nil)
		}
		if err := t.execChecked(ctx, "srccfg set sensitivity "+sens); err != nil {
			return err
		}
	}
	if cfg.TransferUpper != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("srccfg set upper %d", int(*cfg.TransferUpper))); err != nil {
			return err
		}
	}
	if cfg.TransferLower != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("srccfg set lower %d", int(*cfg.TransferLower))); err != nil {
			return err
		}
	}
	if cfg.ColdstartDelay != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("devcfg coldstadly %d", *cfg.ColdstartDelay)); err != nil {
			return err
		}
	}
	if cfg.ColdstartState != "" {
		state := strings.ToLower(cfg.ColdstartState)
		if state != "allon" && state != "prevstate" {
			return NewError(KindRefused, fmt.Sprintf("invalid coldstart state %q", cfg.ColdstartState), nil)
		}
		if err := t.execChecked(ctx, "devcfg coldstastate "+state); err != nil {
			return err
		}
	}
	return nil
}

func (t *SerialTransport) SetOutletConfig(ctx context.Context, outlet int, cfg *OutletConfig) error {
	if cfg.Name != "" {
		if err := t.execChecked(ctx, fmt.Sprintf("oltcfg set %d name %s", outlet, cfg.Name)); err != nil {
			return err
		}
	}
	if cfg.OnDelay != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("oltcfg set %d ondelay %d", outlet, *cfg.OnDelay)); err != nil {
			return err
		}
	}
	if cfg.OffDelay != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("oltcfg set %d offdelay %d", outlet, *cfg.OffDelay)); err != nil {
			return err
		}
	}
	if cfg.RebootTime != nil {
		if err := t.execChecked(ctx, fmt.Sprintf("oltcfg set %d rebootdur %d", outlet, *cfg.RebootTime)); err != nil {
			return err
		}
	}
	return nil
}

func (t *SerialTransport) SetDeviceName(ctx context.Context, name string) error {
	return t.execChecked(ctx, "syscfg set name "+name)
}

func (t *SerialTransport) SetDeviceLocation(ctx context.Context, location string) error {
	return t.execChecked(ctx, "syscfg set location "+location)
}

// CheckDefaultCredentials 检测出厂默认凭据 cyber/cyber 是否仍可登录。
// 返回 true 表示默认凭据可用（安全风险）。
func (t *SerialTransport) CheckDefaultCredentials(ctx context.Context) (bool, error) {
	if t.cfg.SerialUsername == "cyber" && t.cfg.SerialPassword == "cyber" {
		return true, nil
	}
	probe := NewSerialClient(t.cfg.SerialPort, t.cfg.SerialBaud, "cyber", "cyber")
	defer probe.Close()
	if err := probe.Connect(); err != nil {
		if KindOf(err) == KindAuthentication {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ChangePassword 交互式改密码（新密码/确认均以空格提交）
func (t *SerialTransport) ChangePassword(ctx context.Context, account, oldPassword, newPassword string) error {
	if account != "admin" && account != "viewer" {
		return NewError(KindRefused, fmt.Sprintf("invalid account %q", account), nil)
	}
	resp, err := t.client.ExecuteInteractive(ctx, fmt.Sprintf("usercfg %s password", account), []InteractiveStep{
		{Expect: "New Password:", Send: newPassword + " "},
		{Expect: "Confirm Password:", Send: newPassword + " "},
	})
	if err != nil {
		return err
	}
	lower := strings.ToLower(resp)
	if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
		return NewError(KindRefused, "password change rejected", nil)
	}
	return nil
}

func (t *SerialTransport) GetEventLog(ctx context.Context) ([]EventLogEntry, error) {
	text, err := t.client.Execute(ctx, "eventlog show")
	if err != nil {
		return nil, err
	}
	return ParseEventlogShow(text), nil
}

func (t *SerialTransport) GetNotifications(ctx context.Context) (*NotificationConfig, error) {
	cfg := &NotificationConfig{}
	if text, err := t.client.Execute(ctx, "trapcfg show"); err == nil {
		cfg.Traps = parseIndexedKV(text, "Trap")
	}
	if text, err := t.client.Execute(ctx, "smtpcfg show"); err == nil {
		cfg.SMTP = parseKV(text)
	}
	if text, err := t.client.Execute(ctx, "emailcfg show"); err == nil {
		cfg.Email = parseIndexedKV(text, "Email")
	}
	if text, err := t.client.Execute(ctx, "syslogcfg show"); err == nil {
		cfg.Syslog = parseIndexedKV(text, "Syslog")
	}
	return cfg, nil
}

func (t *SerialTransport) SetNotifications(ctx context.Context, cfg *NotificationConfig) error {
	for key, val := range cfg.SMTP {
		cmd := ""
		switch strings.ToLower(key) {
		case "server":
			cmd = "smtpcfg set server " + val
		case "sender":
			cmd = "smtpcfg set sender " + val
		case "port":
			cmd = "smtpcfg set port " + val
		}
		if cmd == "" {
			continue
		}
		if err := t.execChecked(ctx, cmd); err != nil {
			return err
		}
	}
	for i, trap := range cfg.Traps {
		if ip := trap["ip"]; ip != "" {
			if err := t.execChecked(ctx, fmt.Sprintf("trapcfg set %d ip %s", i+1, ip)); err != nil {
				return err
			}
		}
	}
	for i, email := range cfg.Email {
		if to := email["to"]; to != "" {
			if err := t.execChecked(ctx, fmt.Sprintf("emailcfg set %d to %s", i+1, to)); err != nil {
				return err
			}
		}
	}
	for i, syslog := range cfg.Syslog {
		if ip := syslog["ip"]; ip != "" {
			if err := t.execChecked(ctx, fmt.Sprintf("syslogcfg set %d ip %s", i+1, ip)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *SerialTransport) GetEnergyWise(ctx context.Context) (*EnergyWiseConfig, error) {
	text, err := t.client.Execute(ctx, "energywise show")
	if err != nil {
		return nil, err
	}
	return ParseEnergywiseShow(text), nil
}

func (t *SerialTransport) SetEnergyWise(ctx context.Context, cfg *EnergyWiseConfig) error {
	val := "disabled"
	if cfg.Enabled {
		val = "enabled"
	}
	if err := t.execChecked(ctx, "energywise set "+val); err != nil {
		return err
	}
	if cfg.Domain != "" {
		if err := t.execChecked(ctx, "energywise set domain "+cfg.Domain); err != nil {
			return err
		}
	}
	if cfg.Port > 0 {
		if err := t.execChecked(ctx, fmt.Sprintf("energywise set port %d", cfg.Port)); err != nil {
			return err
		}
	}
	return nil
}

func (t *SerialTransport) GetUsers(ctx context.Context) (map[string]string, error) {
	text, err := t.client.Execute(ctx, "usercfg show")
	if err != nil {
		return nil, err
	}
	return ParseUsercfgShow(text), nil
}
