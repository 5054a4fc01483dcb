package model

import "time"

// Identity 设备标识（启动后查询一次）
type Identity struct {
	Model       string  `json:"model"`
	Serial      string  `json:"serial"`
	HardwareRev string  `json:"hardware_rev,omitempty"`
	FirmwareRev string  `json:"firmware_rev,omitempty"`
	OutletCount int     `json:"outlet_count"`
	PhaseCount  int     `json:"phase_count"`
	MaxCurrent  float64 `json:"max_current,omitempty"` // A
	Name        string  `json:"name,omitempty"`
	Location    string  `json:"location,omitempty"`
}

// OutletData 单个插座数据
type OutletData struct {
	Number         int      `json:"number"`
	Name           string   `json:"name"`
	State          string   `json:"state"` // on | off | unknown
	Current        *float64 `json:"current,omitempty"`
	Power          *float64 `json:"power,omitempty"`
	Energy         *float64 `json:"energy,omitempty"`
	BankAssignment *int     `json:"bank_assignment,omitempty"`
	MaxLoad        *float64 `json:"max_load,omitempty"`
}

// BankData 单个 bank（断路器分组）数据
type BankData struct {
	Number        int      `json:"number"`
	Current       *float64 `json:"current,omitempty"`
	Voltage       *float64 `json:"voltage,omitempty"`
	Power         *float64 `json:"power,omitempty"`
	ApparentPower *float64 `json:"apparent_power,omitempty"`
	PowerFactor   *float64 `json:"power_factor,omitempty"`
	Energy        *float64 `json:"energy,omitempty"`
	LoadState     string   `json:"load_state"` // normal | low | nearOverload | overload | unknown
	LastUpdate    string   `json:"last_update,omitempty"`
}

// SourceData ePDU2 每路输入源数据（ATS 机型）
type SourceData struct {
	Voltage          *float64 `json:"voltage,omitempty"`
	Frequency        *float64 `json:"frequency,omitempty"`
	VoltageStatus    string   `json:"voltage_status"` // normal | overVoltage | underVoltage | unknown
	VoltageStatusRaw *int     `json:"voltage_status_raw,omitempty"`
}

// ATSData 自动切换开关状态
type ATSData struct {
	PreferredSource int         `json:"preferred_source"` // 1=A, 2=B
	CurrentSource   int         `json:"current_source"`   // 1=A, 2=B
	AutoTransfer    bool        `json:"auto_transfer"`
	SourceA         *SourceData `json:"source_a,omitempty"`
	SourceB         *SourceData `json:"source_b,omitempty"`
	RedundancyOK    *bool       `json:"redundancy_ok,omitempty"`
	// 串口管理面读取的配置项（已知时发布）
	VoltageSensitivity string   `json:"voltage_sensitivity,omitempty"`
	TransferVoltage    *float64 `json:"transfer_voltage,omitempty"`
	VoltageUpperLimit  *float64 `json:"voltage_upper_limit,omitempty"`
	VoltageLowerLimit  *float64 `json:"voltage_lower_limit,omitempty"`
}

// EnvironmentData 环境传感器数据（可选外设）
type EnvironmentData struct {
	Temperature     *float64     `json:"temperature,omitempty"`
	TemperatureUnit string       `json:"temperature_unit,omitempty"` // C | F
	Humidity        *int         `json:"humidity,omitempty"`
	Contacts        map[int]bool `json:"contacts,omitempty"` // true=closed
}

// ColdstartData 上电恢复配置（串口管理面）
type ColdstartData struct {
	Delay *int   `json:"delay,omitempty"` // 秒
	State string `json:"state,omitempty"` // allon | prevstate
}

// Snapshot 单次轮询的不可变解码结果
type Snapshot struct {
	Timestamp    time.Time           `json:"ts"`
	DeviceName   string              `json:"device_name"`
	OutletCount  int                 `json:"outlet_count"`
	PhaseCount   int                 `json:"phase_count"`
	InputVoltage *float64            `json:"input_voltage,omitempty"`
	InputFreq    *float64            `json:"input_frequency,omitempty"`
	Outlets      map[int]*OutletData `json:"outlets"`
	Banks        map[int]*BankData   `json:"banks"`
	ATS          *ATSData            `json:"ats,omitempty"`
	Environment  *EnvironmentData    `json:"environment,omitempty"`
	Coldstart    *ColdstartData      `json:"coldstart,omitempty"`
	Identity     *Identity           `json:"identity,omitempty"`
	UptimeTicks  *int64              `json:"uptime_ticks,omitempty"` // MIB-II TimeTicks（百分之一秒）
}

// TotalLoad 所有 bank 电流之和（A）；无任何 bank 电流时返回 nil
func (s *Snapshot) TotalLoad() *float64 {
	return sumBankField(s.Banks, func(b *BankData) *float64 { return b.Current })
}

// TotalPower 所有 bank 有功功率之和（W）
func (s *Snapshot) TotalPower() *float64 {
	return sumBankField(s.Banks, func(b *BankData) *float64 { return b.Power })
}

// TotalEnergy 所有 bank 电能之和（kWh）
func (s *Snapshot) TotalEnergy() *float64 {
	return sumBankField(s.Banks, func(b *BankData) *float64 { return b.Energy })
}

func sumBankField(banks map[int]*BankData, get func(*BankData) *float64) *float64 {
	var total float64
	found := false
	for _, b := range banks {
		if v := get(b); v != nil {
			total += *v
			found = true
		}
	}
	if !found {
		return nil
	}
	return &total
}

// SourceForInput 返回规则 input 对应的输入源数据（1=A, 2=B）
func (s *Snapshot) SourceForInput(input int) *SourceData {
	if s.ATS == nil {
		return nil
	}
	switch input {
	case 1:
		return s.ATS.SourceA
	case 2:
		return s.ATS.SourceB
	}
	return nil
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }

func Bool(v bool) *bool { return &v }
