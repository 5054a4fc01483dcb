package transport

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mvalancy/pdubridge/internal/model"
)

// 控制台输出的固定格式解析。
// CLI 返回两种形态: "Key : Value" 行，或带表头的表格。

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripCLI 去掉 ANSI 转义、空行和提示符行
func stripCLI(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(ansiRe.ReplaceAllString(line, ""), " \t\r")
		if line == "" || strings.HasPrefix(strings.TrimSpace(line), serialPrompt) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

var kvRe = regexp.MustCompile(`^(.+?)\s*:\s*(.+)$`)

// parseKV 解析 "Key : Value" 行
func parseKV(text string) map[string]string {
	result := make(map[string]string)
	for _, line := range stripCLI(text) {
		if m := kvRe.FindStringSubmatch(line); m != nil {
			result[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
		}
	}
	return result
}

var numRe = regexp.MustCompile(`^([\d.]+)`)

// leadingFloat 取值串开头的数字（"119.7 V" -> 119.7）
func leadingFloat(s string) *float64 {
	if m := numRe.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return &v
		}
	}
	return nil
}

var pairRe = regexp.MustCompile(`([\d.]+)\s*/\s*([\d.]+)`)

// parsePair 解析 "119.7 /119.7 V" 形式的 A/B 双值
func parsePair(s string) (*float64, *float64) {
	m := pairRe.FindStringSubmatch(s)
	if m == nil {
		return nil, nil
	}
	a, errA := strconv.ParseFloat(m[1], 64)
	b, errB := strconv.ParseFloat(m[2], 64)
	var pa, pb *float64
	if errA == nil {
		pa = &a
	}
	if errB == nil {
		pb = &b
	}
	return pa, pb
}

// ParseSysShow 解析 `sys show` 为设备标识。
//
// 示例:
//
//	Name           : PDU44001
//	Location       : Server Room
//	Model Name     : PDU44001
//	Firmware Version : 1.3.4
//	Serial Number  : NLKQY7000136
//	Hardware Version : 3
func ParseSysShow(text string) *model.Identity {
	kv := parseKV(text)
	id := &model.Identity{
		Name:        kv["Name"],
		Location:    kv["Location"],
		Model:       kv["Model Name"],
		FirmwareRev: kv["Firmware Version"],
		Serial:      kv["Serial Number"],
		HardwareRev: kv["Hardware Version"],
	}
	if id.Model == "" {
		id.Model = kv["Model"]
	}
	return id
}

// DevStatus `devsta show` 的解析结果
type DevStatus struct {
	ActiveSource string // A | B | ""
	SourceAVolt  *float64
	SourceBVolt  *float64
	SourceAFreq  *float64
	SourceBFreq  *float64
	SourceAStat  string
	SourceBStat  string
	TotalLoad    *float64
	TotalPower   *float64
	TotalEnergy  *float64
	BankCurrents map[int]float64
}

var bankCurRe = regexp.MustCompile(`^Bank\s+(\d+)\s+Current$`)

// ParseDevstaShow 解析 `devsta show`。
//
// 示例:
//
//	Active Source   : A
//	Source Voltage (A/B) : 119.7 /119.7 V
//	Source Status (A/B) : Normal /Normal
//	Total Load     : 0.3 A
//	Bank 1 Current : 0.2 A
func ParseDevstaShow(text string) *DevStatus {
	kv := parseKV(text)
	st := &DevStatus{
		SourceAStat:  "unknown",
		SourceBStat:  "unknown",
		BankCurrents: make(map[int]float64),
	}

	if active := strings.ToUpper(strings.TrimSpace(kv["Active Source"])); active == "A" || active == "B" {
		st.ActiveSource = active
	}
	st.SourceAVolt, st.SourceBVolt = parsePair(kv["Source Voltage (A/B)"])
	st.SourceAFreq, st.SourceBFreq = parsePair(kv["Source Frequency (A/B)"])

	if m := regexp.MustCompile(`(\w+)\s*/\s*(\w+)`).FindStringSubmatch(kv["Source Status (A/B)"]); m != nil {
		st.SourceAStat = strings.ToLower(m[1])
		st.SourceBStat = strings.ToLower(m[2])
	}

	st.TotalLoad = leadingFloat(kv["Total Load"])
	st.TotalPower = leadingFloat(kv["Total Power"])
	st.TotalEnergy = leadingFloat(kv["Total Energy"])

	for key, val := range kv {
		if m := bankCurRe.FindStringSubmatch(key); m != nil {
			bank, _ := strconv.Atoi(m[1])
			if v := leadingFloat(val); v != nil {
				st.BankCurrents[bank] = *v
			}
		}
	}
	return st
}

var outletRowRe = regexp.MustCompile(`^\s*(\d+)\s+(\S+(?:\s+\S+)*?)\s+(On|Off)\s*(?:([\d.]+)\s*)?(?:([\d.]+)\s*)?$`)

// ParseOltstaShow 解析 `oltsta show` 表格。
//
// 示例:
//
//	Index  Name        Status  Current(A)  Power(W)
//	1      Outlet1     On      0.0         0
func ParseOltstaShow(text string) map[int]*model.OutletData {
	outlets := make(map[int]*model.OutletData)
	for _, line := range stripCLI(text) {
		m := outletRowRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		o := &model.OutletData{
			Number: idx,
			Name:   strings.TrimSpace(m[2]),
			State:  strings.ToLower(m[3]),
		}
		if m[4] != "" {
			if v, err := strconv.ParseFloat(m[4], 64); err == nil {
				o.Current = &v
			}
		}
		if m[5] != "" {
			if v, err := strconv.ParseFloat(m[5], 64); err == nil {
				o.Power = &v
			}
		}
		outlets[idx] = o
	}
	return outlets
}

// SourceConfig `srccfg show` 的解析结果
type SourceConfig struct {
	PreferredSource    string
	VoltageSensitivity string
	TransferVoltage    *float64
	VoltageUpperLimit  *float64
	VoltageLowerLimit  *float64
}

// ParseSrccfgShow 解析 `srccfg show`
func ParseSrccfgShow(text string) *SourceConfig {
	kv := parseKV(text)
	cfg := &SourceConfig{VoltageSensitivity: kv["Voltage Sensitivity"]}
	if pref := strings.ToUpper(strings.TrimSpace(kv["Preferred Source"])); pref == "A" || pref == "B" {
		cfg.PreferredSource = pref
	}
	cfg.TransferVoltage = leadingFloat(kv["Transfer Voltage"])
	cfg.VoltageUpperLimit = leadingFloat(kv["Voltage Upper Limit"])
	cfg.VoltageLowerLimit = leadingFloat(kv["Voltage Lower Limit"])
	return cfg
}

// ParseDevcfgShow 解析 `devcfg show`（上电恢复配置）
func ParseDevcfgShow(text string) *model.ColdstartData {
	kv := parseKV(text)
	cs := &model.ColdstartData{}
	if v := leadingFloat(kv["Coldstart Delay"]); v != nil {
		cs.Delay = model.Int(int(*v))
	}
	switch strings.ToLower(strings.TrimSpace(kv["Coldstart State"])) {
	case "all on", "allon":
		cs.State = "allon"
	case "previous state", "prevstate":
		cs.State = "prevstate"
	}
	if cs.Delay == nil && cs.State == "" {
		return nil
	}
	return cs
}

// ParseNetcfgShow 解析 `netcfg show`
func ParseNetcfgShow(text string) *NetworkConfig {
	kv := parseKV(text)
	return &NetworkConfig{
		DHCP:    strings.EqualFold(strings.TrimSpace(kv["DHCP"]), "enabled"),
		IP:      kv["IP Address"],
		Netmask: kv["Subnet Mask"],
		Gateway: kv["Gateway"],
		DNS:     kv["DNS Server"],
	}
}

// ParseBankcfgShow 解析 `bankcfg show` 为 bank 阈值表
func ParseBankcfgShow(text string) map[int]BankLimits {
	result := make(map[int]BankLimits)
	re := regexp.MustCompile(`^Bank\s+(\d+)\s+(Overload|Near Overload|Low Load)$`)
	for key, val := range parseKV(text) {
		m := re.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		bank, _ := strconv.Atoi(m[1])
		limits := result[bank]
		switch m[2] {
		case "Overload":
			limits.Overload = leadingFloat(val)
		case "Near Overload":
			limits.NearOverload = leadingFloat(val)
		case "Low Load":
			limits.LowLoad = leadingFloat(val)
		}
		result[bank] = limits
	}
	return result
}

var eventRowRe = regexp.MustCompile(`^\s*(\d{2}/\d{2}/\d{4}\s+\d{2}:\d{2}:\d{2})\s+(.+)$`)

// ParseEventlogShow 解析 `eventlog show`
func ParseEventlogShow(text string) []EventLogEntry {
	var entries []EventLogEntry
	for _, line := range stripCLI(text) {
		m := eventRowRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		desc := strings.TrimSpace(m[2])
		entries = append(entries, EventLogEntry{
			Timestamp:   m[1],
			Description: desc,
			Category:    classifyEvent(desc),
		})
	}
	return entries
}

func classifyEvent(desc string) string {
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "outlet"):
		return "outlet"
	case strings.Contains(lower, "source") || strings.Contains(lower, "transfer"):
		return "ats"
	case strings.Contains(lower, "login") || strings.Contains(lower, "password"):
		return "security"
	case strings.Contains(lower, "overload") || strings.Contains(lower, "load"):
		return "load"
	default:
		return "system"
	}
}

// ParseUsercfgShow 解析 `usercfg show` 为账号 -> 权限
func ParseUsercfgShow(text string) map[string]string {
	users := make(map[string]string)
	re := regexp.MustCompile(`^(Administrator|Viewer|Outlet User)\s+Name$`)
	kv := parseKV(text)
	for key, val := range kv {
		if m := re.FindStringSubmatch(key); m != nil {
			users[val] = strings.ToLower(strings.ReplaceAll(m[1], " ", "_"))
		}
	}
	return users
}

// parseIndexedKV 解析 "Trap 1 IP : x" 形式的分组键值
func parseIndexedKV(text, prefix string) []map[string]string {
	re := regexp.MustCompile(`^` + prefix + `\s+(\d+)\s+(.+)$`)
	grouped := make(map[int]map[string]string)
	maxIdx := 0
	for key, val := range parseKV(text) {
		m := re.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		if grouped[idx] == nil {
			grouped[idx] = make(map[string]string)
		}
		grouped[idx][strings.ToLower(strings.ReplaceAll(m[2], " ", "_"))] = val
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	result := make([]map[string]string, 0, maxIdx)
	for i := 1; i <= maxIdx; i++ {
		if entry, ok := grouped[i]; ok {
			result = append(result, entry)
		}
	}
	return result
}

// ParseEnergywiseShow 解析 `energywise show`
func ParseEnergywiseShow(text string) *EnergyWiseConfig {
	kv := parseKV(text)
	cfg := &EnergyWiseConfig{
		Enabled: strings.EqualFold(strings.TrimSpace(kv["EnergyWise"]), "enabled"),
		Domain:  kv["Domain"],
	}
	if v := leadingFloat(kv["Port"]); v != nil {
		cfg.Port = int(*v)
	}
	return cfg
}
