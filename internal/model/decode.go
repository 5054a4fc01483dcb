package model

import (
	"strconv"
	"time"
)

// RawValues 一次轮询读回的原始值表，OID -> 值。
// SNMP 整数以 int64 存放，字符串（DisplayString）以 string 存放。
// 缺失的 OID 不出现在表中，解码后对应可选字段保持未设置。
type RawValues map[string]interface{}

// Int 取整数值；不存在或类型不符返回 (0, false)
func (r RawValues) Int(oid string) (int64, bool) {
	v, ok := r[oid]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint32:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// Str 取字符串值；不存在返回空串
func (r RawValues) Str(oid string) string {
	v, ok := r[oid]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}

// 定标规则：电压/电流/频率/电能为十分之一，功率因数为百分之一，
// 有功/视在功率为整数直通。
func (r RawValues) tenths(oid string) *float64 {
	if n, ok := r.Int(oid); ok {
		return Float(float64(n) / 10.0)
	}
	return nil
}

func (r RawValues) hundredths(oid string) *float64 {
	if n, ok := r.Int(oid); ok {
		return Float(float64(n) / 100.0)
	}
	return nil
}

func (r RawValues) watts(oid string) *float64 {
	if n, ok := r.Int(oid); ok {
		return Float(float64(n))
	}
	return nil
}

// DecodeOutlet 解码单个插座。计量地板：原始电流 <=2（0.2A）、
// 原始功率 <=1（1W）归零，空载插座不报幻值。
func DecodeOutlet(raw RawValues, n int) *OutletData {
	o := &OutletData{Number: n, Name: raw.Str(OIDOutletName(n)), State: "unknown"}

	if state, ok := raw.Int(OIDOutletState(n)); ok {
		if s, known := OutletStateMap[int(state)]; known {
			o.State = s
		}
	}

	if rawCur, ok := raw.Int(OIDOutletCurrent(n)); ok {
		if rawCur <= 2 {
			o.Current = Float(0)
		} else {
			o.Current = Float(float64(rawCur) / 10.0)
		}
	}

	if rawPow, ok := raw.Int(OIDOutletPower(n)); ok {
		if rawPow <= 1 {
			o.Power = Float(0)
		} else {
			o.Power = Float(float64(rawPow))
		}
	}

	o.Energy = raw.tenths(OIDOutletEnergy(n))
	return o
}

// DecodeBank 解码单个 bank
func DecodeBank(raw RawValues, idx int) *BankData {
	b := &BankData{Number: idx, LoadState: "unknown"}

	b.Current = raw.tenths(OIDBankCurrent(idx))
	b.Voltage = raw.tenths(OIDBankVoltage(idx))
	b.Power = raw.watts(OIDBankActivePower(idx))
	b.ApparentPower = raw.watts(OIDBankApparentPower(idx))
	b.PowerFactor = raw.hundredths(OIDBankPowerFactor(idx))
	b.Energy = raw.tenths(OIDBankEnergy(idx))
	b.LastUpdate = raw.Str(OIDBankTimestamp(idx))

	if state, ok := raw.Int(OIDBankLoadState(idx)); ok {
		if s, known := BankLoadStateMap[int(state)]; known {
			b.LoadState = s
		}
	}
	return b
}

func decodeSource(raw RawValues, voltOID, freqOID, statusOID string) *SourceData {
	src := &SourceData{VoltageStatus: "unknown"}
	src.Voltage = raw.tenths(voltOID)
	src.Frequency = raw.tenths(freqOID)
	if s, ok := raw.Int(statusOID); ok {
		src.VoltageStatusRaw = Int(int(s))
		if name, known := SourceVolStatusMap[int(s)]; known {
			src.VoltageStatus = name
		}
	}
	if src.Voltage == nil && src.Frequency == nil && src.VoltageStatusRaw == nil {
		return nil
	}
	return src
}

// DecodeATS 解码 ATS 块；非 ATS 机型（无任何 ATS OID）返回 nil
func DecodeATS(raw RawValues) *ATSData {
	preferred, okPref := raw.Int(OIDATSPreferredSource)
	current, okCur := raw.Int(OIDATSCurrentSource)
	if !okPref && !okCur {
		return nil
	}

	ats := &ATSData{
		PreferredSource: int(preferred),
		CurrentSource:   int(current),
		AutoTransfer:    true,
	}
	if auto, ok := raw.Int(OIDATSAutoTransfer); ok {
		ats.AutoTransfer = auto == 1
	}
	ats.SourceA = decodeSource(raw, OIDSourceAVoltage, OIDSourceAFrequency, OIDSourceAStatus)
	ats.SourceB = decodeSource(raw, OIDSourceBVoltage, OIDSourceBFrequency, OIDSourceBStatus)
	if red, ok := raw.Int(OIDSourceRedundancy); ok {
		ats.RedundancyOK = Bool(red == 2)
	}
	return ats
}

// DecodeEnvironment 解码环境传感器块；无温度读数视为传感器不存在
func DecodeEnvironment(raw RawValues) *EnvironmentData {
	rawTemp, ok := raw.Int(OIDEnviroTemperature)
	if !ok {
		return nil
	}

	env := &EnvironmentData{Temperature: Float(float64(rawTemp) / 10.0), TemperatureUnit: "C"}
	if unit, ok := raw.Int(OIDEnviroTempUnit); ok && unit == 2 {
		env.TemperatureUnit = "F"
	}
	if hum, ok := raw.Int(OIDEnviroHumidity); ok {
		env.Humidity = Int(int(hum))
	}

	contacts := make(map[int]bool)
	for i := 1; i <= 4; i++ {
		if v, ok := raw.Int(OIDEnviroContact(i)); ok {
			contacts[i] = v == 2 // 2=closed
		}
	}
	if len(contacts) > 0 {
		env.Contacts = contacts
	}
	return env
}

// DecodeSnapshot 把一次轮询的原始值表解码为快照。
// 解码是全函数：缺失 OID 只导致对应可选字段未设置。
func DecodeSnapshot(raw RawValues, outletCount, numBanks int, identity *Identity) *Snapshot {
	snap := &Snapshot{
		Timestamp:   time.Now(),
		DeviceName:  raw.Str(OIDDeviceName),
		OutletCount: outletCount,
		PhaseCount:  1,
		Outlets:     make(map[int]*OutletData, outletCount),
		Banks:       make(map[int]*BankData, numBanks),
		Identity:    identity,
	}

	if oc, ok := raw.Int(OIDOutletCount); ok && oc > 0 {
		snap.OutletCount = int(oc)
	}
	if pc, ok := raw.Int(OIDPhaseCount); ok && pc > 0 {
		snap.PhaseCount = int(pc)
	}

	snap.InputVoltage = raw.tenths(OIDInputVoltage)
	snap.InputFreq = raw.tenths(OIDInputFrequency)

	for n := 1; n <= outletCount; n++ {
		snap.Outlets[n] = DecodeOutlet(raw, n)
	}
	for idx := 1; idx <= numBanks; idx++ {
		snap.Banks[idx] = DecodeBank(raw, idx)
	}

	snap.ATS = DecodeATS(raw)
	snap.Environment = DecodeEnvironment(raw)

	if ticks, ok := raw.Int(OIDSysUptime); ok {
		snap.UptimeTicks = &ticks
	}
	return snap
}

// DecodeIdentity 解码设备标识
func DecodeIdentity(raw RawValues) *Identity {
	id := &Identity{
		Model:       raw.Str(OIDModelNumber),
		Serial:      raw.Str(OIDSerialNum),
		HardwareRev: raw.Str(OIDHardwareRev),
		FirmwareRev: raw.Str(OIDFirmwareRev),
		Name:        raw.Str(OIDSysName),
		Location:    raw.Str(OIDSysLocation),
	}
	if oc, ok := raw.Int(OIDOutletCount); ok {
		id.OutletCount = int(oc)
	}
	if pc, ok := raw.Int(OIDPhaseCount); ok {
		id.PhaseCount = int(pc)
	}
	if mc, ok := raw.Int(OIDMaxCurrent); ok {
		id.MaxCurrent = float64(mc) / 10.0
	}
	return id
}
