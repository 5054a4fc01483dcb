package model

import "fmt"

// CyberPower ePDU MIB 根节点
const BaseOID = "1.3.6.1.4.1.3808.1.1.3"

// 设备标识
const (
	OIDDeviceName  = BaseOID + ".1.1.0"
	OIDHardwareRev = BaseOID + ".1.2.0"
	OIDFirmwareRev = BaseOID + ".1.3.0"
	OIDModelNumber = BaseOID + ".1.5.0"
	OIDSerialNum   = BaseOID + ".1.6.0"
	OIDOutletCount = BaseOID + ".1.8.0"
	OIDPhaseCount  = BaseOID + ".1.9.0"
	OIDMaxCurrent  = BaseOID + ".1.10.0"
)

// 输入（总线/输出 — ATS 机型不区分输入源）
const (
	OIDInputVoltage   = BaseOID + ".5.7.0"
	OIDInputFrequency = BaseOID + ".5.8.0"
)

// ATS（自动切换开关）— ePDU MIB
const (
	OIDATSPreferredSource = BaseOID + ".4.1.1.0" // 1=A, 2=B
	OIDATSCurrentSource   = BaseOID + ".4.1.2.0" // 1=A, 2=B
	OIDATSAutoTransfer    = BaseOID + ".4.1.3.0" // 1=enabled, 2=disabled
)

// Bank 表条目数（启动时探测）
const OIDNumBankTableEntries = BaseOID + ".2.1.0"

// ePDU2 Source Status — 每路输入电压与状态（ePDU2SourceStatusEntry）
const ePDU2SourceEntry = "1.3.6.1.4.1.3808.1.1.6.9.4.1"

const (
	OIDSourceAVoltage   = ePDU2SourceEntry + ".5.1"  // 0.1V
	OIDSourceBVoltage   = ePDU2SourceEntry + ".6.1"  // 0.1V
	OIDSourceAFrequency = ePDU2SourceEntry + ".7.1"  // 0.1Hz
	OIDSourceBFrequency = ePDU2SourceEntry + ".8.1"  // 0.1Hz
	OIDSourceAStatus    = ePDU2SourceEntry + ".9.1"  // 1=normal,2=over,3=under
	OIDSourceBStatus    = ePDU2SourceEntry + ".10.1" // 1=normal,2=over,3=under
	OIDSourceRedundancy = ePDU2SourceEntry + ".16.1" // 1=lost,2=redundant
)

// 环境传感器（ENVIROSENSOR，可选外设）
const enviroBase = "1.3.6.1.4.1.3808.1.1.4"

const (
	OIDEnviroTemperature = enviroBase + ".2.1.0" // 0.1 度
	OIDEnviroTempUnit    = enviroBase + ".2.5.0" // 1=C, 2=F
	OIDEnviroHumidity    = enviroBase + ".3.1.0" // %
)

// OIDEnviroContact 干接点状态 n=1..4（1=open, 2=closed）
func OIDEnviroContact(n int) string {
	return fmt.Sprintf("%s.4.3.1.3.%d", enviroBase, n)
}

// MIB-II system 组
const (
	OIDSysUptime   = "1.3.6.1.2.1.1.3.0"
	OIDSysContact  = "1.3.6.1.2.1.1.4.0"
	OIDSysName     = "1.3.6.1.2.1.1.5.0"
	OIDSysLocation = "1.3.6.1.2.1.1.6.0"
)

func OIDOutletName(n int) string {
	return fmt.Sprintf("%s.3.3.1.1.2.%d", BaseOID, n)
}

func OIDOutletCommand(n int) string {
	return fmt.Sprintf("%s.3.3.1.1.4.%d", BaseOID, n)
}

func OIDOutletBankAssignment(n int) string {
	return fmt.Sprintf("%s.3.3.1.1.5.%d", BaseOID, n)
}

func OIDOutletMaxLoad(n int) string {
	return fmt.Sprintf("%s.3.3.1.1.6.%d", BaseOID, n)
}

func OIDOutletState(n int) string {
	return fmt.Sprintf("%s.3.5.1.1.4.%d", BaseOID, n)
}

func OIDOutletCurrent(n int) string {
	return fmt.Sprintf("%s.3.5.1.1.5.%d", BaseOID, n)
}

func OIDOutletPower(n int) string {
	return fmt.Sprintf("%s.3.5.1.1.6.%d", BaseOID, n)
}

func OIDOutletEnergy(n int) string {
	return fmt.Sprintf("%s.3.5.1.1.7.%d", BaseOID, n)
}

func OIDBankCurrent(idx int) string {
	return fmt.Sprintf("%s.2.3.1.1.2.%d", BaseOID, idx)
}

func OIDBankLoadState(idx int) string {
	return fmt.Sprintf("%s.2.3.1.1.3.%d", BaseOID, idx)
}

func OIDBankVoltage(idx int) string {
	return fmt.Sprintf("%s.2.3.1.1.6.%d", BaseOID, idx)
}

func OIDBankActivePower(idx int) string {
	return fmt.Sprintf("%s.2.3.1.1.7.%d", BaseOID, idx)
}

func OIDBankApparentPower(idx int) string {
	return fmt.Sprintf("%s.2.3.1.1.8.%d", BaseOID, idx)
}

func OIDBankPowerFactor(idx int) string {
	return fmt.Sprintf("%s.2.3.1.1.9.%d", BaseOID, idx)
}

func OIDBankEnergy(idx int) string {
	return fmt.Sprintf("%s.2.3.1.1.10.%d", BaseOID, idx)
}

func OIDBankTimestamp(idx int) string {
	return fmt.Sprintf("%s.2.3.1.1.11.%d", BaseOID, idx)
}

// 插座命令值
const (
	OutletCmdOn     = 1
	OutletCmdOff    = 2
	OutletCmdReboot = 3
)

// 插座状态值
const (
	OutletStateOn  = 1
	OutletStateOff = 2
)

// OutletStateMap 插座状态码 -> 字符串
var OutletStateMap = map[int]string{
	OutletStateOn:  "on",
	OutletStateOff: "off",
}

// BankLoadStateMap bank 负载状态码 -> 字符串
var BankLoadStateMap = map[int]string{
	1: "normal",
	2: "low",
	3: "nearOverload",
	4: "overload",
}

// OutletCmdMap 命令字符串 -> SNMP SET 值（延时命令仅串口支持）
var OutletCmdMap = map[string]int{
	"on":     OutletCmdOn,
	"off":    OutletCmdOff,
	"reboot": OutletCmdReboot,
}

// ATSSourceMap 输入源码 -> 名称
var ATSSourceMap = map[int]string{1: "A", 2: "B"}

// ATSSourceReverse 输入源名称 -> 码
var ATSSourceReverse = map[string]int{"A": 1, "B": 2}

// SourceVolStatusMap 输入电压状态码 -> 字符串
var SourceVolStatusMap = map[int]string{
	1: "normal",
	2: "overVoltage",
	3: "underVoltage",
}
