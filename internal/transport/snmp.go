package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/mvalancy/pdubridge/internal/model"
)

const (
	// 单批 GET 的 OID 上限。一个周期约 40+ 个 OID，
	// 分批保证单次轮询在局域网内 250ms 以内完成。
	snmpBatchSize = 20

	snmpTimeout = 2 * time.Second
	snmpRetries = 1
)

// SNMPTransport SNMPv2c 传输
type SNMPTransport struct {
	cfg *model.DeviceConfig

	mu    sync.Mutex
	read  *gosnmp.GoSNMP
	write *gosnmp.GoSNMP

	outletCount int
	numBanks    int
	identity    *model.Identity

	bankAssignments map[int]int
	maxLoads        map[int]float64

	// 环境传感器探测: 启动后尝试 3 次，确认缺席后不再读
	enviroProbes   int
	enviroSupport  bool
	enviroResolved bool
}

// NewSNMPTransport 创建 SNMP 传输
func NewSNMPTransport(cfg *model.DeviceConfig) *SNMPTransport {
	return &SNMPTransport{
		cfg:             cfg,
		numBanks:        cfg.NumBanks,
		bankAssignments: make(map[int]int),
		maxLoads:        make(map[int]float64),
	}
}

func (t *SNMPTransport) Name() string { return "snmp" }

func newClient(host string, port int, community string) *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   snmpTimeout,
		Retries:   snmpRetries,
		MaxOids:   snmpBatchSize,
	}
}

func (t *SNMPTransport) readClient() (*gosnmp.GoSNMP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.read == nil {
		c := newClient(t.cfg.Host, t.cfg.SNMPPort, t.cfg.CommunityRead)
		if err := c.Connect(); err != nil {
			return nil, NewError(KindUnreachable, fmt.Sprintf("snmp connect %s:%d", t.cfg.Host, t.cfg.SNMPPort), err)
		}
		t.read = c
	}
	return t.read, nil
}

func (t *SNMPTransport) writeClient() (*gosnmp.GoSNMP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.write == nil {
		c := newClient(t.cfg.Host, t.cfg.SNMPPort, t.cfg.CommunityWrite)
		if err := c.Connect(); err != nil {
			return nil, NewError(KindUnreachable, fmt.Sprintf("snmp connect %s:%d", t.cfg.Host, t.cfg.SNMPPort), err)
		}
		t.write = c
	}
	return t.write, nil
}

// UpdateTarget DHCP 恢复后更新目标地址
func (t *SNMPTransport) UpdateTarget(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Host = host
	if t.read != nil {
		t.read.Conn.Close()
		t.read = nil
	}
	if t.write != nil {
		t.write.Conn.Close()
		t.write = nil
	}
}

func classifySNMPErr(err error) ErrorKind {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "request timeout"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"):
		return KindRefused
	case strings.Contains(msg, "no route") || strings.Contains(msg, "unreachable"):
		return KindUnreachable
	default:
		return KindUnknown
	}
}

// getMany 分批 GET，返回 OID -> 原始值。单个 OID 的 noSuchObject
// 不视为错误，仅从结果中缺席。
func (t *SNMPTransport) getMany(ctx context.Context, oids []string) (model.RawValues, error) {
	client, err := t.readClient()
	if err != nil {
		return nil, err
	}

	values := make(model.RawValues, len(oids))
	for start := 0; start < len(oids); start += snmpBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, NewError(KindTimeout, "poll budget exhausted", err)
		}
		end := start + snmpBatchSize
		if end > len(oids) {
			end = len(oids)
		}

		packet, err := client.Get(oids[start:end])
		if err != nil {
			return nil, NewError(classifySNMPErr(err), "snmp get", err)
		}
		for _, pdu := range packet.Variables {
			storeVariable(values, pdu)
		}
	}
	return values, nil
}

func storeVariable(values model.RawValues, pdu gosnmp.SnmpPDU) {
	oid := strings.TrimPrefix(pdu.Name, ".")
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.Null:
		return
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			values[oid] = string(b)
		}
	case gosnmp.TimeTicks, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.Integer, gosnmp.Counter64:
		values[oid] = gosnmp.ToBigInt(pdu.Value).Int64()
	default:
		values[oid] = fmt.Sprintf("%v", pdu.Value)
	}
}

// Identify 读取设备标识
func (t *SNMPTransport) Identify(ctx context.Context) (*model.Identity, error) {
	raw, err := t.getMany(ctx, []string{
		model.OIDModelNumber, model.OIDSerialNum,
		model.OIDHardwareRev, model.OIDFirmwareRev,
		model.OIDOutletCount, model.OIDPhaseCount, model.OIDMaxCurrent,
		model.OIDSysName, model.OIDSysLocation,
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, NewError(KindUnreachable, "device returned no identity objects", nil)
	}

	id := model.DecodeIdentity(raw)
	if id.OutletCount == 0 {
		id.OutletCount = 10
	}

	t.mu.Lock()
	t.identity = id
	t.outletCount = id.OutletCount
	t.mu.Unlock()
	return id, nil
}

// DiscoverNumBanks 探测 bank 数
func (t *SNMPTransport) DiscoverNumBanks(ctx context.Context) (int, error) {
	raw, err := t.getMany(ctx, []string{model.OIDNumBankTableEntries})
	if err != nil {
		return t.numBanks, err
	}
	if n, ok := raw.Int(model.OIDNumBankTableEntries); ok && n >= 1 {
		t.mu.Lock()
		t.numBanks = int(n)
		t.mu.Unlock()
		return int(n), nil
	}
	return t.numBanks, nil
}

// QueryStartupData 读取插座 bank 归属与额定负载
func (t *SNMPTransport) QueryStartupData(ctx context.Context, outletCount int) (map[int]int, map[int]float64, error) {
	t.mu.Lock()
	t.outletCount = outletCount
	t.mu.Unlock()

	oids := make([]string, 0, outletCount*2)
	for n := 1; n <= outletCount; n++ {
		oids = append(oids, model.OIDOutletBankAssignment(n), model.OIDOutletMaxLoad(n))
	}
	raw, err := t.getMany(ctx, oids)
	if err != nil {
		return nil, nil, err
	}

	assignments := make(map[int]int)
	maxLoads := make(map[int]float64)
	for n := 1; n <= outletCount; n++ {
		if v, ok := raw.Int(model.OIDOutletBankAssignment(n)); ok {
			assignments[n] = int(v)
		}
		if v, ok := raw.Int(model.OIDOutletMaxLoad(n)); ok {
			maxLoads[n] = float64(v) / 10.0
		}
	}

	t.mu.Lock()
	t.bankAssignments = assignments
	t.maxLoads = maxLoads
	t.mu.Unlock()
	return assignments, maxLoads, nil
}

func (t *SNMPTransport) pollOIDs(outletCount, numBanks int) []string {
	oids := []string{
		model.OIDDeviceName, model.OIDOutletCount, model.OIDPhaseCount,
		model.OIDInputVoltage, model.OIDInputFrequency,
		model.OIDATSPreferredSource, model.OIDATSCurrentSource, model.OIDATSAutoTransfer,
		model.OIDSourceAVoltage, model.OIDSourceBVoltage,
		model.OIDSourceAFrequency, model.OIDSourceBFrequency,
		model.OIDSourceAStatus, model.OIDSourceBStatus,
		model.OIDSourceRedundancy,
		model.OIDSysUptime,
	}
	for n := 1; n <= outletCount; n++ {
		oids = append(oids,
			model.OIDOutletName(n), model.OIDOutletState(n),
			model.OIDOutletCurrent(n), model.OIDOutletPower(n), model.OIDOutletEnergy(n))
	}
	for idx := 1; idx <= numBanks; idx++ {
		oids = append(oids,
			model.OIDBankCurrent(idx), model.OIDBankLoadState(idx), model.OIDBankVoltage(idx),
			model.OIDBankActivePower(idx), model.OIDBankApparentPower(idx),
			model.OIDBankPowerFactor(idx), model.OIDBankEnergy(idx), model.OIDBankTimestamp(idx))
	}
	return oids
}

// Poll 读取一个周期的全部指标并解码为快照
func (t *SNMPTransport) Poll(ctx context.Context) (*model.Snapshot, error) {
	t.mu.Lock()
	outletCount := t.outletCount
	numBanks := t.numBanks
	identity := t.identity
	t.mu.Unlock()

	if outletCount == 0 {
		outletCount = 10
	}

	raw, err := t.getMany(ctx, t.pollOIDs(outletCount, numBanks))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, NewError(KindUnreachable, "device returned no objects", nil)
	}

	t.pollEnvironment(ctx, raw)

	snap := model.DecodeSnapshot(raw, outletCount, numBanks, identity)
	for n, o := range snap.Outlets {
		t.mu.Lock()
		if bank, ok := t.bankAssignments[n]; ok {
			o.BankAssignment = model.Int(bank)
		}
		if load, ok := t.maxLoads[n]; ok {
			o.MaxLoad = model.Float(load)
		}
		t.mu.Unlock()
	}
	return snap, nil
}

// pollEnvironment 环境传感器探测，最多 3 次确认缺席
func (t *SNMPTransport) pollEnvironment(ctx context.Context, into model.RawValues) {
	t.mu.Lock()
	resolved, supported := t.enviroResolved, t.enviroSupport
	t.mu.Unlock()
	if resolved && !supported {
		return
	}

	oids := []string{model.OIDEnviroTemperature, model.OIDEnviroTempUnit, model.OIDEnviroHumidity}
	for i := 1; i <= 4; i++ {
		oids = append(oids, model.OIDEnviroContact(i))
	}
	raw, err := t.getMany(ctx, oids)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		return
	}
	if _, ok := raw.Int(model.OIDEnviroTemperature); !ok {
		t.enviroProbes++
		if t.enviroProbes >= 3 {
			t.enviroResolved = true
			t.enviroSupport = false
		}
		return
	}
	t.enviroResolved = true
	t.enviroSupport = true
	for k, v := range raw {
		into[k] = v
	}
}

// SetOutlet 通过 SNMP SET 执行插座命令。
// 延时命令（delayon/delayoff/cancel）仅串口支持。
func (t *SNMPTransport) SetOutlet(ctx context.Context, outlet int, action string) error {
	if action == "delayon" || action == "delayoff" || action == "cancel" {
		return NewError(KindRefused, fmt.Sprintf("command %q requires serial transport", action), nil)
	}
	cmdVal, ok := model.OutletCmdMap[action]
	if !ok {
		return NewError(KindRefused, fmt.Sprintf("unknown command %q", action), nil)
	}
	return t.setInt(ctx, model.OIDOutletCommand(outlet), cmdVal)
}

// SetPreferredSource 设置 ATS 首选输入源（A|B）
func (t *SNMPTransport) SetPreferredSource(ctx context.Context, source string) error {
	val, ok := model.ATSSourceReverse[strings.ToUpper(source)]
	if !ok {
		return NewError(KindRefused, fmt.Sprintf("invalid source %q", source), nil)
	}
	return t.setInt(ctx, model.OIDATSPreferredSource, val)
}

// SetAutoTransfer 设置 ATS 自动切换（1=enabled, 2=disabled）
func (t *SNMPTransport) SetAutoTransfer(ctx context.Context, enabled bool) error {
	val := 2
	if enabled {
		val = 1
	}
	return t.setInt(ctx, model.OIDATSAutoTransfer, val)
}

// SetSysField 写 MIB-II system 字段（sysName/sysLocation/sysContact）
func (t *SNMPTransport) SetSysField(ctx context.Context, oid, value string) error {
	client, err := t.writeClient()
	if err != nil {
		return err
	}
	packet, err := client.Set([]gosnmp.SnmpPDU{{
		Name: oid, Type: gosnmp.OctetString, Value: value,
	}})
	return checkSetResult(packet, err)
}

func (t *SNMPTransport) setInt(ctx context.Context, oid string, value int) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindTimeout, "command budget exhausted", err)
	}
	client, err := t.writeClient()
	if err != nil {
		return err
	}
	packet, err := client.Set([]gosnmp.SnmpPDU{{
		Name: oid, Type: gosnmp.Integer, Value: value,
	}})
	return checkSetResult(packet, err)
}

func checkSetResult(packet *gosnmp.SnmpPacket, err error) error {
	if err != nil {
		return NewError(classifySNMPErr(err), "snmp set", err)
	}
	if packet != nil && packet.Error != gosnmp.NoError {
		return NewError(KindRefused, fmt.Sprintf("snmp set rejected: %v", packet.Error), nil)
	}
	return nil
}

func (t *SNMPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.read != nil && t.read.Conn != nil {
		t.read.Conn.Close()
		t.read = nil
	}
	if t.write != nil && t.write.Conn != nil {
		t.write.Conn.Close()
		t.write = nil
	}
	return nil
}
