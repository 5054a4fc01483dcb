package model

import (
	"testing"
)

func TestDecodeOutletScaling(t *testing.T) {
	raw := RawValues{
		OIDOutletName(3):    "Server",
		OIDOutletState(3):   int64(1),
		OIDOutletCurrent(3): int64(54),
		OIDOutletPower(3):   int64(620),
		OIDOutletEnergy(3):  int64(1234),
	}

	o := DecodeOutlet(raw, 3)
	if o.Name != "Server" {
		t.Errorf("Name = %q, want Server", o.Name)
	}
	if o.State != "on" {
		t.Errorf("State = %q, want on", o.State)
	}
	if o.Current == nil || *o.Current != 5.4 {
		t.Errorf("Current = %v, want 5.4", o.Current)
	}
	if o.Power == nil || *o.Power != 620 {
		t.Errorf("Power = %v, want 620", o.Power)
	}
	if o.Energy == nil || *o.Energy != 123.4 {
		t.Errorf("Energy = %v, want 123.4", o.Energy)
	}
}

func TestDecodeOutletMeteringFloor(t *testing.T) {
	// 原始电流 2（0.2A）归零，3 为 0.3A
	raw := RawValues{OIDOutletCurrent(1): int64(2), OIDOutletPower(1): int64(1)}
	o := DecodeOutlet(raw, 1)
	if o.Current == nil || *o.Current != 0 {
		t.Errorf("Current = %v, want 0", o.Current)
	}
	if o.Power == nil || *o.Power != 0 {
		t.Errorf("Power = %v, want 0", o.Power)
	}

	raw = RawValues{OIDOutletCurrent(1): int64(3)}
	o = DecodeOutlet(raw, 1)
	if o.Current == nil || *o.Current != 0.3 {
		t.Errorf("Current = %v, want 0.3", o.Current)
	}
}

func TestDecodeOutletMissingFields(t *testing.T) {
	// 缺失计量 OID 不得产生零占位值
	o := DecodeOutlet(RawValues{OIDOutletState(2): int64(2)}, 2)
	if o.State != "off" {
		t.Errorf("State = %q, want off", o.State)
	}
	if o.Current != nil || o.Power != nil || o.Energy != nil {
		t.Errorf("missing metering fields must stay nil, got %v %v %v", o.Current, o.Power, o.Energy)
	}
}

func TestDecodeBank(t *testing.T) {
	raw := RawValues{
		OIDBankCurrent(1):       int64(95),
		OIDBankVoltage(1):       int64(1204),
		OIDBankActivePower(1):   int64(1080),
		OIDBankApparentPower(1): int64(1140),
		OIDBankPowerFactor(1):   int64(95),
		OIDBankLoadState(1):     int64(1),
	}
	b := DecodeBank(raw, 1)
	if *b.Current != 9.5 {
		t.Errorf("Current = %v, want 9.5", *b.Current)
	}
	if *b.Voltage != 120.4 {
		t.Errorf("Voltage = %v, want 120.4", *b.Voltage)
	}
	if *b.Power != 1080 {
		t.Errorf("Power = %v, want 1080", *b.Power)
	}
	if *b.PowerFactor != 0.95 {
		t.Errorf("PowerFactor = %v, want 0.95", *b.PowerFactor)
	}
	if b.LoadState != "normal" {
		t.Errorf("LoadState = %q, want normal", b.LoadState)
	}
}

func TestDecodeATS(t *testing.T) {
	raw := RawValues{
		OIDATSPreferredSource: int64(1),
		OIDATSCurrentSource:   int64(2),
		OIDATSAutoTransfer:    int64(1),
		OIDSourceAVoltage:     int64(0),
		OIDSourceAStatus:      int64(3),
		OIDSourceBVoltage:     int64(1198),
		OIDSourceBStatus:      int64(1),
		OIDSourceRedundancy:   int64(1),
	}
	ats := DecodeATS(raw)
	if ats == nil {
		t.Fatal("DecodeATS returned nil")
	}
	if ats.PreferredSource != 1 || ats.CurrentSource != 2 {
		t.Errorf("sources = %d/%d, want 1/2", ats.PreferredSource, ats.CurrentSource)
	}
	if !ats.AutoTransfer {
		t.Error("AutoTransfer = false, want true")
	}
	if ats.SourceA.VoltageStatus != "underVoltage" {
		t.Errorf("SourceA status = %q, want underVoltage", ats.SourceA.VoltageStatus)
	}
	if *ats.SourceB.Voltage != 119.8 {
		t.Errorf("SourceB voltage = %v, want 119.8", *ats.SourceB.Voltage)
	}
	if ats.RedundancyOK == nil || *ats.RedundancyOK {
		t.Errorf("RedundancyOK = %v, want false", ats.RedundancyOK)
	}
}

func TestDecodeATSAbsent(t *testing.T) {
	if ats := DecodeATS(RawValues{OIDInputVoltage: int64(1200)}); ats != nil {
		t.Errorf("non-ATS model must decode nil ATS block, got %+v", ats)
	}
}

func TestDecodeEnvironment(t *testing.T) {
	raw := RawValues{
		OIDEnviroTemperature: int64(235),
		OIDEnviroHumidity:    int64(41),
		OIDEnviroContact(1):  int64(2),
		OIDEnviroContact(2):  int64(1),
	}
	env := DecodeEnvironment(raw)
	if env == nil {
		t.Fatal("DecodeEnvironment returned nil")
	}
	if *env.Temperature != 23.5 {
		t.Errorf("Temperature = %v, want 23.5", *env.Temperature)
	}
	if *env.Humidity != 41 {
		t.Errorf("Humidity = %v, want 41", *env.Humidity)
	}
	if !env.Contacts[1] || env.Contacts[2] {
		t.Errorf("Contacts = %v, want 1=closed 2=open", env.Contacts)
	}

	if env := DecodeEnvironment(RawValues{}); env != nil {
		t.Errorf("no temperature reading must decode nil environment, got %+v", env)
	}
}

func TestSnapshotTotals(t *testing.T) {
	snap := &Snapshot{Banks: map[int]*BankData{
		1: {Number: 1, Current: Float(3.2), Power: Float(400)},
		2: {Number: 2, Current: Float(1.8), Power: Float(210)},
	}}
	if got := snap.TotalLoad(); got == nil || *got != 5.0 {
		t.Errorf("TotalLoad = %v, want 5.0", got)
	}
	if got := snap.TotalPower(); got == nil || *got != 610 {
		t.Errorf("TotalPower = %v, want 610", got)
	}
	if got := snap.TotalEnergy(); got != nil {
		t.Errorf("TotalEnergy = %v, want nil when no bank reports energy", got)
	}
}

func TestDeviceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DeviceConfig
		wantErr bool
	}{
		{"valid snmp", DeviceConfig{DeviceID: "rack1-pdu", Host: "192.168.20.177", Transport: "snmp", SNMPPort: 161}, false},
		{"valid serial", DeviceConfig{DeviceID: "pdu44001", SerialPort: "/dev/ttyUSB3", Transport: "serial"}, false},
		{"slash in id", DeviceConfig{DeviceID: "rack/pdu", Host: "10.0.0.1", Transport: "snmp", SNMPPort: 161}, true},
		{"wildcard in id", DeviceConfig{DeviceID: "rack+pdu", Host: "10.0.0.1", Transport: "snmp", SNMPPort: 161}, true},
		{"space in id", DeviceConfig{DeviceID: "rack pdu", Host: "10.0.0.1", Transport: "snmp", SNMPPort: 161}, true},
		{"no endpoint", DeviceConfig{DeviceID: "pdu1", Transport: "snmp"}, true},
		{"bad port", DeviceConfig{DeviceID: "pdu1", Host: "10.0.0.1", Transport: "snmp", SNMPPort: 70000}, true},
		{"bad transport", DeviceConfig{DeviceID: "pdu1", Host: "10.0.0.1", Transport: "modbus", SNMPPort: 161}, true},
	}

	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
