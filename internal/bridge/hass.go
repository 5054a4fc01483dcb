package bridge

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/mvalancy/pdubridge/internal/model"
)

// Home Assistant MQTT 发现。启动时每设备发布一次保留配置。

type hassDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
}

func (m *Manager) publishHassDiscovery() {
	for _, dev := range m.Devices() {
		if dev.Enabled {
			m.publishHassDeviceDiscovery(dev)
		}
	}
}

func (m *Manager) publishHassDeviceDiscovery(dev *model.DeviceConfig) {
	id := dev.DeviceID
	prefix := "pdu/" + id
	name := dev.Label
	if name == "" {
		name = id
	}
	device := hassDevice{
		Identifiers:  []string{"pdu_" + id},
		Name:         name,
		Manufacturer: "CyberPower",
	}

	outletCount := 10
	if dev.NumBanks > 0 {
		// bank 数已知时按常见机型推插座数；标识可用后仍以设备为准
		outletCount = dev.NumBanks * 5
	}
	if p := m.Poller(id); p != nil {
		if identity := p.Identity(); identity != nil && identity.OutletCount > 0 {
			outletCount = identity.OutletCount
			device.Model = identity.Model
		}
	}

	published := 0
	for n := 1; n <= outletCount; n++ {
		config := map[string]interface{}{
			"name":               fmt.Sprintf("%s Outlet %d", name, n),
			"unique_id":          fmt.Sprintf("pdu_%s_outlet_%d", id, n),
			"state_topic":        fmt.Sprintf("%s/outlet/%d/state", prefix, n),
			"command_topic":      fmt.Sprintf("%s/outlet/%d/command", prefix, n),
			"payload_on":         "on",
			"payload_off":        "off",
			"state_on":           "on",
			"state_off":          "off",
			"availability_topic": prefix + "/bridge/status",
			"device":             device,
		}
		m.publishHassConfig(fmt.Sprintf("homeassistant/switch/pdu_%s_outlet_%d/config", id, n), config)
		published++
	}

	sensors := []struct {
		key   string
		topic string
		name  string
		unit  string
		class string
	}{
		{"input_voltage", prefix + "/input/voltage", "Input Voltage", "V", "voltage"},
		{"input_frequency", prefix + "/input/frequency", "Input Frequency", "Hz", "frequency"},
		{"total_load", prefix + "/total/load", "Total Load", "A", "current"},
		{"total_power", prefix + "/total/power", "Total Power", "W", "power"},
		{"total_energy", prefix + "/total/energy", "Total Energy", "kWh", "energy"},
	}
	for _, s := range sensors {
		config := map[string]interface{}{
			"name":                fmt.Sprintf("%s %s", name, s.name),
			"unique_id":           fmt.Sprintf("pdu_%s_%s", id, s.key),
			"state_topic":         s.topic,
			"unit_of_measurement": s.unit,
			"device_class":        s.class,
			"availability_topic":  prefix + "/bridge/status",
			"device":              device,
		}
		m.publishHassConfig(fmt.Sprintf("homeassistant/sensor/pdu_%s_%s/config", id, s.key), config)
		published++
	}

	// 桥接在线状态
	config := map[string]interface{}{
		"name":         name + " Bridge",
		"unique_id":    "pdu_" + id + "_bridge",
		"state_topic":  prefix + "/bridge/status",
		"payload_on":   "online",
		"payload_off":  "offline",
		"device_class": "connectivity",
		"device":       device,
	}
	m.publishHassConfig("homeassistant/binary_sensor/pdu_"+id+"_bridge/config", config)
	published++

	log.Printf("Manager: published %d Home Assistant discovery configs for %s", published, id)
}

func (m *Manager) publishHassConfig(topic string, config map[string]interface{}) {
	payload, err := json.Marshal(config)
	if err != nil {
		return
	}
	m.mqtt.Publish(topic, payload, true, 0)
}
