package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mvalancy/pdubridge/internal/discovery"
	"github.com/mvalancy/pdubridge/internal/model"
)

// ListDevices GET /api/pdus
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.manager.Devices()
	out := make([]map[string]interface{}, 0, len(devices))
	for _, dev := range devices {
		entry := map[string]interface{}{
			"device_id": dev.DeviceID,
			"host":      dev.Host,
			"snmp_port": dev.SNMPPort,
			"transport": dev.Transport,
			"label":     dev.Label,
			"enabled":   dev.Enabled,
			"num_banks": dev.NumBanks,
		}
		if dev.SerialPort != "" {
			entry["serial_port"] = dev.SerialPort
		}
		if dev.Serial != "" {
			entry["serial"] = dev.Serial
		}
		if p := h.manager.Poller(dev.DeviceID); p != nil {
			entry["health"] = p.Tracker().View()
			if id := p.Identity(); id != nil {
				entry["identity"] = id
			}
		}
		out = append(out, entry)
	}
	WriteSuccess(w, out)
}

// CreateDevice POST /api/pdus — 热添加，立即开始轮询
func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev model.DeviceConfig
	dev.Enabled = true
	if err := ParseRequest(r, &dev); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := h.manager.AddDevice(&dev); err != nil {
		WriteAppError(w, err)
		return
	}
	WriteCreated(w, map[string]string{"device_id": dev.DeviceID})
}

// UpdateDevice PUT /api/pdus/{device_id}
func (h *Handler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	var dev model.DeviceConfig
	dev.Enabled = true
	if err := ParseRequest(r, &dev); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := h.manager.UpdateDevice(deviceID, &dev); err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"device_id": deviceID})
}

// DeleteDevice DELETE /api/pdus/{device_id}
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if err := h.manager.RemoveDevice(deviceID); err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, nil)
}

// DiscoverDevices POST /api/pdus/discover — 子网扫描
func (h *Handler) DiscoverDevices(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subnet    string `json:"subnet"`
		Community string `json:"community"`
	}
	if err := ParseRequest(r, &body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if body.Subnet == "" {
		WriteBadRequest(w, "subnet is required")
		return
	}
	if body.Community == "" {
		body.Community = "public"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	found, err := discovery.ScanSubnet(ctx, body.Subnet, body.Community)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteSuccess(w, found)
}
