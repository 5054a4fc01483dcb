package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mvalancy/pdubridge/internal/transport"
)

// PDU 管理端点。管理面只有串口（或 mock）传输实现；
// 没有时统一返回 503 requires_serial。

func (h *Handler) management(w http.ResponseWriter, r *http.Request) transport.Management {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return nil
	}
	mgmt := p.Management()
	if mgmt == nil {
		WriteRequiresSerial(w)
		return nil
	}
	return mgmt
}

// GetThresholds GET /api/pdu/thresholds
func (h *Handler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	cfg, err := mgmt.GetThresholds(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, cfg)
}

// SetThresholds PUT /api/pdu/thresholds
func (h *Handler) SetThresholds(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	var cfg transport.ThresholdConfig
	if err := ParseRequest(r, &cfg); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := mgmt.SetThresholds(r.Context(), &cfg); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}

// GetNetwork GET /api/pdu/network
func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	cfg, err := mgmt.GetNetwork(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, cfg)
}

// SetNetwork PUT /api/pdu/network
func (h *Handler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	var cfg transport.NetworkConfig
	if err := ParseRequest(r, &cfg); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := mgmt.SetNetwork(r.Context(), &cfg); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}

// GetATSConfig GET /api/pdu/ats
func (h *Handler) GetATSConfig(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	cfg, err := mgmt.GetATSConfig(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, cfg)
}

// SetATSConfig PUT /api/pdu/ats
func (h *Handler) SetATSConfig(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	var cfg transport.ATSConfig
	if err := ParseRequest(r, &cfg); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := mgmt.SetATSConfig(r.Context(), &cfg); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}

// SetOutletConfig PUT /api/pdu/outlets/{n}/config
func (h *Handler) SetOutletConfig(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil || n < 1 {
		WriteBadRequest(w, "invalid outlet number")
		return
	}
	var cfg transport.OutletConfig
	if err := ParseRequest(r, &cfg); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := mgmt.SetOutletConfig(r.Context(), n, &cfg); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}

// SetDeviceName PUT /api/pdu/name
func (h *Handler) SetDeviceName(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := ParseRequest(r, &body); err != nil || body.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}
	if err := mgmt.SetDeviceName(r.Context(), body.Name); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}

// SetDeviceLocation PUT /api/pdu/location
func (h *Handler) SetDeviceLocation(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	var body struct {
		Location string `json:"location"`
	}
	if err := ParseRequest(r, &body); err != nil || body.Location == "" {
		WriteBadRequest(w, "location is required")
		return
	}
	if err := mgmt.SetDeviceLocation(r.Context(), body.Location); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}

// CheckDefaultCredentials GET /api/pdu/security/check。
// 默认凭据仍可登录时记录 security_warning 事件。
func (h *Handler) CheckDefaultCredentials(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	mgmt := p.Management()
	if mgmt == nil {
		WriteRequiresSerial(w)
		return
	}
	usingDefault, err := mgmt.CheckDefaultCredentials(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	if usingDefault {
		p.Engine().RecordEvent("security", "security_warning",
			"Device still accepts default cyber/cyber credentials")
	}
	WriteSuccess(w, map[string]bool{"default_credentials": usingDefault})
}

// ChangePassword PUT /api/pdu/security/password
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	var body struct {
		Account     string `json:"account"`
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := ParseRequest(r, &body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if body.Account == "" || body.NewPassword == "" {
		WriteBadRequest(w, "account and new_password are required")
		return
	}
	if err := mgmt.ChangePassword(r.Context(), body.Account, body.OldPassword, body.NewPassword); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}

// GetUsers GET /api/pdu/users
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	users, err := mgmt.GetUsers(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, users)
}

// GetNotifications GET /api/pdu/notifications
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	cfg, err := mgmt.GetNotifications(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, cfg)
}

// SetNotifications PUT /api/pdu/notifications
func (h *Handler) SetNotifications(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	var cfg transport.NotificationConfig
	if err := ParseRequest(r, &cfg); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := mgmt.SetNotifications(r.Context(), &cfg); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}

// GetEventLog GET /api/pdu/eventlog
func (h *Handler) GetEventLog(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	entries, err := mgmt.GetEventLog(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, entries)
}

// GetEnergyWise GET /api/pdu/energywise
func (h *Handler) GetEnergyWise(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	cfg, err := mgmt.GetEnergyWise(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, cfg)
}

// SetEnergyWise PUT /api/pdu/energywise
func (h *Handler) SetEnergyWise(w http.ResponseWriter, r *http.Request) {
	mgmt := h.management(w, r)
	if mgmt == nil {
		return
	}
	var cfg transport.EnergyWiseConfig
	if err := ParseRequest(r, &cfg); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := mgmt.SetEnergyWise(r.Context(), &cfg); err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteSuccess(w, nil)
}
