package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mvalancy/pdubridge/internal/model"
)

// GetStatus GET /api/status — 目标设备的现势状态
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}

	snap := p.LastSnapshot()
	if snap == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"device_id": p.DeviceID(),
			"health":    p.Tracker().View(),
			"outlets":   map[string]*model.OutletData{},
			"banks":     map[string]*model.BankData{},
			"mqtt":      h.manager.MQTT().Status(),
			"ts":        float64(time.Now().UnixMilli()) / 1000.0,
		})
		return
	}

	outlets := make(map[string]*model.OutletData, len(snap.Outlets))
	for n, o := range snap.Outlets {
		outlets[strconv.Itoa(n)] = o
	}
	banks := make(map[string]*model.BankData, len(snap.Banks))
	for n, b := range snap.Banks {
		banks[strconv.Itoa(n)] = b
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":        p.DeviceID(),
		"device_name":      snap.DeviceName,
		"outlet_count":     snap.OutletCount,
		"phase_count":      snap.PhaseCount,
		"input_voltage":    snap.InputVoltage,
		"input_frequency":  snap.InputFreq,
		"outlets":          outlets,
		"banks":            banks,
		"ats":              snap.ATS,
		"environment":      snap.Environment,
		"identity":         snap.Identity,
		"health":           p.Tracker().View(),
		"mqtt":             h.manager.MQTT().Status(),
		"data_age_seconds": time.Since(snap.Timestamp).Seconds(),
		"ts":               float64(snap.Timestamp.UnixMilli()) / 1000.0,
	})
}

// GetHealth GET /api/health — 健康 200 / 降级 503，永不鉴权
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Health()
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, report)
}

// Login POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := ParseRequest(r, &body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := h.sessions.Login(w, body.Password); err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	WriteSuccess(w, nil)
}

// Logout POST /api/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(w)
	WriteSuccess(w, nil)
}

// AuthStatus GET /api/auth/status
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"auth_enabled":  h.sessions.Enabled(),
		"authenticated": h.sessions.Authenticated(r),
	})
}

// GetConfig GET /api/config — 运行时可调参数
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	settings := h.manager.Settings().Get()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"poll_interval_seconds": settings.PollIntervalSeconds,
	})
}

// PutConfig PUT /api/config（poll_interval >= 1s）
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PollIntervalSeconds float64 `json:"poll_interval_seconds"`
	}
	if err := ParseRequest(r, &body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if body.PollIntervalSeconds < 1 {
		WriteBadRequest(w, "poll_interval_seconds must be >= 1")
		return
	}
	if err := h.manager.SetPollInterval(time.Duration(body.PollIntervalSeconds * float64(time.Second))); err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, nil)
}
