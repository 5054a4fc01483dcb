package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/mvalancy/pdubridge/internal/automation"
)

// ListRules GET /api/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	WriteSuccess(w, p.Engine().List())
}

// CreateRule POST /api/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}

	var rule automation.Rule
	rule.Restore = true
	rule.Enabled = true
	rule.Delay = 5
	if err := ParseRequest(r, &rule); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	// 插座号范围校验（已知插座数时）
	if snap := p.LastSnapshot(); snap != nil && snap.OutletCount > 0 {
		for _, n := range rule.Outlet.Outlets() {
			if n > snap.OutletCount {
				WriteBadRequest(w, "outlet number out of range")
				return
			}
		}
	}

	if err := p.Engine().Create(&rule); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			WriteConflict(w, err.Error())
			return
		}
		WriteBadRequest(w, err.Error())
		return
	}
	p.PublishAutomationStatus()
	WriteCreated(w, map[string]string{"name": rule.Name})
}

// UpdateRule PUT /api/rules/{name}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	name := mux.Vars(r)["name"]

	var rule automation.Rule
	rule.Restore = true
	rule.Enabled = true
	if err := ParseRequest(r, &rule); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if err := p.Engine().Update(name, &rule); err != nil {
		if strings.Contains(err.Error(), "not found") {
			WriteNotFound(w, err.Error())
			return
		}
		WriteBadRequest(w, err.Error())
		return
	}
	p.PublishAutomationStatus()
	WriteSuccess(w, map[string]string{"name": name})
}

// DeleteRule DELETE /api/rules/{name}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	name := mux.Vars(r)["name"]
	if err := p.Engine().Delete(name); err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	p.PublishAutomationStatus()
	WriteSuccess(w, nil)
}

// ToggleRule PUT /api/rules/{name}/toggle
func (h *Handler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	name := mux.Vars(r)["name"]
	enabled, err := p.Engine().Toggle(name)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	p.PublishAutomationStatus()
	WriteSuccess(w, map[string]interface{}{"name": name, "enabled": enabled})
}

// GetEvents GET /api/events
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	WriteSuccess(w, p.Engine().Events())
}
