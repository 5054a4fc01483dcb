package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mvalancy/pdubridge/internal/poller"
)

var validOutletActions = map[string]bool{
	"on": true, "off": true, "reboot": true,
	"delayon": true, "delayoff": true, "cancel": true,
}

// parseOutletNumber 解析并校验 {n} 路径参数
func (h *Handler) parseOutletNumber(r *http.Request, p *poller.Poller) (int, string) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil || n < 1 {
		return 0, "invalid outlet number"
	}
	if snap := p.LastSnapshot(); snap != nil && snap.OutletCount > 0 && n > snap.OutletCount {
		return 0, "outlet number out of range"
	}
	return n, ""
}

// OutletCommand POST /api/outlets/{n}/command {"action":"off"}
func (h *Handler) OutletCommand(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	n, errMsg := h.parseOutletNumber(r, p)
	if errMsg != "" {
		WriteBadRequest(w, errMsg)
		return
	}

	var body struct {
		Action string `json:"action"`
	}
	if err := ParseRequest(r, &body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	action := strings.ToLower(strings.TrimSpace(body.Action))
	if !validOutletActions[action] {
		WriteBadRequest(w, "invalid action (on|off|reboot|delayon|delayoff|cancel)")
		return
	}

	result := make(chan *poller.CommandResponse, 1)
	if !p.EnqueueCommand(&poller.Command{Outlet: n, Action: action, Origin: "http", Result: result}) {
		WriteError(w, http.StatusServiceUnavailable, "command queue full")
		return
	}

	select {
	case resp := <-result:
		if !resp.Success {
			WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
				"ok": false, "error": resp.Error, "response": resp,
			})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "response": resp})
	case <-time.After(15 * time.Second):
		WriteError(w, http.StatusGatewayTimeout, "command timed out")
	}
}

// RenameOutlet PUT /api/outlets/{n}/name {"name":"NAS"}
func (h *Handler) RenameOutlet(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	n, errMsg := h.parseOutletNumber(r, p)
	if errMsg != "" {
		WriteBadRequest(w, errMsg)
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := ParseRequest(r, &body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		WriteBadRequest(w, "name is required")
		return
	}

	if err := h.manager.SetOutletName(p.DeviceID(), n, body.Name); err != nil {
		WriteAppError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"outlet": n, "name": body.Name})
}

// GetOutletNames GET /api/outlet-names
func (h *Handler) GetOutletNames(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	WriteSuccess(w, p.OutletNames())
}
