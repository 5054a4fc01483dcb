package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mvalancy/pdubridge/internal/history"
)

// HistoryBanks GET /api/history/banks?range=24h 或 start+end
func (h *Handler) HistoryBanks(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	q := r.URL.Query()
	start, end, err := history.ParseRange(q.Get("range"), q.Get("start"), q.Get("end"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	points, err := h.manager.Store().QueryBanks(p.DeviceID(), start, end)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, points)
}

// HistoryOutlets GET /api/history/outlets
func (h *Handler) HistoryOutlets(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	q := r.URL.Query()
	start, end, err := history.ParseRange(q.Get("range"), q.Get("start"), q.Get("end"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	points, err := h.manager.Store().QueryOutlets(p.DeviceID(), start, end)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, points)
}

// HistoryBanksCSV GET /api/history/banks.csv
func (h *Handler) HistoryBanksCSV(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	q := r.URL.Query()
	start, end, err := history.ParseRange(q.Get("range"), q.Get("start"), q.Get("end"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	points, err := h.manager.Store().QueryBanks(p.DeviceID(), start, end)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeCSV(w, "banks.csv", history.BanksCSV(points))
}

// HistoryOutletsCSV GET /api/history/outlets.csv
func (h *Handler) HistoryOutletsCSV(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	q := r.URL.Query()
	start, end, err := history.ParseRange(q.Get("range"), q.Get("start"), q.Get("end"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	points, err := h.manager.Store().QueryOutlets(p.DeviceID(), start, end)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeCSV(w, "outlets.csv", history.OutletsCSV(points))
}

func writeCSV(w http.ResponseWriter, filename, body string) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Write([]byte(body))
}

// ListReports GET /api/reports
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	reports, err := h.manager.Store().ListReports(p.DeviceID())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, reports)
}

// LatestReport GET /api/reports/latest
func (h *Handler) LatestReport(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolveDevice(r)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	report, err := h.manager.Store().LatestReport(p.DeviceID())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		WriteNotFound(w, "no reports yet")
		return
	}
	WriteSuccess(w, report)
}

// GetReport GET /api/reports/{id}
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		WriteBadRequest(w, "invalid report id")
		return
	}
	report, err := h.manager.Store().GetReport(id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		WriteNotFound(w, "report not found")
		return
	}
	WriteSuccess(w, report)
}
