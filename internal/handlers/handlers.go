package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mvalancy/pdubridge/internal/auth"
	"github.com/mvalancy/pdubridge/internal/bridge"
	"github.com/mvalancy/pdubridge/internal/poller"
)

// Handler HTTP/JSON facade。管理器与历史存储上的薄 JSON 适配层。
type Handler struct {
	manager  *bridge.Manager
	sessions *auth.SessionManager
}

// NewHandler 创建处理器
func NewHandler(manager *bridge.Manager, sessions *auth.SessionManager) *Handler {
	return &Handler{manager: manager, sessions: sessions}
}

// Router 构建路由。写端点在 web_password 设置时要求会话；
// /api/health 永不鉴权。
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	guard := h.sessions.RequireAuth

	// 状态（健康检查永不鉴权）
	r.HandleFunc("/api/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/api/health", h.GetHealth).Methods("GET")

	// 鉴权
	r.HandleFunc("/api/auth/login", h.Login).Methods("POST")
	r.HandleFunc("/api/auth/logout", h.Logout).Methods("POST")
	r.HandleFunc("/api/auth/status", h.AuthStatus).Methods("GET")

	// 设备管理
	r.HandleFunc("/api/pdus", h.ListDevices).Methods("GET")
	r.Handle("/api/pdus", guard(http.HandlerFunc(h.CreateDevice))).Methods("POST")
	r.Handle("/api/pdus/discover", guard(http.HandlerFunc(h.DiscoverDevices))).Methods("POST")
	r.Handle("/api/pdus/{device_id}", guard(http.HandlerFunc(h.UpdateDevice))).Methods("PUT")
	r.Handle("/api/pdus/{device_id}", guard(http.HandlerFunc(h.DeleteDevice))).Methods("DELETE")

	// 桥接配置
	r.HandleFunc("/api/config", h.GetConfig).Methods("GET")
	r.Handle("/api/config", guard(http.HandlerFunc(h.PutConfig))).Methods("PUT")

	// 插座
	r.Handle("/api/outlets/{n}/command", guard(http.HandlerFunc(h.OutletCommand))).Methods("POST")
	r.Handle("/api/outlets/{n}/name", guard(http.HandlerFunc(h.RenameOutlet))).Methods("PUT")
	r.HandleFunc("/api/outlet-names", h.GetOutletNames).Methods("GET")

	// 规则
	r.HandleFunc("/api/rules", h.ListRules).Methods("GET")
	r.Handle("/api/rules", guard(http.HandlerFunc(h.CreateRule))).Methods("POST")
	r.Handle("/api/rules/{name}", guard(http.HandlerFunc(h.UpdateRule))).Methods("PUT")
	r.Handle("/api/rules/{name}", guard(http.HandlerFunc(h.DeleteRule))).Methods("DELETE")
	r.Handle("/api/rules/{name}/toggle", guard(http.HandlerFunc(h.ToggleRule))).Methods("PUT")
	r.HandleFunc("/api/events", h.GetEvents).Methods("GET")

	// 历史
	r.HandleFunc("/api/history/banks", h.HistoryBanks).Methods("GET")
	r.HandleFunc("/api/history/outlets", h.HistoryOutlets).Methods("GET")
	r.HandleFunc("/api/history/banks.csv", h.HistoryBanksCSV).Methods("GET")
	r.HandleFunc("/api/history/outlets.csv", h.HistoryOutletsCSV).Methods("GET")

	// 报表
	r.HandleFunc("/api/reports", h.ListReports).Methods("GET")
	r.HandleFunc("/api/reports/latest", h.LatestReport).Methods("GET")
	r.HandleFunc("/api/reports/{id:[0-9]+}", h.GetReport).Methods("GET")

	// PDU 管理面（需串口或 mock 传输）
	r.HandleFunc("/api/pdu/thresholds", h.GetThresholds).Methods("GET")
	r.Handle("/api/pdu/thresholds", guard(http.HandlerFunc(h.SetThresholds))).Methods("PUT")
	r.HandleFunc("/api/pdu/network", h.GetNetwork).Methods("GET")
	r.Handle("/api/pdu/network", guard(http.HandlerFunc(h.SetNetwork))).Methods("PUT")
	r.HandleFunc("/api/pdu/ats", h.GetATSConfig).Methods("GET")
	r.Handle("/api/pdu/ats", guard(http.HandlerFunc(h.SetATSConfig))).Methods("PUT")
	r.Handle("/api/pdu/outlets/{n}/config", guard(http.HandlerFunc(h.SetOutletConfig))).Methods("PUT")
	r.Handle("/api/pdu/name", guard(http.HandlerFunc(h.SetDeviceName))).Methods("PUT")
	r.Handle("/api/pdu/location", guard(http.HandlerFunc(h.SetDeviceLocation))).Methods("PUT")
	r.HandleFunc("/api/pdu/security/check", h.CheckDefaultCredentials).Methods("GET")
	r.Handle("/api/pdu/security/password", guard(http.HandlerFunc(h.ChangePassword))).Methods("PUT")
	r.HandleFunc("/api/pdu/users", h.GetUsers).Methods("GET")
	r.HandleFunc("/api/pdu/notifications", h.GetNotifications).Methods("GET")
	r.Handle("/api/pdu/notifications", guard(http.HandlerFunc(h.SetNotifications))).Methods("PUT")
	r.HandleFunc("/api/pdu/eventlog", h.GetEventLog).Methods("GET")
	r.HandleFunc("/api/pdu/energywise", h.GetEnergyWise).Methods("GET")
	r.Handle("/api/pdu/energywise", guard(http.HandlerFunc(h.SetEnergyWise))).Methods("PUT")

	return r
}

// resolveDevice 解析请求目标设备（?device_id= 或单设备隐式）
func (h *Handler) resolveDevice(r *http.Request) (*poller.Poller, error) {
	return h.manager.ResolveDevice(r.URL.Query().Get("device_id"))
}
