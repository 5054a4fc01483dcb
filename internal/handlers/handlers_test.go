package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mvalancy/pdubridge/internal/auth"
	"github.com/mvalancy/pdubridge/internal/bridge"
	"github.com/mvalancy/pdubridge/internal/config"
	"github.com/mvalancy/pdubridge/internal/history"
	"github.com/mvalancy/pdubridge/internal/mqtt"
)

func newTestServer(t *testing.T, webPassword string) (*httptest.Server, *bridge.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MockMode = true
	cfg.MQTTBroker = "127.0.0.1"
	cfg.HassDiscovery = false
	cfg.WebPassword = webPassword

	settings, err := config.LoadSettings(cfg.SettingsFile(), cfg.PollInterval)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	store, err := history.Open(cfg.HistoryDB(), cfg.RetentionDays)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}

	m := bridge.New(cfg, settings, mqtt.NewClient(cfg.MQTTBroker, cfg.MQTTPort, "test"), store)
	if err := m.LoadDevices(); err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sessions := auth.NewSessionManager(settings.SessionSecret(), cfg.WebPassword)
	server := httptest.NewServer(NewHandler(m, sessions).Router())

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	// 等第一个快照
	p := m.Poller("pdu44001")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && p.LastSnapshot() == nil {
		time.Sleep(20 * time.Millisecond)
	}
	if p.LastSnapshot() == nil {
		t.Fatal("mock poller produced no snapshot")
	}
	return server, m
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "")

	resp := doJSON(t, "GET", server.URL+"/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["device_id"] != "pdu44001" {
		t.Errorf("device_id = %v", body["device_id"])
	}
	outlets, ok := body["outlets"].(map[string]interface{})
	if !ok || len(outlets) != 10 {
		t.Errorf("outlets = %v, want 10 entries", body["outlets"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "")

	resp := doJSON(t, "GET", server.URL+"/api/health", nil)
	// MQTT 断开: 503 + issues
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503 with MQTT down", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if _, ok := body["issues"]; !ok {
		t.Error("health response missing issues[]")
	}
}

func TestOutletCommandEndToEnd(t *testing.T) {
	server, m := newTestServer(t, "")

	resp := doJSON(t, "POST", server.URL+"/api/outlets/3/command", map[string]string{"action": "off"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("command status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != true {
		t.Fatalf("response = %v, want ok=true", body)
	}

	// 下一周期内 /api/status 反映 off
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := m.Poller("pdu44001").LastSnapshot()
		if snap != nil && snap.Outlets[3] != nil && snap.Outlets[3].State == "off" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("outlet 3 state did not become off within 2s")
}

func TestOutletCommandValidation(t *testing.T) {
	server, _ := newTestServer(t, "")

	resp := doJSON(t, "POST", server.URL+"/api/outlets/0/command", map[string]string{"action": "off"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("outlet 0 status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, "POST", server.URL+"/api/outlets/11/command", map[string]string{"action": "off"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("outlet 11 (count 10) status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, "POST", server.URL+"/api/outlets/1/command", map[string]string{"action": "vaporize"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid action status = %d, want 400", resp.StatusCode)
	}
}

func TestRulesCRUD(t *testing.T) {
	server, _ := newTestServer(t, "")

	rule := map[string]interface{}{
		"name": "low", "input": 1, "condition": "voltage_below", "threshold": 100,
		"outlet": 5, "action": "off", "restore": true, "delay": 5, "enabled": true,
	}
	resp := doJSON(t, "POST", server.URL+"/api/rules", rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	// 重复创建 409
	resp = doJSON(t, "POST", server.URL+"/api/rules", rule)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate rule status = %d, want 409", resp.StatusCode)
	}

	// 列表包含状态
	resp = doJSON(t, "GET", server.URL+"/api/rules", nil)
	body := decodeBody(t, resp)
	data, ok := body["data"].([]interface{})
	if !ok || len(data) != 1 {
		t.Fatalf("rules list = %v", body["data"])
	}

	// toggle
	resp = doJSON(t, "PUT", server.URL+"/api/rules/low/toggle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("toggle status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// 越界插座 400
	bad := map[string]interface{}{
		"name": "oob", "input": 1, "condition": "voltage_below", "threshold": 100,
		"outlet": "11", "action": "off", "enabled": true,
	}
	resp = doJSON(t, "POST", server.URL+"/api/rules", bad)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out-of-range outlet status = %d, want 400", resp.StatusCode)
	}

	// 删除
	resp = doJSON(t, "DELETE", server.URL+"/api/rules/low", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, "DELETE", server.URL+"/api/rules/low", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing rule status = %d, want 404", resp.StatusCode)
	}
}

func TestConfigEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "")

	resp := doJSON(t, "PUT", server.URL+"/api/config", map[string]float64{"poll_interval_seconds": 0.5})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("sub-second interval status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, "PUT", server.URL+"/api/config", map[string]float64{"poll_interval_seconds": 2})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid interval status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, "GET", server.URL+"/api/config", nil)
	body := decodeBody(t, resp)
	if body["poll_interval_seconds"] != 2.0 {
		t.Errorf("poll_interval_seconds = %v, want 2", body["poll_interval_seconds"])
	}
}

func TestDeviceEndpoints(t *testing.T) {
	server, m := newTestServer(t, "")

	resp := doJSON(t, "POST", server.URL+"/api/pdus",
		map[string]interface{}{"device_id": "rack9", "host": "10.0.0.9", "enabled": true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create device status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	if m.Poller("rack9") == nil {
		t.Error("hot-added device not polling")
	}

	resp = doJSON(t, "POST", server.URL+"/api/pdus",
		map[string]interface{}{"device_id": "bad/id", "host": "10.0.0.10"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, "DELETE", server.URL+"/api/pdus/rack9", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete device status = %d", resp.StatusCode)
	}
	if m.Poller("rack9") != nil {
		t.Error("poller still running after delete")
	}
}

func TestHistoryEndpoints(t *testing.T) {
	server, m := newTestServer(t, "")

	// 等几秒的采样落盘
	m.Store().Flush()

	resp := doJSON(t, "GET", server.URL+"/api/history/banks?range=1h", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history banks status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", server.URL+"/api/history/banks?range=3w", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid range status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, "GET", server.URL+"/api/history/outlets.csv?range=1h", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("csv status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("csv content type = %q", ct)
	}
	resp.Body.Close()
}

func TestManagementEndpointsViaMock(t *testing.T) {
	server, _ := newTestServer(t, "")

	// mock 传输实现管理面
	resp := doJSON(t, "GET", server.URL+"/api/pdu/thresholds", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("thresholds status = %d, want 200 (mock implements management)", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", server.URL+"/api/pdu/security/check", nil)
	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	if data["default_credentials"] != true {
		t.Errorf("default_credentials = %v, want true for factory mock", data)
	}

	// 默认凭据告警进入事件环
	resp = doJSON(t, "GET", server.URL+"/api/events", nil)
	body = decodeBody(t, resp)
	events, _ := body["data"].([]interface{})
	found := false
	for _, e := range events {
		if entry, ok := e.(map[string]interface{}); ok && entry["type"] == "security_warning" {
			found = true
		}
	}
	if !found {
		t.Error("security_warning event not recorded")
	}
}

func TestAuthGating(t *testing.T) {
	server, _ := newTestServer(t, "hunter2")

	// 写端点未登录 401
	resp := doJSON(t, "POST", server.URL+"/api/outlets/1/command", map[string]string{"action": "off"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated command status = %d, want 401", resp.StatusCode)
	}

	// 健康检查永不鉴权
	resp = doJSON(t, "GET", server.URL+"/api/health", nil)
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Error("health endpoint must never require auth")
	}

	// 错误密码
	resp = doJSON(t, "POST", server.URL+"/api/auth/login", map[string]string{"password": "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", resp.StatusCode)
	}

	// 正确密码 -> cookie -> 写端点可用
	resp = doJSON(t, "POST", server.URL+"/api/auth/login", map[string]string{"password": "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	cookies := resp.Cookies()
	resp.Body.Close()
	if len(cookies) == 0 {
		t.Fatal("login set no session cookie")
	}

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]string{"action": "off"})
	req, _ := http.NewRequest("POST", server.URL+"/api/outlets/1/command", &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed request: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("authenticated command status = %d, want 200", authed.StatusCode)
	}
}
