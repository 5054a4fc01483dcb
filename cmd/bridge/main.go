package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/mvalancy/pdubridge/internal/auth"
	"github.com/mvalancy/pdubridge/internal/bridge"
	"github.com/mvalancy/pdubridge/internal/config"
	"github.com/mvalancy/pdubridge/internal/graceful"
	"github.com/mvalancy/pdubridge/internal/handlers"
	"github.com/mvalancy/pdubridge/internal/history"
	"github.com/mvalancy/pdubridge/internal/logger"
	"github.com/mvalancy/pdubridge/internal/mqtt"
)

func main() {
	// 加载配置（默认 < config.yaml < 环境变量）
	cfg, err := config.Load()
	if err != nil {
		// 致命配置错误是唯一的非零退出理由
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogJSON)

	settings, err := config.LoadSettings(cfg.SettingsFile(), cfg.PollInterval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize settings: %v\n", err)
		os.Exit(1)
	}

	// 历史存储
	log.Printf("Opening history store at %s (retention %d days)", cfg.HistoryDB(), cfg.RetentionDays)
	store, err := history.Open(cfg.HistoryDB(), cfg.RetentionDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open history store: %v\n", err)
		os.Exit(1)
	}

	// MQTT 客户端
	mqttClient := mqtt.NewClient(cfg.MQTTBroker, cfg.MQTTPort, "pdu-bridge-"+cfg.DeviceID)

	// 管理器
	manager := bridge.New(cfg, settings, mqttClient, store)
	if err := manager.LoadDevices(); err != nil {
		fmt.Fprintf(os.Stderr, "device configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := manager.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start bridge: %v\n", err)
		os.Exit(1)
	}

	// HTTP facade
	sessions := auth.NewSessionManager(settings.SessionSecret(), cfg.WebPassword)
	h := handlers.NewHandler(manager, sessions)

	corsHandler := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins([]string{"*"}),
		gorillaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		gorillaHandlers.AllowCredentials(),
	)
	loggingHandler := gorillaHandlers.LoggingHandler(os.Stdout, h.Router())

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      corsHandler(loggingHandler),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	// 优雅关闭: HTTP -> 轮询器 -> MQTT(offline) -> 历史库
	shutdown := graceful.NewGracefulShutdown(30 * time.Second)
	shutdown.SetHTTPServer(server)
	shutdown.AddShutdownFunc(manager.Shutdown)
	shutdown.Start()

	log.Printf("Starting HTTP server on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	shutdown.Wait()
	log.Println("Bridge stopped.")
}
