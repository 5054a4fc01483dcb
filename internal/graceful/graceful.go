package graceful

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// GracefulShutdown 优雅关闭管理器。按注册顺序执行关闭函数，
// HTTP 服务器最先关（停止接新请求）。
type GracefulShutdown struct {
	timeout       time.Duration
	shutdownFuncs []func(ctx context.Context) error
	httpServer    *http.Server
	notifyChan    chan os.Signal
	once          sync.Once
	doneChan      chan struct{}
}

// ShutdownFunc 关闭函数类型
type ShutdownFunc func(ctx context.Context) error

// NewGracefulShutdown 创建优雅关闭管理器
func NewGracefulShutdown(timeout time.Duration) *GracefulShutdown {
	return &GracefulShutdown{
		timeout:    timeout,
		notifyChan: make(chan os.Signal, 1),
		doneChan:   make(chan struct{}),
	}
}

// AddShutdownFunc 添加关闭函数
func (g *GracefulShutdown) AddShutdownFunc(f ShutdownFunc) {
	g.shutdownFuncs = append(g.shutdownFuncs, f)
}

// SetHTTPServer 设置HTTP服务器
func (g *GracefulShutdown) SetHTTPServer(srv *http.Server) {
	g.httpServer = srv
}

// Start 启动信号监听
func (g *GracefulShutdown) Start() {
	signal.Notify(g.notifyChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-g.notifyChan
		log.Println("[graceful] Received shutdown signal, starting graceful shutdown...")
		g.Shutdown()
	}()
}

// Shutdown 执行关闭流程（只执行一次）
func (g *GracefulShutdown) Shutdown() {
	g.once.Do(func() {
		defer close(g.doneChan)

		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if g.httpServer != nil {
			if err := g.httpServer.Shutdown(ctx); err != nil {
				log.Printf("[graceful] HTTP server shutdown error: %v", err)
			}
		}

		for _, f := range g.shutdownFuncs {
			if err := f(ctx); err != nil {
				log.Printf("[graceful] Shutdown func error: %v", err)
			}
		}
		log.Println("[graceful] Shutdown complete")
	})
}

// Wait 阻塞到关闭完成
func (g *GracefulShutdown) Wait() {
	<-g.doneChan
}
