package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"pick-and-place-demo/internal/config"
	"pick-and-place-demo/internal/engine"
	"pick-and-place-demo/internal/event"
	"pick-and-place-demo/internal/handlers"
	"pick-and-place-demo/internal/journal"
	"pick-and-place-demo/internal/oracle"
	"pick-and-place-demo/internal/web"
)

// main 是抓取单元的主入口
func main() {
	flags := pflag.NewFlagSet("cell", pflag.ExitOnError)
	config.RegisterFlags(flags)
	_ = flags.Parse(os.Args[1:])

	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath, _ := flags.GetString("config")
	cfg, err := config.LoadConfig(configPath, flags)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := web.NewHub()
	go hub.Run(ctx)
	stateTracker := web.NewStateTracker(hub)

	eventBus := event.NewBus()

	var jr *journal.Journal
	if cfg.JournalPath != "" {
		jr, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("无法打开循环日志", "error", err, "path", cfg.JournalPath)
			os.Exit(1)
		}
		defer jr.Close()
	}

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, stateTracker, jr, logger)

	// 3. 组装抓取单元
	oracleClient := oracle.NewClient(cfg.Oracle, logger)
	defer oracleClient.Close()

	cell, err := engine.NewCell(cfg, oracleClient, eventBus, logger)
	if err != nil {
		logger.Error("创建抓取单元失败", "error", err)
		os.Exit(1)
	}

	logger.Info("=== 抓取单元启动 ===", "oracle", cfg.Oracle.Addr, "time_step", cfg.TimeStep, "max_ticks", cfg.MaxTicks)

	server := startAPIServer(cfg.HTTPAddr, hub, stateTracker, jr, logger)
	cell.Start(ctx)

	// 4. 优雅停机
	waitForShutdown(logger, cancel, cell, server)
}

// startAPIServer 启动指标、WebSocket 和状态 API
func startAPIServer(addr string, hub *web.Hub, st *web.StateTracker, jr *journal.Journal, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs(func() interface{} { return st.GetStateSnapshot() }))
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, st.GetStateSnapshot())
	})
	mux.HandleFunc("/api/cycles", func(w http.ResponseWriter, r *http.Request) {
		if jr == nil {
			http.Error(w, "journal disabled", http.StatusNotFound)
			return
		}
		entries, err := jr.Entries()
		if err != nil {
			logger.Warn("读取循环日志失败", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("API 服务器启动", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
		}
	}()
	return server
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// waitForShutdown 等待系统信号或仿真结束以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, cell *engine.Cell, server *http.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("接收到停机信号，正在优雅关闭...")
	case <-cell.Done():
		logger.Info("仿真已结束，正在关闭...")
	}
	cancel()
	cell.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 API 服务器失败", "error", err)
	}
	logger.Info("抓取演示结束，系统已安全退出。")
}
