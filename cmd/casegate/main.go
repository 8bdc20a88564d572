package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaopang/casegate/internal/api"
	"github.com/xiaopang/casegate/internal/config"
	"github.com/xiaopang/casegate/internal/core"
	"github.com/xiaopang/casegate/internal/logger"
	"github.com/xiaopang/casegate/internal/model"
	"github.com/xiaopang/casegate/internal/provider"
	"github.com/xiaopang/casegate/internal/store"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	log.Printf("Config loaded from %s", *configPath)

	// 初始化存储
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	// 初始化配额账本
	ledger := core.NewLedger(db, model.QuotaLimits{
		MaxQueriesPerHour: cfg.Quota.MaxQueriesPerHour,
		MaxTokensPerDay:   cfg.Quota.MaxTokensPerDay,
		EstimatedTokens:   cfg.Quota.EstimatedTokens,
	})
	log.Printf("Quota ledger: %d queries/hour, %d tokens/day",
		cfg.Quota.MaxQueriesPerHour, cfg.Quota.MaxTokensPerDay)

	// 初始化上游网关
	prov := provider.NewOpenAI(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		cfg.Provider.Model, cfg.Provider.MaxResponseTokens)
	gateway := core.NewGateway(prov, db, cfg.Provider.AttemptCeiling,
		time.Duration(cfg.Provider.PerAttemptTimeoutMs)*time.Millisecond)

	// 初始化管理员会话
	sessions := core.NewSessionManager(cfg.Server.AdminPassword,
		time.Duration(cfg.Session.LifetimeMinutes)*time.Minute,
		time.Duration(cfg.Session.MaxLifetimeMinutes)*time.Minute)
	defer sessions.Stop()

	// 初始化准入流水线
	pipeline := core.NewPipeline(ledger, gateway, db)

	// 初始化 API 处理器
	chatHandler := api.NewChatHandler(pipeline, db)
	adminHandler := api.NewAdminHandler(sessions, ledger, db)

	// 日志保留清理
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		for range ticker.C {
			if n, err := db.CleanOldLogs(cfg.Database.RetentionDays); err != nil {
				log.Printf("Log cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("Cleaned %d old request logs", n)
			}
		}
	}()

	// 设置路由
	r := api.SetupRouter(chatHandler, adminHandler, sessions)

	// 使用 http.Server 以支持 Graceful Shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// 创建一个 context，监听 SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 在 goroutine 中启动 HTTP server
	srvErr := make(chan error, 1)
	go func() {
		log.Printf("casegate starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// 等待信号或服务器错误
	select {
	case err := <-srvErr:
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutdown signal received, draining connections...")
	}

	// 给在途请求 15 秒的时间完成（结算会在返回前跑完，不会丢预留）
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Server stopped gracefully")
}
