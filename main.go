package main

import (
	"context"
	"flag"
	"fleet-agent-backend/config"
	"fleet-agent-backend/controller"
	"fleet-agent-backend/dao"
	"fleet-agent-backend/router"
	"fleet-agent-backend/service/agent"
	"fleet-agent-backend/service/summarization"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := config.Load(*configPath); err != nil {
		slog.Error("Failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	if err := dao.Init(); err != nil {
		slog.Error("Failed to init database", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := summarization.Init(ctx); err != nil {
		slog.Error("Failed to init summarizer", "err", err)
		os.Exit(1)
	}

	agentService := agent.NewService()
	controller.Init(agentService)

	r := router.Register()
	go func() {
		if err := r.Run(config.Cfg.Server.Addr); err != nil {
			slog.Error("Server exited", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	// 关闭缓存中的 Agent，释放租户连接
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	agentService.Shutdown(shutdownCtx)
}
