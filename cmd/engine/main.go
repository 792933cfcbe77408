package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"yield-engine/internal/app"
	"yield-engine/internal/config"
	"yield-engine/internal/log"
	"yield-engine/internal/store"
)

func main() {
	var configPath string
	var mode string
	flag.StringVar(&configPath, "config", "", "配置文件路径,默认使用 configs/config.yaml")
	flag.StringVar(&mode, "mode", "", "运行模式覆盖,可选 live 或 backtest")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if mode != "" {
		cfg.App.Mode = mode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "运行模式覆盖后配置无效: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	engineApp := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engineApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
