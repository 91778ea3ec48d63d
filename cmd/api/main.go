package main

import (
	"context"
	"flag"
	"os"

	"presale/internal/api"
	"presale/internal/app"
	"presale/internal/config"
	"presale/internal/logging"
	"presale/internal/shutdown"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，0 表示使用配置文件中的端口")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	// 自动检测并加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *port > 0 {
		cfg.API.Port = *port
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("创建日志器失败: %v", err)
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	application, err := app.New(context.Background(), cfg, logger, app.Options{StrictValidation: true})
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}

	deps := api.Deps{
		State:     application.Store,
		Session:   application.Session,
		Presale:   application.Writer,
		Reader:    application.Reader,
		Validator: application.Validator,
		Nodes:     application.Pool.GetStats,
	}
	if application.Cache != nil {
		deps.History = application.Cache
	}
	if application.Settings != nil {
		deps.Settings = api.NewConfigManager(application.Settings, logger)
	}

	server := api.NewServer(deps, logger, cfg.API.Port, cfg.API.EnableMetrics)
	application.Shutdown.Register("http_server", shutdown.OrderStopServer, server.Stop)

	application.Shutdown.Start()
	application.Run()

	// 启动服务器
	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			application.Shutdown.Shutdown()
		}
	}()
	logger.Infof("API服务器已启动，监听端口: %d", cfg.API.Port)

	if err := application.Shutdown.Wait(); err != nil {
		logger.Errorf("停机过程中发生错误: %v", err)
		os.Exit(1)
	}
	logger.Info("服务器已关闭")
}
