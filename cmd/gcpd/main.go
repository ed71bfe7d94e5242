package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/gcp-host/internal/config"
	"github.com/taoyao-code/gcp-host/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（默认读取 GCP_CONFIG 或 configs/example.yaml）")
	simulate := flag.Bool("simulate", false, "使用内置模拟设备")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3) 组装并运行，阻塞至收到退出信号
	if err := bootstrap.Run(cfg, zap.L(), bootstrap.Options{Simulate: *simulate}); err != nil {
		zap.L().Fatal("gcpd exited", zap.Error(err))
	}
}
