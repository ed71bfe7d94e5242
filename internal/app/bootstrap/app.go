package bootstrap

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/api"
	"github.com/taoyao-code/gcp-host/internal/api/middleware"
	"github.com/taoyao-code/gcp-host/internal/app"
	cfgpkg "github.com/taoyao-code/gcp-host/internal/config"
	"github.com/taoyao-code/gcp-host/internal/device"
	"github.com/taoyao-code/gcp-host/internal/health"
	"github.com/taoyao-code/gcp-host/internal/httpserver"
	"github.com/taoyao-code/gcp-host/internal/poller"
	"github.com/taoyao-code/gcp-host/internal/serialport"
	"github.com/taoyao-code/gcp-host/internal/simulator"
)

// Version 构建时通过 -ldflags 注入
var Version = "dev"

// Options 启动选项
type Options struct {
	// Simulate 使用内置模拟设备代替真实串口
	Simulate bool
}

// App 组装完成的守护进程
type App struct {
	cfg     *cfgpkg.Config
	log     *zap.Logger
	Manager *device.Manager
	Poller  *poller.Poller
	HTTP    *httpserver.Server
	Health  *health.Aggregator
}

// New 按配置组装各组件，不启动任何后台任务
func New(cfg *cfgpkg.Config, log *zap.Logger, opts Options) *App {
	appm, metricsHandler := app.NewMetrics(cfg.Metrics.Enable)

	var opener serialport.Opener = serialport.NewNative()
	if opts.Simulate {
		opener = simulator.Opener{Device: simulator.New()}
		if cfg.Serial.Port == "" {
			cfg.Serial.Port = "sim0"
		}
		log.Info("using simulated device", zap.String("port", cfg.Serial.Port))
	}

	mgr := app.NewDeviceManager(cfg, opener, appm, log)
	pol := app.NewPollerIfEnabled(cfg.Poller, mgr, appm, log)

	agg := app.NewHealthAggregator(mgr, cfg.Serial.Port != "")
	app.AddTransferChecker(agg, mgr.CurrentTransfer)
	if pol != nil {
		app.AddPollChecker(agg, pol, 5*cfg.Poller.Interval)
	}
	readyFn := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return agg.Ready(ctx)
	}

	httpSrv := app.NewHTTPServer(cfg.HTTP, cfg.Metrics.Path, metricsHandler, readyFn, log)

	httpSrv.Register(func(r *gin.Engine) {
		if cfg.HTTP.CORS {
			r.Use(middleware.CORS())
		}
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{
			Enabled:        cfg.HTTP.RateLimit.Enabled,
			RequestsPerMin: cfg.HTTP.RateLimit.RequestsPerMin,
			BurstSize:      cfg.HTTP.RateLimit.Burst,
		}))
		authCfg := middleware.AuthConfig{
			APIKeys: cfg.HTTP.Auth.APIKeys,
			Enabled: cfg.HTTP.Auth.Enabled,
		}
		var status api.StatusCache
		if pol != nil {
			status = pol
		}
		api.RegisterRoutes(r, mgr, status, authCfg, log)
		app.RegisterHealthRoutes(r, agg)
	})

	return &App{cfg: cfg, log: log, Manager: mgr, Poller: pol, HTTP: httpSrv, Health: agg}
}

// Serve 启动 HTTP、轮询与自动连接，ctx 取消后优雅关闭
func (a *App) Serve(ctx context.Context) error {
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- a.HTTP.Start()
	}()
	a.log.Info("http server started", zap.String("addr", a.cfg.HTTP.Addr))

	if port := a.cfg.Serial.Port; port != "" {
		if err := a.Manager.Connect(port); err != nil {
			// 启动时设备可能未插入，稍后可通过 /api/connect 重试
			a.log.Warn("auto connect failed", zap.String("port", port), zap.Error(err))
		} else {
			hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if hello, err := a.Manager.Hello(hctx); err != nil {
				a.log.Warn("hello failed", zap.Error(err))
			} else {
				a.log.Info("device hello", zap.String("shape", string(hello.Shape)))
			}
			cancel()
		}
	}

	pctx, pcancel := context.WithCancel(ctx)
	defer pcancel()
	pollDone := make(chan struct{})
	if a.Poller != nil {
		go func() {
			defer close(pollDone)
			_ = a.Poller.Run(pctx)
		}()
	} else {
		close(pollDone)
	}

	var err error
	select {
	case <-ctx.Done():
		a.log.Info("received shutdown signal, gracefully shutting down...")
	case err = <-httpErr:
		if err != nil {
			a.log.Error("http server error", zap.Error(err))
		}
	}

	pcancel()
	<-pollDone

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.HTTP.Shutdown(sctx)
	a.log.Info("http server stopped")

	if cerr := a.Manager.Close(); cerr != nil && !errors.Is(cerr, device.ErrNotConnected) {
		a.log.Warn("device close failed", zap.Error(cerr))
	}
	a.log.Info("shutdown complete")
	return err
}

// Run 统一启动流程，阻塞直到收到 SIGINT/SIGTERM
func Run(cfg *cfgpkg.Config, log *zap.Logger, opts Options) error {
	log.Info("starting gcp host daemon",
		zap.String("version", Version),
		zap.String("env", cfg.App.Env),
		zap.Bool("simulate", opts.Simulate))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return New(cfg, log, opts).Serve(ctx)
}
