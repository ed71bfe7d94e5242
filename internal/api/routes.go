package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/api/middleware"
)

// RegisterRoutes 注册设备控制、固件升级与事件路由
func RegisterRoutes(r *gin.Engine, dev Device, status StatusCache, authCfg middleware.AuthConfig, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dh := NewDeviceHandler(dev, status, logger)
	fh := NewFirmwareHandler(dev, logger)
	eh := NewEventsHandler(dev, logger)

	g := r.Group("/api")
	g.Use(middleware.APIKeyAuth(authCfg, logger))
	{
		g.GET("/ports", dh.ListPorts)
		g.POST("/connect", dh.Connect)
		g.POST("/disconnect", dh.Disconnect)
		g.GET("/status/latest", dh.LatestStatus)
		g.GET("/events", eh.Stream)
	}

	d := g.Group("/device")
	{
		d.GET("", dh.State)
		d.GET("/hello", dh.Hello)
		d.GET("/status", dh.GetStatus)
		d.GET("/diagnostics", dh.GetDiagnostics)
		d.GET("/fw-version", dh.GetFirmwareVersion)
		d.GET("/info", dh.GetInfo)
		d.POST("/ping", dh.Ping)
		d.POST("/config", dh.SetConfig)
		d.POST("/reset", dh.Reset)
		d.POST("/no-update", dh.RespondNoUpdate)
	}

	fw := g.Group("/firmware")
	{
		fw.POST("", fh.Upload)
		fw.GET("", fh.Current)
		fw.DELETE("", fh.Abort)
	}

	logger.Info("api routes registered", zap.Int("endpoints", 18), zap.Bool("auth", authCfg.Enabled))
}
