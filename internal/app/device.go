package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/gcp-host/internal/config"
	"github.com/taoyao-code/gcp-host/internal/device"
	"github.com/taoyao-code/gcp-host/internal/metrics"
	"github.com/taoyao-code/gcp-host/internal/poller"
	"github.com/taoyao-code/gcp-host/internal/serialport"
)

// DeviceConfig 串口与固件配置转换为设备参数
func DeviceConfig(cfg *cfgpkg.Config) device.Config {
	dc := device.DefaultConfig()
	dc.FlowControl = cfg.Serial.FlowControl
	// 零值表示未配置，沿用协议默认
	if cfg.Serial.BaudRate > 0 {
		dc.BaudRate = cfg.Serial.BaudRate
	}
	if cfg.Serial.AckTimeout > 0 {
		dc.AckTimeout = cfg.Serial.AckTimeout
	}
	if cfg.Serial.MaxAttempts > 0 {
		dc.MaxAttempts = cfg.Serial.MaxAttempts
	}
	if cfg.Serial.ReadPoll > 0 {
		dc.ReadPoll = cfg.Serial.ReadPoll
	}
	if cfg.Serial.EventBuffer > 0 {
		dc.EventBuffer = cfg.Serial.EventBuffer
	}
	if cfg.Firmware.ChunkSize > 0 {
		dc.ChunkSize = cfg.Firmware.ChunkSize
	}
	if cfg.Firmware.MaxImageBytes > 0 {
		dc.MaxImageBytes = cfg.Firmware.MaxImageBytes
	}
	return dc
}

// NewDeviceManager 创建设备管理器
func NewDeviceManager(cfg *cfgpkg.Config, opener serialport.Opener, appm *metrics.AppMetrics, log *zap.Logger) *device.Manager {
	return device.NewManager(opener, DeviceConfig(cfg), log, appm)
}

// NewPollerIfEnabled 轮询未启用时返回 nil
func NewPollerIfEnabled(cfg cfgpkg.PollerConfig, mgr *device.Manager, appm *metrics.AppMetrics, log *zap.Logger) *poller.Poller {
	if !cfg.Enable {
		return nil
	}
	return poller.New(mgr, cfg.Interval, log, appm)
}
