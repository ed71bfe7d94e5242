package api

import (
	"context"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/command"
	"github.com/taoyao-code/gcp-host/internal/device"
	"github.com/taoyao-code/gcp-host/internal/firmware"
	"github.com/taoyao-code/gcp-host/internal/poller"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/serialport"
)

// Device 控制接口依赖的设备门面（device.Manager）
type Device interface {
	ListPorts() ([]serialport.PortInfo, error)
	Connect(port string) error
	Disconnect() error
	Connected() bool
	PortName() string
	Busy() bool
	Subscribe() (<-chan device.Event, func())

	Hello(ctx context.Context) (*command.HelloResult, error)
	GetStatus(ctx context.Context) (*gcp.StatusSnapshot, error)
	GetDiagnostics(ctx context.Context) (*gcp.DiagnosticsSnapshot, error)
	GetFirmwareVersion(ctx context.Context) (*gcp.FirmwareVersion, error)
	GetInfo(ctx context.Context) (*gcp.DeviceIdentity, error)
	Ping(ctx context.Context) error
	SetConfig(ctx context.Context, sub uint16, payload []byte) error
	Reset(ctx context.Context, kind gcp.ResetKind) error
	RespondNoUpdate(ctx context.Context) error

	StartFirmwareUpdate(img *firmware.Image) (*firmware.Transfer, error)
	AbortFirmwareUpdate() error
	CurrentTransfer() *firmware.Transfer
	MaxImageBytes() int64
}

// StatusCache 最近一次轮询状态（poller.Poller）
type StatusCache interface {
	Latest() (poller.Snapshot, bool)
}

// DeviceHandler 设备连接与命令 API
type DeviceHandler struct {
	dev     Device
	status  StatusCache
	timeout time.Duration
	logger  *zap.Logger
}

// NewDeviceHandler 创建设备 Handler；status 可为 nil（未启用轮询）
func NewDeviceHandler(dev Device, status StatusCache, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{dev: dev, status: status, timeout: 10 * time.Second, logger: logger}
}

func (h *DeviceHandler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// ListPorts 枚举串口
// @Router /api/ports [get]
func (h *DeviceHandler) ListPorts(c *gin.Context) {
	ports, err := h.dev.ListPorts()
	if err != nil {
		writeError(c, err)
		return
	}
	if ports == nil {
		ports = []serialport.PortInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

// ConnectRequest 连接请求
type ConnectRequest struct {
	Port string `json:"port" binding:"required"`
}

// Connect 打开串口并握手
// @Router /api/connect [post]
func (h *DeviceHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "port required")
		return
	}
	if err := h.dev.Connect(req.Port); err != nil {
		h.logger.Warn("connect failed", zap.String("port", req.Port), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "open_failed", "message": err.Error()})
		return
	}

	resp := gin.H{"port": req.Port, "connected": true}
	ctx, cancel := h.ctx(c)
	defer cancel()
	// 握手失败不影响连接，由调用方决定是否断开
	if hello, err := h.dev.Hello(ctx); err != nil {
		resp["hello_error"] = err.Error()
	} else {
		resp["hello"] = hello
	}
	c.JSON(http.StatusOK, resp)
}

// Disconnect 断开连接
// @Router /api/disconnect [post]
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	if err := h.dev.Disconnect(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": false})
}

// State 连接概况
// @Router /api/device [get]
func (h *DeviceHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected": h.dev.Connected(),
		"port":      h.dev.PortName(),
		"busy":      h.dev.Busy(),
	})
}

func (h *DeviceHandler) Hello(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	respond(c, func() (any, error) { return h.dev.Hello(ctx) })
}

func (h *DeviceHandler) GetStatus(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	respond(c, func() (any, error) { return h.dev.GetStatus(ctx) })
}

func (h *DeviceHandler) GetDiagnostics(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	respond(c, func() (any, error) { return h.dev.GetDiagnostics(ctx) })
}

func (h *DeviceHandler) GetInfo(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	respond(c, func() (any, error) { return h.dev.GetInfo(ctx) })
}

func (h *DeviceHandler) GetFirmwareVersion(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	v, err := h.dev.GetFirmwareVersion(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"major":   v.Major,
		"minor":   v.Minor,
		"patch":   v.Patch,
		"suffix":  v.Suffix,
		"version": v.String(),
	})
}

func (h *DeviceHandler) Ping(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	start := time.Now()
	if err := h.dev.Ping(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "rtt_ms": time.Since(start).Milliseconds()})
}

// SetConfigRequest 配置写入请求，payload 为十六进制
type SetConfigRequest struct {
	SubCommand uint16 `json:"sub_command"`
	Payload    string `json:"payload"`
}

// SetConfig 写入设备配置
// @Router /api/device/config [post]
func (h *DeviceHandler) SetConfig(c *gin.Context) {
	var req SetConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		badRequest(c, "payload must be hex")
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.dev.SetConfig(ctx, req.SubCommand, payload); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ResetRequest 复位请求
type ResetRequest struct {
	Kind string `json:"kind" binding:"required"`
}

// Reset 复位设备
// @Router /api/device/reset [post]
func (h *DeviceHandler) Reset(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "kind required")
		return
	}
	kind, err := gcp.ParseResetKind(req.Kind)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.dev.Reset(ctx, kind); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("device reset requested", zap.String("kind", kind.String()))
	c.JSON(http.StatusOK, gin.H{"ok": true, "kind": kind.String()})
}

// RespondNoUpdate 答复设备：无可用固件
func (h *DeviceHandler) RespondNoUpdate(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.dev.RespondNoUpdate(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// LatestStatus 轮询缓存的最近状态
// @Router /api/status/latest [get]
func (h *DeviceHandler) LatestStatus(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "poller_disabled"})
		return
	}
	snap, ok := h.status.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_status"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func respond(c *gin.Context, fn func() (any, error)) {
	v, err := fn()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}
