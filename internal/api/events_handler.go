package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventsHandler 以 SSE 推送设备事件
type EventsHandler struct {
	dev       Device
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewEventsHandler 创建事件 Handler
func NewEventsHandler(dev Device, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{dev: dev, heartbeat: 15 * time.Second, logger: logger}
}

// Stream 事件名为事件类型，数据为 JSON
// @Router /api/events [get]
func (h *EventsHandler) Stream(c *gin.Context) {
	events, cancel := h.dev.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	h.logger.Debug("event stream opened", zap.String("remote_addr", c.ClientIP()))

	tick := time.NewTicker(h.heartbeat)
	defer tick.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-tick.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now()})
			return true
		case <-ctx.Done():
			return false
		}
	})
	h.logger.Debug("event stream closed", zap.String("remote_addr", c.ClientIP()))
}
