package health

import (
	"context"
	"time"
)

// LinkState 设备连接状态来源（device.Manager）
type LinkState interface {
	Connected() bool
	PortName() string
	Busy() bool
}

// DeviceChecker 串口链路检查器
type DeviceChecker struct {
	link LinkState
	// Required 为 true 时未连接视为不健康
	Required bool
}

// NewDeviceChecker 创建设备检查器
func NewDeviceChecker(link LinkState, required bool) *DeviceChecker {
	return &DeviceChecker{link: link, Required: required}
}

func (c *DeviceChecker) Name() string { return "device" }

// Check 未连接时降级（或必需时不健康），固件传输中附带 busy 标记
func (c *DeviceChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if !c.link.Connected() {
		st := StatusDegraded
		if c.Required {
			st = StatusUnhealthy
		}
		return CheckResult{Status: st, Message: "not connected", Latency: time.Since(start)}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: map[string]interface{}{
			"port": c.link.PortName(),
			"busy": c.link.Busy(),
		},
		Latency: time.Since(start),
	}
}

// PollState 最近一次轮询时间来源
type PollState interface {
	LastPoll() (time.Time, bool)
}

// PollChecker 状态轮询新鲜度检查器
type PollChecker struct {
	src    PollState
	maxAge time.Duration
}

// NewPollChecker maxAge 内没有成功轮询则降级
func NewPollChecker(src PollState, maxAge time.Duration) *PollChecker {
	return &PollChecker{src: src, maxAge: maxAge}
}

func (c *PollChecker) Name() string { return "poller" }

func (c *PollChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	at, ok := c.src.LastPoll()
	if !ok {
		return CheckResult{Status: StatusDegraded, Message: "no successful poll yet", Latency: time.Since(start)}
	}
	age := time.Since(at)
	res := CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: map[string]interface{}{"age": age.String()},
		Latency: time.Since(start),
	}
	if age > c.maxAge {
		res.Status = StatusDegraded
		res.Message = "status poll stale"
	}
	return res
}
