package health

import (
	"context"
	"time"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded" // 仍可提供控制接口
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult 单项检查结果
type CheckResult struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Latency time.Duration          `json:"latency"`
}

// Checker 健康检查器接口
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// funcChecker 以函数实现的检查器
type funcChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// CheckerFunc 用函数构造检查器，Latency 由包装层填写
func CheckerFunc(name string, fn func(ctx context.Context) CheckResult) Checker {
	return funcChecker{name: name, fn: fn}
}

func (f funcChecker) Name() string { return f.name }

func (f funcChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	r := f.fn(ctx)
	r.Latency = time.Since(start)
	return r
}
