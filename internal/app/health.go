package app

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/gcp-host/internal/firmware"
	"github.com/taoyao-code/gcp-host/internal/health"
)

// NewHealthAggregator 创建健康检查聚合器；配置了串口时设备为必需项
func NewHealthAggregator(link health.LinkState, required bool) *health.Aggregator {
	return health.NewAggregator(health.NewDeviceChecker(link, required))
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}

// AddTransferChecker 最近一次固件传输失败时降级
func AddTransferChecker(aggregator *health.Aggregator, current func() *firmware.Transfer) {
	aggregator.AddChecker(health.CheckerFunc("firmware", func(ctx context.Context) health.CheckResult {
		tr := current()
		if tr == nil {
			return health.CheckResult{Status: health.StatusHealthy, Message: "idle"}
		}
		p := tr.Snapshot()
		res := health.CheckResult{
			Status:  health.StatusHealthy,
			Message: tr.State().String(),
			Details: map[string]interface{}{
				"transfer_id": tr.ID(),
				"percentage":  p.Percentage,
			},
		}
		if err := tr.Err(); err != nil && !errors.Is(err, firmware.ErrAborted) {
			res.Status = health.StatusDegraded
			res.Details["error"] = err.Error()
		}
		return res
	}))
}

// AddPollChecker 轮询启用后加入新鲜度检查
func AddPollChecker(aggregator *health.Aggregator, src health.PollState, maxAge time.Duration) {
	aggregator.AddChecker(health.NewPollChecker(src, maxAge))
}
