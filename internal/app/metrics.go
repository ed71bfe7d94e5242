package app

import (
	"net/http"

	"github.com/taoyao-code/gcp-host/internal/metrics"
)

// NewMetrics 初始化注册表与应用指标；未启用暴露时 handler 为 nil
func NewMetrics(enable bool) (*metrics.AppMetrics, http.Handler) {
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	if !enable {
		return appm, nil
	}
	return appm, metrics.Handler(reg)
}
