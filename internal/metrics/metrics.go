package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 串口链路与固件升级指标
type AppMetrics struct {
	ExchangeTotal    *prometheus.CounterVec // labels: cmd, result=ok|nack|failed|busy|cancelled
	ExchangeRetries  *prometheus.CounterVec // labels: cmd
	ExchangeLatency  *prometheus.HistogramVec
	FrameErrors      *prometheus.CounterVec // labels: kind=crc|preamble|size|short|large
	UnsolicitedTotal *prometheus.CounterVec // labels: cmd
	EventsDropped    prometheus.Counter
	FwBytesSent      prometheus.Counter
	FwTransfers      *prometheus.CounterVec // labels: result=completed|aborted|failed
	DeviceConnected  prometheus.Gauge
	PollTotal        *prometheus.CounterVec // labels: result=ok|busy|error
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		ExchangeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcp_exchange_total",
			Help: "GCP request/response exchanges by command and result.",
		}, []string{"cmd", "result"}),
		ExchangeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcp_exchange_retries_total",
			Help: "Resent request frames by command.",
		}, []string{"cmd"}),
		ExchangeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gcp_exchange_duration_seconds",
			Help:    "Exchange duration including retries.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
		}, []string{"cmd"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcp_frame_errors_total",
			Help: "Corrupt inbound frames by kind.",
		}, []string{"kind"}),
		UnsolicitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcp_unsolicited_total",
			Help: "Device-initiated frames received outside an exchange.",
		}, []string{"cmd"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gcp_unsolicited_dropped_total",
			Help: "Unsolicited frames dropped because the event buffer was full.",
		}),
		FwBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gcp_fw_bytes_sent_total",
			Help: "Firmware bytes acknowledged by the device.",
		}),
		FwTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcp_fw_transfers_total",
			Help: "Firmware transfers by terminal state.",
		}, []string{"result"}),
		DeviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gcp_device_connected",
			Help: "1 when a serial session is open.",
		}),
		PollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcp_poll_total",
			Help: "Status poll ticks by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.ExchangeTotal, m.ExchangeRetries, m.ExchangeLatency, m.FrameErrors,
		m.UnsolicitedTotal, m.EventsDropped, m.FwBytesSent, m.FwTransfers, m.DeviceConnected, m.PollTotal)
	return m
}
