package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/metrics"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
)

type options struct {
	ackTimeout  time.Duration
	maxAttempts int
	readPoll    time.Duration
	eventBuffer int
	logger      *zap.Logger
	metrics     *metrics.AppMetrics
}

func defaultOptions() options {
	return options{
		ackTimeout:  gcp.DefaultAckTimeoutMs * time.Millisecond,
		maxAttempts: gcp.DefaultMaxAttempts,
		readPoll:    20 * time.Millisecond,
		eventBuffer: 32,
		logger:      zap.NewNop(),
	}
}

// Option 会话选项
type Option func(*options)

// WithAckTimeout 单次尝试的应答超时
func WithAckTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

// WithMaxAttempts 总发送次数（含首次）
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithReadPoll 读协程单次阻塞时长，决定 Close 的响应速度
func WithReadPoll(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readPoll = d
		}
	}
}

// WithEventBuffer 主动帧缓冲深度
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.AppMetrics) Option {
	return func(o *options) { o.metrics = m }
}
