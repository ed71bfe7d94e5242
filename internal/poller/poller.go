package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyao-code/gcp-host/internal/metrics"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/transport"
)

// Source 状态来源（device.Manager）
type Source interface {
	Connected() bool
	GetStatus(ctx context.Context) (*gcp.StatusSnapshot, error)
}

// Snapshot 最近一次轮询结果
type Snapshot struct {
	Status gcp.StatusSnapshot `json:"status"`
	At     time.Time          `json:"at"`
}

// 单次轮询结果
const (
	ResultOK           = "ok"
	ResultBusy         = "busy"
	ResultError        = "error"
	ResultDisconnected = "disconnected"
)

// Poller 周期性查询 GET_STATUS；线路被固件传输占用时跳过本次
type Poller struct {
	src     Source
	lim     *rate.Limiter
	timeout time.Duration
	log     *zap.Logger
	m       *metrics.AppMetrics

	mu   sync.RWMutex
	last *Snapshot
}

// New 创建轮询器，interval 为两次查询的最小间隔
func New(src Source, interval time.Duration, logger *zap.Logger, m *metrics.AppMetrics) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		src:     src,
		lim:     rate.NewLimiter(rate.Every(interval), 1),
		timeout: 5 * time.Second,
		log:     logger,
		m:       m,
	}
}

// Run 阻塞轮询直到 ctx 取消
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("status poller started", zap.Float64("rate_hz", float64(p.lim.Limit())))
	for {
		// burst 为1，Wait 只会因 ctx 取消或截止前等不到令牌而失败
		if err := p.lim.Wait(ctx); err != nil {
			<-ctx.Done()
			return nil
		}
		p.Tick(ctx)
	}
}

// Tick 执行一次轮询并返回结果标签
func (p *Poller) Tick(ctx context.Context) string {
	res := p.tick(ctx)
	if p.m != nil {
		p.m.PollTotal.WithLabelValues(res).Inc()
	}
	return res
}

func (p *Poller) tick(ctx context.Context) string {
	if !p.src.Connected() {
		return ResultDisconnected
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st, err := p.src.GetStatus(ctx)
	switch {
	case err == nil:
		p.mu.Lock()
		p.last = &Snapshot{Status: *st, At: time.Now()}
		p.mu.Unlock()
		return ResultOK
	case errors.Is(err, transport.ErrBusy):
		p.log.Debug("status poll skipped, link busy")
		return ResultBusy
	default:
		p.log.Warn("status poll failed", zap.Error(err))
		return ResultError
	}
}

// Latest 最近一次成功的状态
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Snapshot{}, false
	}
	return *p.last, true
}

// LastPoll 最近一次成功轮询的时间
func (p *Poller) LastPoll() (time.Time, bool) {
	s, ok := p.Latest()
	return s.At, ok
}
