package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/serialport"
)

// Request 一次请求/应答交换
type Request struct {
	Frame *gcp.Frame
	// Seq 为设备回带的序号；MatchSeq 为 true 时 ACK/NACK 必须带相同序号
	Seq      uint32
	MatchSeq bool
}

// Session 串口传输会话：同一时刻至多一个未完成的交换
//
// 后台读协程把字节流切成帧：与当前请求关联的帧交给等待方，
// 其余帧（含 FW_UPDATE_REQUEST）投递到 Events()。
type Session struct {
	port serialport.Port
	opts options
	log  *zap.Logger

	gate chan struct{} // 容量1，持有者独占线路

	mu      sync.Mutex
	lease   *Lease
	pending *pending

	decMu sync.Mutex
	dec   *gcp.StreamDecoder

	events  chan gcp.Frame
	dropped atomic.Uint64

	closeOnce  sync.Once
	closed     chan struct{}
	readerDone chan struct{}
	closeErr   atomic.Value // error，读端故障原因
}

type pending struct {
	req Request
	ch  chan inbound
}

// inbound 读协程交给等待方的结果：帧或损坏帧错误
type inbound struct {
	frame *gcp.Frame
	err   error
}

// New 接管已打开的端口并启动读协程
func New(port serialport.Port, opt ...Option) *Session {
	o := defaultOptions()
	for _, fn := range opt {
		fn(&o)
	}
	s := &Session{
		port:       port,
		opts:       o,
		log:        o.logger,
		gate:       make(chan struct{}, 1),
		dec:        gcp.NewStreamDecoder(),
		events:     make(chan gcp.Frame, o.eventBuffer),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Events 设备主动帧；会话关闭后通道关闭
func (s *Session) Events() <-chan gcp.Frame { return s.events }

// Dropped 因缓冲满被丢弃的主动帧数量
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Done 会话关闭（主动关闭或读端故障）时关闭
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err 读端故障原因；主动关闭为 nil
func (s *Session) Err() error {
	if v, ok := s.closeErr.Load().(error); ok {
		return v
	}
	return nil
}

// Close 停止读协程并关闭端口，可重复调用
func (s *Session) Close() error {
	err := s.shutdown(nil)
	<-s.readerDone
	return err
}

func (s *Session) shutdown(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		if cause != nil {
			s.closeErr.Store(cause)
		}
		close(s.closed)
		err = s.port.Close()
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// closedErr 带上读端故障原因
func (s *Session) closedErr() error {
	if cause := s.Err(); cause != nil {
		return fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	return ErrClosed
}

// Reserve 独占线路，直到 Release；期间其他调用方的 Exchange/Send 返回 ErrBusy
func (s *Session) Reserve() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return nil, s.closedErr()
	}
	if s.lease != nil {
		return nil, ErrBusy
	}
	l := &Lease{s: s}
	s.lease = l
	return l, nil
}

// Busy 是否有租约在执行
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease != nil
}

// Exchange 发送请求并等待关联应答，超时/CRC损坏/已知错误码 NACK 时重发
func (s *Session) Exchange(ctx context.Context, req Request) (*gcp.Frame, error) {
	return s.exchange(ctx, req, nil)
}

// Send 只写不等应答（答复设备主动请求），同样受线路互斥约束
func (s *Session) Send(ctx context.Context, f *gcp.Frame) error {
	return s.send(ctx, f, nil)
}

// acquire 取得线路；owner 为 nil 表示非租约调用
func (s *Session) acquire(ctx context.Context, owner *Lease) (func(), error) {
	if err := s.checkOwner(owner); err != nil {
		return nil, err
	}
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, s.closedErr()
	}
	// 等待期间可能被预留
	if err := s.checkOwner(owner); err != nil {
		<-s.gate
		return nil, err
	}
	return func() { <-s.gate }, nil
}

func (s *Session) checkOwner(owner *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return s.closedErr()
	}
	if s.lease != nil && s.lease != owner {
		return ErrBusy
	}
	return nil
}

func (s *Session) send(ctx context.Context, f *gcp.Frame, owner *Lease) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	release, err := s.acquire(ctx, owner)
	if err != nil {
		return err
	}
	defer release()
	if _, err := s.port.Write(raw); err != nil {
		return fmt.Errorf("transport: write %s: %w", f.Name(), err)
	}
	s.log.Debug("frame sent", zap.String("msg_type", f.Name()), zap.Int("bytes", len(raw)))
	return nil
}

func (s *Session) exchange(ctx context.Context, req Request, owner *Lease) (*gcp.Frame, error) {
	if req.Frame == nil {
		return nil, errors.New("transport: nil request frame")
	}
	cmd := req.Frame.Name()
	raw, err := req.Frame.Encode()
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, owner)
	if err != nil {
		s.observe(cmd, resultLabel(err), 0)
		return nil, err
	}
	defer release()

	p := &pending{req: req, ch: make(chan inbound, 4)}
	s.setPending(p)
	defer s.setPending(nil)

	start := time.Now()
	var cause error
	for attempt := 1; attempt <= s.opts.maxAttempts; attempt++ {
		if attempt > 1 {
			s.retried(cmd)
		}
		if _, err := s.port.Write(raw); err != nil {
			s.observe(cmd, "failed", time.Since(start))
			return nil, fmt.Errorf("transport: write %s: %w", cmd, err)
		}
		s.log.Debug("request sent",
			zap.String("msg_type", cmd),
			zap.Int("attempt", attempt),
			zap.Int("bytes", len(raw)))

		f, err := s.await(ctx, p)
		if err == nil {
			s.observe(cmd, "ok", time.Since(start))
			return f, nil
		}
		var perr *gcp.ProtocolError
		switch {
		case errors.Is(err, ErrTimeout):
			// 截止时的半帧丢弃，下一帧必须从新的前导码开始
			s.decMu.Lock()
			s.dec.Reset()
			s.decMu.Unlock()
		case errors.Is(err, gcp.ErrCRC):
		case errors.As(err, &perr) && perr.Code.Known():
		default:
			// 未知错误码、ctx 取消、会话关闭：立即结束
			s.observe(cmd, resultLabel(err), time.Since(start))
			return nil, err
		}
		cause = err
		s.log.Debug("attempt failed",
			zap.String("msg_type", cmd),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	s.observe(cmd, "failed", time.Since(start))
	s.log.Warn("exchange failed",
		zap.String("msg_type", cmd),
		zap.Int("attempts", s.opts.maxAttempts),
		zap.Error(cause))
	return nil, &ExchangeFailed{MsgType: req.Frame.MsgType, Attempts: s.opts.maxAttempts, Cause: cause}
}

// await 等待一次尝试的结果
func (s *Session) await(ctx context.Context, p *pending) (*gcp.Frame, error) {
	timer := time.NewTimer(s.opts.ackTimeout)
	defer timer.Stop()
	select {
	case in := <-p.ch:
		if in.err != nil {
			return nil, in.err
		}
		if in.frame.MsgType == gcp.MsgNack {
			info, _ := gcp.ParseAckInfo(in.frame)
			code, _ := gcp.NackCode(in.frame)
			return nil, &gcp.ProtocolError{
				Op:      p.req.Frame.Name(),
				MsgType: p.req.Frame.MsgType,
				Seq:     info.Seq,
				Code:    code,
			}
		}
		return in.frame, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, s.closedErr()
	}
}

func (s *Session) setPending(p *pending) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
}

// matches 判断帧是否为请求的应答
func (r Request) matches(f *gcp.Frame) bool {
	if gcp.IsUnsolicited(f.MsgType) {
		return false
	}
	if info, ok := gcp.ParseAckInfo(f); ok {
		if info.MsgType != r.Frame.MsgType {
			return false
		}
		return !r.MatchSeq || info.Seq == r.Seq
	}
	return f.MsgType == r.Frame.MsgType
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.events)

	buf := make([]byte, 1024)
	for {
		if s.isClosed() {
			return
		}
		n, err := s.port.ReadWithTimeout(buf, s.opts.readPoll)
		if err != nil {
			if !s.isClosed() {
				s.log.Error("serial read failed", zap.Error(err))
				_ = s.shutdown(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		s.decMu.Lock()
		evs := s.dec.Feed(buf[:n])
		s.decMu.Unlock()
		for _, ev := range evs {
			s.dispatch(ev)
		}
	}
}

func (s *Session) dispatch(ev gcp.Event) {
	if ev.Err != nil {
		kind := gcp.FrameErrorKind(ev.Err)
		if s.opts.metrics != nil {
			s.opts.metrics.FrameErrors.WithLabelValues(kind).Inc()
		}
		s.log.Debug("corrupt frame", zap.String("kind", kind), zap.Error(ev.Err))
		// 只有 CRC 损坏触发重发，其他错误视为线路噪声
		if errors.Is(ev.Err, gcp.ErrCRC) {
			s.mu.Lock()
			if p := s.pending; p != nil {
				offer(p.ch, inbound{err: ev.Err})
			}
			s.mu.Unlock()
		}
		return
	}

	f := ev.Frame
	s.mu.Lock()
	p := s.pending
	if p != nil && p.req.matches(f) {
		offer(p.ch, inbound{frame: f})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.deliverUnsolicited(*f)
}

func offer(ch chan inbound, in inbound) {
	select {
	case ch <- in:
	default:
	}
}

// deliverUnsolicited 投递主动帧；缓冲满时丢弃最旧的一帧
func (s *Session) deliverUnsolicited(f gcp.Frame) {
	if s.opts.metrics != nil {
		s.opts.metrics.UnsolicitedTotal.WithLabelValues(f.Name()).Inc()
	}
	s.log.Debug("unsolicited frame", zap.String("msg_type", f.Name()))
	for {
		select {
		case s.events <- f:
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped.Add(1)
			if s.opts.metrics != nil {
				s.opts.metrics.EventsDropped.Inc()
			}
		default:
		}
	}
}

func (s *Session) observe(cmd, result string, d time.Duration) {
	if s.opts.metrics == nil {
		return
	}
	s.opts.metrics.ExchangeTotal.WithLabelValues(cmd, result).Inc()
	if d > 0 {
		s.opts.metrics.ExchangeLatency.WithLabelValues(cmd).Observe(d.Seconds())
	}
}

func (s *Session) retried(cmd string) {
	if s.opts.metrics != nil {
		s.opts.metrics.ExchangeRetries.WithLabelValues(cmd).Inc()
	}
}

func resultLabel(err error) string {
	var perr *gcp.ProtocolError
	switch {
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &perr):
		return "nack"
	default:
		return "failed"
	}
}

// Lease 线路独占租约（固件升级期间持有）
type Lease struct {
	s        *Session
	released atomic.Bool
}

// Exchange 以租约身份交换
func (l *Lease) Exchange(ctx context.Context, req Request) (*gcp.Frame, error) {
	if l.released.Load() {
		return nil, ErrLeaseReleased
	}
	return l.s.exchange(ctx, req, l)
}

// Send 以租约身份只写
func (l *Lease) Send(ctx context.Context, f *gcp.Frame) error {
	if l.released.Load() {
		return ErrLeaseReleased
	}
	return l.s.send(ctx, f, l)
}

// Release 归还线路，可重复调用
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.s.mu.Lock()
	if l.s.lease == l {
		l.s.lease = nil
	}
	l.s.mu.Unlock()
}
