package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/command"
	"github.com/taoyao-code/gcp-host/internal/firmware"
	"github.com/taoyao-code/gcp-host/internal/metrics"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/serialport"
	"github.com/taoyao-code/gcp-host/internal/transport"
)

var (
	// ErrNotConnected 尚未连接设备
	ErrNotConnected = errors.New("device: not connected")
	// ErrNoTransfer 没有进行中的固件传输
	ErrNoTransfer = errors.New("device: no transfer in progress")
)

// Config 设备连接参数
type Config struct {
	BaudRate      int
	FlowControl   bool
	AckTimeout    time.Duration
	MaxAttempts   int
	ReadPoll      time.Duration
	EventBuffer   int
	ChunkSize     int
	MaxImageBytes int64
	// AbortWait 断开前等待进行中传输放弃的时长
	AbortWait time.Duration
}

// DefaultConfig 协议默认参数
func DefaultConfig() Config {
	return Config{
		BaudRate:      gcp.UARTBaud,
		FlowControl:   true,
		AckTimeout:    gcp.DefaultAckTimeoutMs * time.Millisecond,
		MaxAttempts:   gcp.DefaultMaxAttempts,
		ReadPoll:      20 * time.Millisecond,
		EventBuffer:   32,
		ChunkSize:     gcp.RecommendedChunkSize,
		MaxImageBytes: firmware.DefaultMaxImageBytes,
		AbortWait:     5 * time.Second,
	}
}

// link 一次连接持有的对象
type link struct {
	port    string
	sess    *transport.Session
	disp    *command.Dispatcher
	updater *firmware.Updater
}

// Manager 设备会话门面：连接状态、命令、固件升级与事件订阅
type Manager struct {
	opener serialport.Opener
	cfg    Config
	log    *zap.Logger
	m      *metrics.AppMetrics
	hub    *hub

	ctx    context.Context
	cancel context.CancelFunc

	// connMu 串行化 Connect/Disconnect，保证同一时刻只有一条链路
	connMu sync.Mutex
	mu     sync.Mutex
	cur    *link
}

// NewManager 创建设备管理器
func NewManager(opener serialport.Opener, cfg Config, logger *zap.Logger, m *metrics.AppMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opener: opener,
		cfg:    cfg,
		log:    logger,
		m:      m,
		hub:    newHub(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ListPorts 枚举串口
func (m *Manager) ListPorts() ([]serialport.PortInfo, error) {
	return m.opener.List()
}

// Connect 打开串口并建立会话；已连接时先断开
func (m *Manager) Connect(port string) error {
	if port == "" {
		return fmt.Errorf("device: empty port name")
	}
	m.connMu.Lock()
	defer m.connMu.Unlock()
	_ = m.disconnect()

	pc := serialport.DefaultConfig(port)
	if m.cfg.BaudRate > 0 {
		pc.BaudRate = m.cfg.BaudRate
	}
	pc.FlowControl = m.cfg.FlowControl
	p, err := m.opener.Open(pc)
	if err != nil {
		return err
	}
	sess := transport.New(p,
		transport.WithAckTimeout(m.cfg.AckTimeout),
		transport.WithMaxAttempts(m.cfg.MaxAttempts),
		transport.WithReadPoll(m.cfg.ReadPoll),
		transport.WithEventBuffer(m.cfg.EventBuffer),
		transport.WithLogger(m.log.With(zap.String("port", port))),
		transport.WithMetrics(m.m),
	)
	l := &link{
		port: port,
		sess: sess,
		disp: command.New(sess, m.log),
		updater: firmware.NewUpdater(sess,
			firmware.WithChunkSize(m.cfg.ChunkSize),
			firmware.WithLogger(m.log),
			firmware.WithMetrics(m.m)),
	}

	m.mu.Lock()
	m.cur = l
	m.mu.Unlock()
	if m.m != nil {
		m.m.DeviceConnected.Set(1)
	}
	m.log.Info("device connected", zap.String("port", port))
	m.hub.publish(Event{Kind: EventConnected, Port: port})

	go m.pump(l)
	return nil
}

// Disconnect 断开当前会话；进行中的传输先放弃
func (m *Manager) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.disconnect()
}

func (m *Manager) disconnect() error {
	m.mu.Lock()
	l := m.cur
	m.cur = nil
	m.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	if tr := l.updater.Current(); tr != nil {
		select {
		case <-tr.Done():
		default:
			tr.Abort()
			select {
			case <-tr.Done():
			case <-time.After(m.cfg.AbortWait):
				m.log.Warn("transfer did not stop before disconnect", zap.String("transfer_id", tr.ID()))
			}
		}
	}
	return l.sess.Close()
}

// Close 断开并停止后台任务
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.cancel()
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Connected 是否已连接
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil
}

// PortName 当前串口名，未连接为空
func (m *Manager) PortName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.port
}

// Busy 是否有固件传输占用线路
func (m *Manager) Busy() bool {
	l, err := m.link()
	return err == nil && l.sess.Busy()
}

// Subscribe 订阅设备事件；调用返回的函数取消订阅
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.hub.subscribe(64)
}

func (m *Manager) link() (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, ErrNotConnected
	}
	return m.cur, nil
}

func (m *Manager) dispatcher() (*command.Dispatcher, error) {
	l, err := m.link()
	if err != nil {
		return nil, err
	}
	return l.disp, nil
}

func (m *Manager) Hello(ctx context.Context) (*command.HelloResult, error) {
	d, err := m.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.Hello(ctx)
}

func (m *Manager) GetStatus(ctx context.Context) (*gcp.StatusSnapshot, error) {
	d, err := m.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.GetStatus(ctx)
}

func (m *Manager) GetDiagnostics(ctx context.Context) (*gcp.DiagnosticsSnapshot, error) {
	d, err := m.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.GetDiagnostics(ctx)
}

func (m *Manager) GetFirmwareVersion(ctx context.Context) (*gcp.FirmwareVersion, error) {
	d, err := m.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.GetFirmwareVersion(ctx)
}

func (m *Manager) GetInfo(ctx context.Context) (*gcp.DeviceIdentity, error) {
	d, err := m.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.GetInfo(ctx)
}

func (m *Manager) Ping(ctx context.Context) error {
	d, err := m.dispatcher()
	if err != nil {
		return err
	}
	return d.Ping(ctx)
}

func (m *Manager) SetConfig(ctx context.Context, sub uint16, payload []byte) error {
	d, err := m.dispatcher()
	if err != nil {
		return err
	}
	return d.SetConfig(ctx, sub, payload)
}

func (m *Manager) Reset(ctx context.Context, kind gcp.ResetKind) error {
	d, err := m.dispatcher()
	if err != nil {
		return err
	}
	return d.Reset(ctx, kind)
}

// RespondNoUpdate 答复设备升级请求：无可用固件
func (m *Manager) RespondNoUpdate(ctx context.Context) error {
	d, err := m.dispatcher()
	if err != nil {
		return err
	}
	return d.RespondNoUpdate(ctx)
}

// StartFirmwareUpdate 启动异步传输，进度以 EventProgress 推送
func (m *Manager) StartFirmwareUpdate(img *firmware.Image) (*firmware.Transfer, error) {
	l, err := m.link()
	if err != nil {
		return nil, err
	}
	tr, err := l.updater.Start(m.ctx, img)
	if err != nil {
		return nil, err
	}
	go m.forward(tr)
	return tr, nil
}

// AbortFirmwareUpdate 放弃进行中的传输
func (m *Manager) AbortFirmwareUpdate() error {
	tr := m.CurrentTransfer()
	if tr == nil || tr.State().Terminal() {
		return ErrNoTransfer
	}
	tr.Abort()
	return nil
}

// CurrentTransfer 最近一次传输，没有时为 nil
func (m *Manager) CurrentTransfer() *firmware.Transfer {
	l, err := m.link()
	if err != nil {
		return nil
	}
	return l.updater.Current()
}

// MaxImageBytes 镜像大小上限
func (m *Manager) MaxImageBytes() int64 { return m.cfg.MaxImageBytes }

func (m *Manager) forward(tr *firmware.Transfer) {
	for p := range tr.Progress() {
		m.hub.publish(Event{Kind: EventProgress, Progress: &p})
	}
	ev := Event{Kind: EventTransferDone, State: tr.State().String()}
	if err := tr.Err(); err != nil {
		ev.Error = err.Error()
	}
	m.hub.publish(ev)
}

// pump 转发会话主动帧，会话结束时清理连接状态
func (m *Manager) pump(l *link) {
	for f := range l.sess.Events() {
		switch f.MsgType {
		case gcp.MsgFwUpdateRequest:
			ev := Event{Kind: EventUpdateRequested, Port: l.port}
			if v, err := gcp.ParseFirmwareVersion(f.Data); err == nil {
				ev.Version = &v
			}
			m.log.Info("device requested firmware update", zap.Any("version", ev.Version))
			m.hub.publish(ev)
		default:
			m.hub.publish(Event{Kind: EventUnsolicited, Port: l.port, Frame: &FrameView{
				MsgType: f.MsgType,
				Name:    f.Name(),
				Params:  f.Params,
				Data:    f.Data,
			}})
		}
	}

	m.mu.Lock()
	if m.cur == l {
		m.cur = nil
	}
	connected := m.cur != nil
	m.mu.Unlock()
	if m.m != nil && !connected {
		m.m.DeviceConnected.Set(0)
	}
	ev := Event{Kind: EventDisconnected, Port: l.port}
	if err := l.sess.Err(); err != nil {
		ev.Error = err.Error()
		m.log.Warn("device link lost", zap.String("port", l.port), zap.Error(err))
	} else {
		m.log.Info("device disconnected", zap.String("port", l.port))
	}
	m.hub.publish(ev)
}
