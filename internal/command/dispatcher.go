package command

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/transport"
)

var (
	// ErrUnexpectedResponse 应答既不是 ACK 也不是同类型直接响应
	ErrUnexpectedResponse = errors.New("command: unexpected response type")
	// ErrUnexpectedPayload 载荷长度与命令不符
	ErrUnexpectedPayload = errors.New("command: unexpected payload")
)

// Exchanger 请求/应答通道；transport.Session 与 transport.Lease 均实现
type Exchanger interface {
	Exchange(ctx context.Context, req transport.Request) (*gcp.Frame, error)
	Send(ctx context.Context, f *gcp.Frame) error
}

// HelloShape HELLO 应答形态
type HelloShape string

const (
	HelloIdentity     HelloShape = "identity"
	HelloLegacyStatus HelloShape = "legacy_status"
)

// HelloResult HELLO 结果；按载荷长度区分新旧固件
type HelloResult struct {
	Shape    HelloShape          `json:"shape"`
	Identity *gcp.DeviceIdentity `json:"identity,omitempty"`
	Status   *gcp.StatusSnapshot `json:"status,omitempty"`
}

// Dispatcher 把类型化命令映射为帧交换
type Dispatcher struct {
	x   Exchanger
	log *zap.Logger
}

// New 创建命令分发器
func New(x Exchanger, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{x: x, log: logger}
}

// Hello 握手：8字节为硬件身份，15字节及以上为旧版状态
func (d *Dispatcher) Hello(ctx context.Context) (*HelloResult, error) {
	p, err := d.do(ctx, gcp.NewFrame(gcp.MsgHello), helloFits)
	if err != nil {
		return nil, err
	}
	switch {
	case len(p) == gcp.IdentityLen:
		id, _ := gcp.ParseDeviceIdentity(p)
		return &HelloResult{Shape: HelloIdentity, Identity: &id}, nil
	case len(p) >= gcp.StatusLen:
		st, _ := gcp.ParseStatusSnapshot(p)
		d.log.Debug("legacy hello payload", zap.Int("len", len(p)))
		return &HelloResult{Shape: HelloLegacyStatus, Status: &st}, nil
	default:
		return nil, fmt.Errorf("HELLO: %w: %d bytes", ErrUnexpectedPayload, len(p))
	}
}

// GetStatus 查询状态
func (d *Dispatcher) GetStatus(ctx context.Context) (*gcp.StatusSnapshot, error) {
	p, err := d.queryLen(ctx, gcp.MsgGetStatus, gcp.StatusLen)
	if err != nil {
		return nil, err
	}
	st, err := gcp.ParseStatusSnapshot(p)
	return &st, err
}

// GetDiagnostics 查询诊断计数
func (d *Dispatcher) GetDiagnostics(ctx context.Context) (*gcp.DiagnosticsSnapshot, error) {
	p, err := d.queryLen(ctx, gcp.MsgGetDiagnostics, gcp.DiagnosticsLen)
	if err != nil {
		return nil, err
	}
	dg, err := gcp.ParseDiagnosticsSnapshot(p)
	return &dg, err
}

// GetFirmwareVersion 查询固件版本
func (d *Dispatcher) GetFirmwareVersion(ctx context.Context) (*gcp.FirmwareVersion, error) {
	p, err := d.queryLen(ctx, gcp.MsgGetFwVersion, gcp.FwVersionLen)
	if err != nil {
		return nil, err
	}
	v, err := gcp.ParseFirmwareVersion(p)
	return &v, err
}

// GetInfo 查询硬件身份
func (d *Dispatcher) GetInfo(ctx context.Context) (*gcp.DeviceIdentity, error) {
	p, err := d.queryLen(ctx, gcp.MsgGetInfo, gcp.IdentityLen)
	if err != nil {
		return nil, err
	}
	id, err := gcp.ParseDeviceIdentity(p)
	return &id, err
}

// Ping 链路探测
func (d *Dispatcher) Ping(ctx context.Context) error {
	_, err := d.do(ctx, gcp.NewFrame(gcp.MsgPing), nil)
	return err
}

// SetConfig 写配置子命令
func (d *Dispatcher) SetConfig(ctx context.Context, sub uint16, payload []byte) error {
	_, err := d.do(ctx, gcp.NewSetConfigFrame(sub, payload), nil)
	return err
}

// Reset 请求设备复位
func (d *Dispatcher) Reset(ctx context.Context, kind gcp.ResetKind) error {
	if !kind.Valid() {
		return fmt.Errorf("RESET: invalid kind %d", uint8(kind))
	}
	_, err := d.do(ctx, gcp.NewResetFrame(kind), nil)
	if err == nil {
		d.log.Info("device reset requested", zap.String("kind", kind.String()))
	}
	return err
}

// RespondNoUpdate 答复设备的升级请求：当前无可用固件
func (d *Dispatcher) RespondNoUpdate(ctx context.Context) error {
	return d.x.Send(ctx, gcp.NewFrame(gcp.MsgFwNoUpdateAvailable))
}

func (d *Dispatcher) queryLen(ctx context.Context, msgType uint16, want int) ([]byte, error) {
	p, err := d.do(ctx, gcp.NewFrame(msgType), func(n int) bool { return n >= want })
	if err != nil {
		return nil, err
	}
	if len(p) < want {
		return nil, fmt.Errorf("%s: %w: %d bytes, want %d", gcp.CommandName(msgType), ErrUnexpectedPayload, len(p), want)
	}
	return p, nil
}

func helloFits(n int) bool { return n == gcp.IdentityLen || n >= gcp.StatusLen }

// do 执行交换并按目录中的响应形态校验应答，返回归一化后的载荷
func (d *Dispatcher) do(ctx context.Context, f *gcp.Frame, fits func(int) bool) ([]byte, error) {
	resp, err := d.x.Exchange(ctx, transport.Request{Frame: f})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), err)
	}
	shape := gcp.ShapePayload
	if c, ok := gcp.Lookup(f.MsgType); ok {
		shape = c.Response
	}
	switch {
	case resp.MsgType == gcp.MsgAck:
		p := ackPayload(f.MsgType, resp.Payload(), fits)
		if shape == gcp.ShapePayload && len(p) == 0 {
			return nil, fmt.Errorf("%s: %w: empty ACK", f.Name(), ErrUnexpectedPayload)
		}
		return p, nil
	case resp.MsgType == f.MsgType && shape == gcp.ShapePayload:
		return resp.Payload(), nil
	default:
		return nil, fmt.Errorf("%s: %w: %s", f.Name(), ErrUnexpectedResponse, resp.Name())
	}
}

// ackPayload 去掉 ACK 载荷前回显的 msgType(2)+seq(4) 或仅 msgType(2)
//
// 固件各版本的 ACK 布局不一致，按回显的类型与剩余长度判断：
// fits 为 nil 时只要回显匹配就剥离，优先剥离6字节头。
func ackPayload(acked uint16, p []byte, fits func(int) bool) []byte {
	if len(p) < 2 || binary.LittleEndian.Uint16(p) != acked {
		return p
	}
	for _, skip := range []int{gcp.AckParamLen, 2} {
		if len(p) < skip {
			continue
		}
		if fits == nil || fits(len(p)-skip) {
			return p[skip:]
		}
	}
	return p
}
