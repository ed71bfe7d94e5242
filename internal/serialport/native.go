package serialport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Native 基于 go.bug.st/serial 的系统串口
type Native struct{}

// NewNative 返回系统串口 Opener
func NewNative() *Native { return &Native{} }

// Open 以 8N1 打开串口；库未提供 CTS 握手配置，开启流控时在打开时拉高 RTS/DTR
func (Native) Open(cfg Config) (Port, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("serial: empty port name")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.DataBits <= 0 {
		cfg.DataBits = 8
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if cfg.FlowControl {
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}
	p, err := serial.Open(cfg.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Name, err)
	}
	// 丢弃打开前残留的字节
	_ = p.ResetInputBuffer()
	return &nativePort{p: p, name: cfg.Name}, nil
}

// List 枚举串口，USB 设备附带 VID/PID/序列号
func (Native) List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// 部分平台不支持详细枚举，退化为名称列表
		names, lerr := serial.GetPortsList()
		if lerr != nil {
			return nil, fmt.Errorf("serial: list ports: %w", err)
		}
		out := make([]PortInfo, 0, len(names))
		for _, n := range names {
			out = append(out, PortInfo{Name: n, Description: describe(n, false, "")})
		}
		return out, nil
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			Description:  describe(d.Name, d.IsUSB, d.Product),
			IsUSB:        d.IsUSB,
			VendorID:     d.VID,
			ProductID:    d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out, nil
}

func describe(name string, usb bool, product string) string {
	switch {
	case usb && product != "":
		return fmt.Sprintf("%s (%s)", product, name)
	case usb:
		return fmt.Sprintf("USB Serial Port (%s)", name)
	default:
		return fmt.Sprintf("Serial Port (%s)", name)
	}
}

type nativePort struct {
	p    serial.Port
	name string

	mu      sync.Mutex // 保护 timeout
	timeout time.Duration
}

func (n *nativePort) Write(b []byte) (int, error) {
	return n.p.Write(b)
}

func (n *nativePort) ReadWithTimeout(b []byte, timeout time.Duration) (int, error) {
	n.mu.Lock()
	if timeout != n.timeout {
		if err := n.p.SetReadTimeout(timeout); err != nil {
			n.mu.Unlock()
			return 0, fmt.Errorf("serial: set read timeout: %w", err)
		}
		n.timeout = timeout
	}
	n.mu.Unlock()
	return n.p.Read(b)
}

func (n *nativePort) Close() error { return n.p.Close() }
