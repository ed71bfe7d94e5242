package serialport

import (
	"errors"
	"io"
	"time"
)

// Port 串口能力接口：协议引擎只依赖这三个操作
// 真实串口、测试模拟器都实现它，协议层无需分支
type Port interface {
	io.Writer
	// ReadWithTimeout 最多等待 timeout；超时返回 (0, nil)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// Config 串口参数
type Config struct {
	Name        string
	BaudRate    int
	DataBits    int
	FlowControl bool // RTS/CTS
}

// DefaultConfig GCP 规定的 115200 8N1 + 硬件流控
func DefaultConfig(name string) Config {
	return Config{Name: name, BaudRate: 115200, DataBits: 8, FlowControl: true}
}

// PortInfo 枚举到的串口
type PortInfo struct {
	Name         string `json:"port"`
	Description  string `json:"description"`
	IsUSB        bool   `json:"is_usb"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Opener 打开与枚举串口
type Opener interface {
	Open(cfg Config) (Port, error)
	List() ([]PortInfo, error)
}

// ErrPortClosed 端口已关闭
var ErrPortClosed = errors.New("serial port closed")
