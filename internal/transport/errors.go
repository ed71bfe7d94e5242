package transport

import (
	"errors"
	"fmt"

	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
)

var (
	// ErrBusy 链路被固件升级占用，请求被拒绝而不是排队
	ErrBusy = errors.New("transport: link busy")
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("transport: session closed")
	// ErrTimeout 单次尝试未在 AckTimeout 内收到应答
	ErrTimeout = errors.New("transport: ack timeout")
	// ErrLeaseReleased 租约释放后继续使用
	ErrLeaseReleased = errors.New("transport: lease released")
)

// ExchangeFailed 重试耗尽
type ExchangeFailed struct {
	MsgType  uint16
	Attempts int
	Cause    error // 最后一次失败原因：ErrTimeout、*gcp.FrameError 或 *gcp.ProtocolError
}

func (e *ExchangeFailed) Error() string {
	return fmt.Sprintf("transport: %s failed after %d attempts: %v", gcp.CommandName(e.MsgType), e.Attempts, e.Cause)
}

func (e *ExchangeFailed) Unwrap() error { return e.Cause }
