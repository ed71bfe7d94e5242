package gcp

import (
	"errors"
	"fmt"
)

// 帧级错误，只在传输层内部处理
var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrInvalidPreamble = errors.New("invalid preamble")
	ErrSizeMismatch    = errors.New("size mismatch")
	ErrCRC             = errors.New("crc mismatch")
	ErrFrameTooLarge   = errors.New("frame too large")
)

// FrameError 帧解析失败的详细信息
type FrameError struct {
	Kind     error // 上述哨兵之一
	Expected uint32
	Actual   uint32
}

func (e *FrameError) Error() string {
	switch e.Kind {
	case ErrCRC:
		return fmt.Sprintf("%v: calculated=0x%04X received=0x%04X", e.Kind, e.Expected, e.Actual)
	case ErrInvalidPreamble:
		return fmt.Sprintf("%v: got 0x%04X", e.Kind, e.Actual)
	default:
		return fmt.Sprintf("%v: expected=%d actual=%d", e.Kind, e.Expected, e.Actual)
	}
}

func (e *FrameError) Unwrap() error { return e.Kind }

// FrameErrorKind 给指标打标签
func FrameErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrCRC):
		return "crc"
	case errors.Is(err, ErrInvalidPreamble):
		return "preamble"
	case errors.Is(err, ErrSizeMismatch):
		return "size"
	case errors.Is(err, ErrFrameTooShort):
		return "short"
	case errors.Is(err, ErrFrameTooLarge):
		return "large"
	default:
		return "other"
	}
}

// ErrorCode 设备 NACK 错误码
type ErrorCode uint16

const (
	CodeCRC              ErrorCode = 0x0001
	CodeSequence         ErrorCode = 0x0002
	CodeSize             ErrorCode = 0x0003
	CodeTimeout          ErrorCode = 0x0004
	CodeStorageWrite     ErrorCode = 0x0005 // MRAM 写失败
	CodeUnknownCommand   ErrorCode = 0x0006
	CodeInvalidParameter ErrorCode = 0x0007
	CodeBusy             ErrorCode = 0x0008
)

// Known 是否为协议定义的错误码
func (c ErrorCode) Known() bool { return c >= CodeCRC && c <= CodeBusy }

func (c ErrorCode) String() string {
	switch c {
	case CodeCRC:
		return "CrcError"
	case CodeSequence:
		return "SequenceError"
	case CodeSize:
		return "SizeError"
	case CodeTimeout:
		return "TimeoutError"
	case CodeStorageWrite:
		return "StorageWriteError"
	case CodeUnknownCommand:
		return "UnknownCommand"
	case CodeInvalidParameter:
		return "InvalidParameter"
	case CodeBusy:
		return "Busy"
	default:
		return fmt.Sprintf("ErrorCode(0x%04X)", uint16(c))
	}
}

// 与错误码对应的哨兵，配合 errors.Is 使用
var (
	ErrCodeCRC              = codeSentinel(CodeCRC)
	ErrCodeSequence         = codeSentinel(CodeSequence)
	ErrCodeSize             = codeSentinel(CodeSize)
	ErrCodeTimeout          = codeSentinel(CodeTimeout)
	ErrCodeStorageWrite     = codeSentinel(CodeStorageWrite)
	ErrCodeUnknownCommand   = codeSentinel(CodeUnknownCommand)
	ErrCodeInvalidParameter = codeSentinel(CodeInvalidParameter)
	ErrCodeBusy             = codeSentinel(CodeBusy)
)

type codeError struct{ code ErrorCode }

func (e *codeError) Error() string { return "device error " + e.code.String() }

func codeSentinel(c ErrorCode) error { return &codeError{code: c} }

// ProtocolError 设备返回 NACK
type ProtocolError struct {
	Op      string // 发起的命令，如 "GET_STATUS"
	MsgType uint16
	Seq     uint32
	Code    ErrorCode
}

func (e *ProtocolError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("device nack: %s", e.Code)
	}
	return fmt.Sprintf("%s: device nack: %s", e.Op, e.Code)
}

// Is 允许 errors.Is(err, ErrCodeBusy) 这类判断
func (e *ProtocolError) Is(target error) bool {
	ce, ok := target.(*codeError)
	return ok && ce.code == e.Code
}
