package gcp

import (
	"encoding/binary"
	"fmt"
)

// 帧格式常量
const (
	Preamble0 = 0xAA
	Preamble1 = 0x55

	// headerLen 前导码 + length + msgType
	headerLen = 2 + 2 + 2
	// MinFrameSize 无参数无数据时的总长（含CRC）
	MinFrameSize = headerLen + 2
	// MinLength length 字段最小值：length(2) + msgType(2)
	MinLength = 4
	// MaxFrameLength length 字段允许的最大值
	MaxFrameLength = 4096
)

// Frame GCP 协议帧
// 格式：AA 55 + length(2,LE) + msgType(2,LE) + params + data + crc16(2,LE)
// length 覆盖 [length..data]，即 4 + len(params) + len(data)
type Frame struct {
	MsgType uint16
	Params  []byte
	Data    []byte
}

// NewFrame 按目录默认布局创建请求帧（保留参数全零）
func NewFrame(msgType uint16) *Frame {
	return &Frame{MsgType: msgType, Params: make([]byte, ParamLen(msgType))}
}

// Length 返回 length 字段值
func (f *Frame) Length() int { return MinLength + len(f.Params) + len(f.Data) }

// Payload 参数区与数据区拼接（直接响应的载荷不分参数区）
func (f *Frame) Payload() []byte {
	out := make([]byte, 0, len(f.Params)+len(f.Data))
	out = append(out, f.Params...)
	return append(out, f.Data...)
}

// Name 命令名称
func (f *Frame) Name() string { return CommandName(f.MsgType) }

func (f *Frame) String() string {
	return fmt.Sprintf("%s(params=%X data=%d bytes)", f.Name(), f.Params, len(f.Data))
}

// Encode 序列化帧
func (f *Frame) Encode() ([]byte, error) {
	return Encode(f.MsgType, f.Params, f.Data)
}

// Encode 将消息类型、参数与数据编码为线上字节
func Encode(msgType uint16, params, data []byte) ([]byte, error) {
	length := MinLength + len(params) + len(data)
	if length > MaxFrameLength {
		return nil, &FrameError{Kind: ErrFrameTooLarge, Expected: MaxFrameLength, Actual: uint32(length)}
	}
	buf := make([]byte, 0, length+4)
	buf = append(buf, Preamble0, Preamble1)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(length))
	buf = binary.LittleEndian.AppendUint16(buf, msgType)
	buf = append(buf, params...)
	buf = append(buf, data...)
	// CRC 从 length 字段开始
	buf = binary.LittleEndian.AppendUint16(buf, CRC16(buf[2:]))
	return buf, nil
}

// MustEncode 用于常量帧与测试，编码失败直接 panic
func MustEncode(msgType uint16, params, data []byte) []byte {
	b, err := Encode(msgType, params, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode 解析并校验一个完整帧，参数区长度取自命令目录
func Decode(b []byte) (*Frame, error) {
	return decode(b, -1)
}

// DecodeLayout 按指定参数区长度解析
func DecodeLayout(b []byte, paramLen int) (*Frame, error) {
	if paramLen < 0 {
		paramLen = 0
	}
	return decode(b, paramLen)
}

func decode(b []byte, paramLen int) (*Frame, error) {
	if len(b) < MinFrameSize {
		return nil, &FrameError{Kind: ErrFrameTooShort, Expected: MinFrameSize, Actual: uint32(len(b))}
	}
	if b[0] != Preamble0 || b[1] != Preamble1 {
		return nil, &FrameError{Kind: ErrInvalidPreamble, Actual: uint32(b[0])<<8 | uint32(b[1])}
	}
	length := int(binary.LittleEndian.Uint16(b[2:4]))
	if length < MinLength || length > MaxFrameLength || length+4 != len(b) {
		return nil, &FrameError{Kind: ErrSizeMismatch, Expected: uint32(length + 4), Actual: uint32(len(b))}
	}
	crcPos := 2 + length
	calculated := CRC16(b[2:crcPos])
	received := binary.LittleEndian.Uint16(b[crcPos:])
	if calculated != received {
		return nil, &FrameError{Kind: ErrCRC, Expected: uint32(calculated), Actual: uint32(received)}
	}

	msgType := binary.LittleEndian.Uint16(b[4:6])
	body := b[6:crcPos]
	if paramLen < 0 {
		paramLen = ParamLen(msgType)
	}
	if paramLen > len(body) {
		paramLen = len(body)
	}
	f := &Frame{MsgType: msgType}
	f.Params = append([]byte(nil), body[:paramLen]...)
	f.Data = append([]byte(nil), body[paramLen:]...)
	return f, nil
}

// AckInfo ACK/NACK 参数区：被应答的 msgType 与序号
type AckInfo struct {
	MsgType uint16
	Seq     uint32
}

// ParseAckInfo 解析 ACK/NACK 参数区；参数不足时缺失部分为0
func ParseAckInfo(f *Frame) (AckInfo, bool) {
	if f.MsgType != MsgAck && f.MsgType != MsgNack {
		return AckInfo{}, false
	}
	var info AckInfo
	if len(f.Params) >= 2 {
		info.MsgType = binary.LittleEndian.Uint16(f.Params[0:2])
	} else {
		return AckInfo{}, false
	}
	if len(f.Params) >= 6 {
		info.Seq = binary.LittleEndian.Uint32(f.Params[2:6])
	}
	return info, true
}

// NackCode 读取 NACK 数据区中的错误码
func NackCode(f *Frame) (ErrorCode, bool) {
	if f.MsgType != MsgNack || len(f.Data) < 2 {
		return 0, false
	}
	return ErrorCode(binary.LittleEndian.Uint16(f.Data[0:2])), true
}

// NewAck 构造 ACK 帧（设备侧/模拟器使用）
func NewAck(acked uint16, seq uint32, payload []byte) *Frame {
	p := make([]byte, AckParamLen)
	binary.LittleEndian.PutUint16(p[0:2], acked)
	binary.LittleEndian.PutUint32(p[2:6], seq)
	return &Frame{MsgType: MsgAck, Params: p, Data: append([]byte(nil), payload...)}
}

// NewNack 构造携带错误码的 NACK 帧
func NewNack(nacked uint16, seq uint32, code ErrorCode) *Frame {
	p := make([]byte, AckParamLen)
	binary.LittleEndian.PutUint16(p[0:2], nacked)
	binary.LittleEndian.PutUint32(p[2:6], seq)
	d := binary.LittleEndian.AppendUint16(nil, uint16(code))
	return &Frame{MsgType: MsgNack, Params: p, Data: d}
}

// NewResetFrame RESET 请求
func NewResetFrame(kind ResetKind) *Frame {
	return &Frame{MsgType: MsgReset, Params: []byte{byte(kind), 0x00}}
}

// NewSetConfigFrame SET_CONFIG 请求
func NewSetConfigFrame(sub uint16, payload []byte) *Frame {
	return &Frame{
		MsgType: MsgSetConfig,
		Params:  binary.LittleEndian.AppendUint16(nil, sub),
		Data:    append([]byte(nil), payload...),
	}
}

// NewFwStartFrame FW_UPDATE_START：size(4) + crc32(4) + chunkSize(2)
func NewFwStartFrame(size, crc uint32, chunkSize uint16) *Frame {
	p := make([]byte, FwStartParamLen)
	binary.LittleEndian.PutUint32(p[0:4], size)
	binary.LittleEndian.PutUint32(p[4:8], crc)
	binary.LittleEndian.PutUint16(p[8:10], chunkSize)
	return &Frame{MsgType: MsgFwUpdateStart, Params: p}
}

// NewFwDataFrame FW_UPDATE_DATA：offset(4) + chunk
func NewFwDataFrame(offset uint32, chunk []byte) *Frame {
	return &Frame{
		MsgType: MsgFwUpdateData,
		Params:  binary.LittleEndian.AppendUint32(nil, offset),
		Data:    chunk,
	}
}

// NewFwEndFrame FW_UPDATE_END：主机侧累计的 crc32
func NewFwEndFrame(runningCRC uint32) *Frame {
	return &Frame{MsgType: MsgFwUpdateEnd, Params: binary.LittleEndian.AppendUint32(nil, runningCRC)}
}

// FwStartParams 解析 START 参数（模拟器使用）
func FwStartParams(f *Frame) (size, crc uint32, chunkSize uint16, ok bool) {
	if f.MsgType != MsgFwUpdateStart || len(f.Params) < FwStartParamLen {
		return 0, 0, 0, false
	}
	return binary.LittleEndian.Uint32(f.Params[0:4]),
		binary.LittleEndian.Uint32(f.Params[4:8]),
		binary.LittleEndian.Uint16(f.Params[8:10]), true
}

// FwDataOffset 解析 DATA 帧的偏移
func FwDataOffset(f *Frame) (uint32, bool) {
	if f.MsgType != MsgFwUpdateData || len(f.Params) < FwDataParamLen {
		return 0, false
	}
	return binary.LittleEndian.Uint32(f.Params[0:4]), true
}
