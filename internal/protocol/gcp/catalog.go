package gcp

import "fmt"

// 消息类型
const (
	// 连接/控制 0x00xx
	MsgHello uint16 = 0x0001
	MsgAck   uint16 = 0x0002
	MsgNack  uint16 = 0x0003
	MsgReset uint16 = 0x0004
	MsgPing  uint16 = 0x0005

	// 固件升级 0x10xx
	MsgFwUpdateStart       uint16 = 0x1001
	MsgFwUpdateData        uint16 = 0x1002
	MsgFwUpdateEnd         uint16 = 0x1003
	MsgFwUpdateAbort       uint16 = 0x1004
	MsgFwUpdateRequest     uint16 = 0x1005 // 设备主动发起
	MsgFwNoUpdateAvailable uint16 = 0x1006

	// 状态/配置 0x20xx
	MsgGetStatus      uint16 = 0x2001
	MsgSetConfig      uint16 = 0x2002
	MsgGetInfo        uint16 = 0x2003
	MsgGetDiagnostics uint16 = 0x2004
	MsgGetFwVersion   uint16 = 0x2005
)

// 串口与时序参数
const (
	UARTBaud             = 115200
	DefaultAckTimeoutMs  = 1000
	DefaultMaxAttempts   = 3
	RecommendedChunkSize = 2036 // DATA 帧总长正好 2048 字节
)

// Shape 期望的响应形态
type Shape int

const (
	ShapeNone    Shape = iota // 无响应（应答帧自身或设备主动帧）
	ShapeAck                  // 仅需 ACK
	ShapePayload              // ACK 携带载荷，或同类型直接响应
)

func (s Shape) String() string {
	switch s {
	case ShapeNone:
		return "none"
	case ShapeAck:
		return "ack"
	case ShapePayload:
		return "payload"
	default:
		return "unknown"
	}
}

// Command 命令目录条目
type Command struct {
	MsgType     uint16
	Name        string
	ParamLen    int   // 固定参数区长度
	Response    Shape // 期望响应
	Unsolicited bool  // 设备主动发起，不会作为请求的响应
}

// 参数区长度
const (
	ReservedParamLen    = 2
	AckParamLen         = 6 // msgType(2) + seqNo(4)
	ResetParamLen       = 2 // kind(1) + reserved(1)
	SetConfigParamLen   = 2 // subCommand(2)
	FwStartParamLen     = 10
	FwDataParamLen      = 4
	FwEndParamLen       = 4
	FwRequestParamLen   = 0
	FwVersionPayloadLen = 6
)

// MaxChunkSize 单个 DATA 帧可携带的最大块长度
const MaxChunkSize = MaxFrameLength - MinLength - FwDataParamLen

var catalog = map[uint16]Command{
	MsgHello:               {MsgHello, "HELLO", ReservedParamLen, ShapePayload, false},
	MsgAck:                 {MsgAck, "ACK", AckParamLen, ShapeNone, false},
	MsgNack:                {MsgNack, "NACK", AckParamLen, ShapeNone, false},
	MsgReset:               {MsgReset, "RESET", ResetParamLen, ShapeAck, false},
	MsgPing:                {MsgPing, "PING", ReservedParamLen, ShapeAck, false},
	MsgFwUpdateStart:       {MsgFwUpdateStart, "FW_UPDATE_START", FwStartParamLen, ShapeAck, false},
	MsgFwUpdateData:        {MsgFwUpdateData, "FW_UPDATE_DATA", FwDataParamLen, ShapeAck, false},
	MsgFwUpdateEnd:         {MsgFwUpdateEnd, "FW_UPDATE_END", FwEndParamLen, ShapePayload, false},
	MsgFwUpdateAbort:       {MsgFwUpdateAbort, "FW_UPDATE_ABORT", ReservedParamLen, ShapeAck, false},
	MsgFwUpdateRequest:     {MsgFwUpdateRequest, "FW_UPDATE_REQUEST", FwRequestParamLen, ShapeNone, true},
	MsgFwNoUpdateAvailable: {MsgFwNoUpdateAvailable, "FW_NO_UPDATE_AVAILABLE", ReservedParamLen, ShapeNone, false}, // 对设备请求的答复，无需应答
	MsgGetStatus:           {MsgGetStatus, "GET_STATUS", ReservedParamLen, ShapePayload, false},
	MsgSetConfig:           {MsgSetConfig, "SET_CONFIG", SetConfigParamLen, ShapeAck, false},
	MsgGetInfo:             {MsgGetInfo, "GET_INFO", ReservedParamLen, ShapePayload, false},
	MsgGetDiagnostics:      {MsgGetDiagnostics, "GET_DIAGNOSTICS", ReservedParamLen, ShapePayload, false},
	MsgGetFwVersion:        {MsgGetFwVersion, "GET_FW_VERSION", ReservedParamLen, ShapePayload, false},
}

// Lookup 查询命令目录
func Lookup(msgType uint16) (Command, bool) {
	c, ok := catalog[msgType]
	return c, ok
}

// ParamLen 返回消息类型的参数区长度，未知类型为0（全部视为 data）
func ParamLen(msgType uint16) int {
	if c, ok := catalog[msgType]; ok {
		return c.ParamLen
	}
	return 0
}

// IsUnsolicited 是否为设备主动帧
func IsUnsolicited(msgType uint16) bool {
	c, ok := catalog[msgType]
	return ok && c.Unsolicited
}

// CommandName 返回可读名称（日志与指标标签用）
func CommandName(msgType uint16) string {
	if c, ok := catalog[msgType]; ok {
		return c.Name
	}
	return fmt.Sprintf("0x%04X", msgType)
}

// ResetKind 复位类型
type ResetKind uint8

const (
	ResetSoft        ResetKind = 0x00
	ResetHard        ResetKind = 0x01
	ResetBootloader  ResetKind = 0x02
	ResetApplyUpdate ResetKind = 0x03 // 校验通过后应用新固件
)

// Valid 是否为已定义的复位类型
func (k ResetKind) Valid() bool { return k <= ResetApplyUpdate }

func (k ResetKind) String() string {
	switch k {
	case ResetSoft:
		return "soft"
	case ResetHard:
		return "hard"
	case ResetBootloader:
		return "bootloader"
	case ResetApplyUpdate:
		return "apply_update"
	default:
		return fmt.Sprintf("reset(%d)", uint8(k))
	}
}

// ParseResetKind 从名称解析复位类型
func ParseResetKind(s string) (ResetKind, error) {
	switch s {
	case "soft":
		return ResetSoft, nil
	case "hard":
		return ResetHard, nil
	case "bootloader":
		return ResetBootloader, nil
	case "apply_update":
		return ResetApplyUpdate, nil
	}
	return 0, fmt.Errorf("unknown reset kind %q", s)
}
