// Package simulator 内存中的 GCP 设备，实现 serialport.Port，
// 供测试与 gcpd 的 --simulate 模式使用
package simulator

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/serialport"
)

// Device 模拟设备状态；每次 Open 得到一个新的连接句柄
type Device struct {
	mu sync.Mutex

	Identity    gcp.DeviceIdentity
	Status      gcp.StatusSnapshot
	Diagnostics gcp.DiagnosticsSnapshot
	Version     gcp.FirmwareVersion

	// LegacyHello 为 true 时 HELLO 返回15字节状态（旧固件）
	LegacyHello bool
	// DirectResponses 为 true 时以同类型帧直接响应查询，而不是 ACK
	DirectResponses bool
	// EchoAcks 为 true 时查询类 ACK 只回显2字节消息类型，不带序号
	EchoAcks bool
	// Delay 每个应答的发送延迟
	Delay time.Duration
	// ChunkReply 非零时在 START 的 ACK 中回带块大小
	ChunkReply uint16

	conn *Conn
	dec  *gcp.StreamDecoder

	silent   bool
	drops    []fault
	nacks    []fault
	corrupts []fault
	endFail  bool

	received    []gcp.Frame
	dataOffsets []uint32
	configs     []ConfigWrite
	resets      []gcp.ResetKind
	outstanding int
	overlaps    int

	fw fwState
}

// ConfigWrite 记录的 SET_CONFIG
type ConfigWrite struct {
	Sub     uint16
	Payload []byte
}

type fault struct {
	msgType uint16 // 0 匹配任意请求
	code    gcp.ErrorCode
	left    int
}

type fwState struct {
	active    bool
	size      uint32
	crc       uint32
	chunk     uint16
	image     []byte
	acc       *gcp.CRC32Accumulator
	completed int
	aborts    int
}

// New 返回带默认身份信息的设备
func New() *Device {
	return &Device{
		Identity: gcp.DeviceIdentity{
			ManufactureDate: 0x2405,
			SerialNumber:    1001,
			BoardType:       1,
			HWRevision:      2,
			ChipModel:       3,
			Features:        0x0F,
		},
		Status: gcp.StatusSnapshot{
			BatteryLevel:  87,
			SystemState:   1,
			LEDColor:      0x07E0,
			LEDBrightness: 128,
			GameIndex:     3,
			RTC:           [8]uint8{24, 5, 17, 12, 30, 0, 5, 0},
		},
		Version: gcp.FirmwareVersion{Major: 1, Minor: 2, Patch: 3},
		dec:     gcp.NewStreamDecoder(),
	}
}

// Open 建立新的连接句柄，旧句柄失效
func (d *Device) Open() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.close()
	}
	d.conn = newConn(d)
	d.dec.Reset()
	d.outstanding = 0
	return d.conn
}

// SetSilent 不再应答任何请求
func (d *Device) SetSilent(v bool) {
	d.mu.Lock()
	d.silent = v
	d.mu.Unlock()
}

// DropNext 丢弃接下来 n 个该类型的请求（msgType 为0表示任意）
func (d *Device) DropNext(msgType uint16, n int) {
	d.mu.Lock()
	d.drops = append(d.drops, fault{msgType: msgType, left: n})
	d.mu.Unlock()
}

// NackNext 对接下来 n 个该类型的请求回 NACK
func (d *Device) NackNext(msgType uint16, code gcp.ErrorCode, n int) {
	d.mu.Lock()
	d.nacks = append(d.nacks, fault{msgType: msgType, code: code, left: n})
	d.mu.Unlock()
}

// CorruptNext 接下来 n 个该类型请求的应答带错误 CRC
func (d *Device) CorruptNext(msgType uint16, n int) {
	d.mu.Lock()
	d.corrupts = append(d.corrupts, fault{msgType: msgType, left: n})
	d.mu.Unlock()
}

// FailVerify FW_UPDATE_END 一律返回校验失败
func (d *Device) FailVerify(v bool) {
	d.mu.Lock()
	d.endFail = v
	d.mu.Unlock()
}

// Inject 发送一个设备主动帧
func (d *Device) Inject(f *gcp.Frame) {
	d.InjectRaw(gcp.MustEncode(f.MsgType, f.Params, f.Data))
}

// InjectRaw 直接写入原始字节（噪声、半帧）
func (d *Device) InjectRaw(b []byte) {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	if c != nil {
		c.push(b)
	}
}

// RequestUpdate 模拟设备发起 FW_UPDATE_REQUEST
func (d *Device) RequestUpdate() {
	d.mu.Lock()
	v := d.Version
	d.mu.Unlock()
	d.Inject(&gcp.Frame{MsgType: gcp.MsgFwUpdateRequest, Data: v.Bytes()})
}

// Received 收到的全部请求帧
func (d *Device) Received() []gcp.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gcp.Frame(nil), d.received...)
}

// Count 某类型请求的接收次数（含重发）
func (d *Device) Count(msgType uint16) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.received {
		if f.MsgType == msgType {
			n++
		}
	}
	return n
}

// DataOffsets 收到的 DATA 偏移（含重发）
func (d *Device) DataOffsets() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.dataOffsets...)
}

// Image 已接收的固件字节
func (d *Device) Image() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.fw.image...)
}

// Completed 校验通过的升级次数
func (d *Device) Completed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.completed
}

// Aborts 收到的 FW_UPDATE_ABORT 次数
func (d *Device) Aborts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.aborts
}

// Configs 收到的 SET_CONFIG
func (d *Device) Configs() []ConfigWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ConfigWrite(nil), d.configs...)
}

// Resets 收到的复位类型
func (d *Device) Resets() []gcp.ResetKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gcp.ResetKind(nil), d.resets...)
}

// Overlaps 上一个请求尚未应答时又收到新请求的次数
func (d *Device) Overlaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlaps
}

// receive 处理主机写入的字节
func (d *Device) receive(c *Conn, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c != d.conn {
		return
	}
	for _, ev := range d.dec.Feed(p) {
		if ev.Err != nil {
			// 真实设备对损坏帧回 CRC 错误
			d.respond(c, gcp.NewNack(0, 0, gcp.CodeCRC), false)
			continue
		}
		d.handle(c, ev.Frame)
	}
}

func (d *Device) handle(c *Conn, f *gcp.Frame) {
	d.received = append(d.received, *f)
	req := f.MsgType
	expectsReply := req != gcp.MsgFwNoUpdateAvailable
	if expectsReply && d.outstanding > 0 {
		d.overlaps++
	}

	// DATA 的应答序号回显偏移
	var seq uint32
	if off, ok := gcp.FwDataOffset(f); ok {
		seq = off
		d.dataOffsets = append(d.dataOffsets, off)
	}

	if d.silent || take(&d.drops, req) != nil {
		return
	}
	corrupt := take(&d.corrupts, req) != nil
	if nf := take(&d.nacks, req); nf != nil {
		d.respond(c, gcp.NewNack(req, seq, nf.code), corrupt)
		return
	}

	var resp *gcp.Frame
	switch req {
	case gcp.MsgHello:
		if d.LegacyHello {
			resp = d.payload(req, d.Status.Bytes())
		} else {
			resp = d.payload(req, d.Identity.Bytes())
		}
	case gcp.MsgPing:
		resp = gcp.NewAck(req, 0, nil)
	case gcp.MsgGetStatus:
		resp = d.payload(req, d.Status.Bytes())
	case gcp.MsgGetInfo:
		resp = d.payload(req, d.Identity.Bytes())
	case gcp.MsgGetDiagnostics:
		resp = d.payload(req, d.Diagnostics.Bytes())
	case gcp.MsgGetFwVersion:
		resp = d.payload(req, d.Version.Bytes())
	case gcp.MsgSetConfig:
		var sub uint16
		if len(f.Params) >= 2 {
			sub = binary.LittleEndian.Uint16(f.Params)
		}
		d.configs = append(d.configs, ConfigWrite{Sub: sub, Payload: append([]byte(nil), f.Data...)})
		resp = gcp.NewAck(req, 0, nil)
	case gcp.MsgReset:
		kind := gcp.ResetKind(0)
		if len(f.Params) > 0 {
			kind = gcp.ResetKind(f.Params[0])
		}
		if !kind.Valid() {
			resp = gcp.NewNack(req, 0, gcp.CodeInvalidParameter)
			break
		}
		d.resets = append(d.resets, kind)
		resp = gcp.NewAck(req, 0, nil)
	case gcp.MsgFwUpdateStart:
		resp = d.fwStart(f)
	case gcp.MsgFwUpdateData:
		resp = d.fwData(f)
	case gcp.MsgFwUpdateEnd:
		resp = d.fwEnd(f)
	case gcp.MsgFwUpdateAbort:
		d.fw.aborts++
		d.fw.active = false
		resp = gcp.NewAck(req, 0, nil)
	case gcp.MsgFwNoUpdateAvailable:
		return
	default:
		resp = gcp.NewNack(req, 0, gcp.CodeUnknownCommand)
	}
	d.respond(c, resp, corrupt)
}

// payload 查询类应答：ACK 携带载荷，或同类型直接响应
func (d *Device) payload(req uint16, b []byte) *gcp.Frame {
	if d.DirectResponses {
		return &gcp.Frame{MsgType: req, Data: b}
	}
	if d.EchoAcks {
		echo := binary.LittleEndian.AppendUint16(nil, req)
		return &gcp.Frame{MsgType: gcp.MsgAck, Data: append(echo, b...)}
	}
	return gcp.NewAck(req, 0, b)
}

func (d *Device) fwStart(f *gcp.Frame) *gcp.Frame {
	size, crc, chunk, ok := gcp.FwStartParams(f)
	if !ok || size == 0 || chunk == 0 {
		return gcp.NewNack(f.MsgType, 0, gcp.CodeInvalidParameter)
	}
	if d.ChunkReply != 0 && d.ChunkReply < chunk {
		chunk = d.ChunkReply
	}
	d.fw = fwState{
		active:    true,
		size:      size,
		crc:       crc,
		chunk:     chunk,
		acc:       gcp.NewCRC32Accumulator(),
		completed: d.fw.completed,
		aborts:    d.fw.aborts,
	}
	var data []byte
	if d.ChunkReply != 0 {
		data = binary.LittleEndian.AppendUint16(nil, chunk)
	}
	return gcp.NewAck(f.MsgType, 0, data)
}

func (d *Device) fwData(f *gcp.Frame) *gcp.Frame {
	off, ok := gcp.FwDataOffset(f)
	if !ok {
		return gcp.NewNack(f.MsgType, 0, gcp.CodeInvalidParameter)
	}
	if !d.fw.active {
		return gcp.NewNack(f.MsgType, off, gcp.CodeSequence)
	}
	switch {
	case int(off) == len(d.fw.image):
		d.fw.image = append(d.fw.image, f.Data...)
		_, _ = d.fw.acc.Write(f.Data)
	case int(off)+len(f.Data) == len(d.fw.image):
		// 主机重发了已确认的块（ACK 丢失），直接再确认
	default:
		return gcp.NewNack(f.MsgType, off, gcp.CodeSequence)
	}
	if uint32(len(d.fw.image)) > d.fw.size {
		return gcp.NewNack(f.MsgType, off, gcp.CodeSize)
	}
	// ACK 的序号字段回显偏移
	return gcp.NewAck(f.MsgType, off, nil)
}

func (d *Device) fwEnd(f *gcp.Frame) *gcp.Frame {
	if !d.fw.active {
		return gcp.NewNack(f.MsgType, 0, gcp.CodeSequence)
	}
	var hostCRC uint32
	if len(f.Params) >= 4 {
		hostCRC = binary.LittleEndian.Uint32(f.Params)
	}
	result := uint32(gcp.FwVerifyOK)
	if d.endFail || uint32(len(d.fw.image)) != d.fw.size ||
		d.fw.acc.Sum32() != d.fw.crc || hostCRC != d.fw.crc {
		result = gcp.FwVerifyMismatch
	} else {
		d.fw.completed++
	}
	d.fw.active = false
	return gcp.NewAck(f.MsgType, 0, binary.LittleEndian.AppendUint32(nil, result))
}

// respond 编码应答并按 Delay 发出
func (d *Device) respond(c *Conn, f *gcp.Frame, corrupt bool) {
	raw := gcp.MustEncode(f.MsgType, f.Params, f.Data)
	if corrupt {
		raw[len(raw)-1] ^= 0xFF
	}
	d.outstanding++
	emit := func() {
		d.mu.Lock()
		d.outstanding--
		d.mu.Unlock()
		c.push(raw)
	}
	if d.Delay <= 0 {
		// 已持有 d.mu，直接写入
		d.outstanding--
		c.push(raw)
		return
	}
	time.AfterFunc(d.Delay, emit)
}

func take(fs *[]fault, msgType uint16) *fault {
	for i := range *fs {
		f := &(*fs)[i]
		if f.left > 0 && (f.msgType == 0 || f.msgType == msgType) {
			f.left--
			hit := *f
			if f.left == 0 {
				*fs = append((*fs)[:i], (*fs)[i+1:]...)
			}
			return &hit
		}
	}
	return nil
}

// Opener 让 device.Manager 通过串口名连接到模拟设备
type Opener struct {
	Device *Device
	Name   string
}

// Open 忽略串口参数，返回模拟连接
func (o Opener) Open(serialport.Config) (serialport.Port, error) {
	return o.Device.Open(), nil
}

// List 只列出模拟端口
func (o Opener) List() ([]serialport.PortInfo, error) {
	name := o.Name
	if name == "" {
		name = "sim0"
	}
	return []serialport.PortInfo{{Name: name, Description: "Simulated GCP device (" + name + ")"}}, nil
}
