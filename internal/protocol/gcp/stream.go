package gcp

import "encoding/binary"

// Event 流解码结果：完整帧或损坏帧之一
type Event struct {
	Frame *Frame
	Err   error
}

// StreamDecoder 按前导码+length 切分字节流
// 丢弃前导码之前的垃圾字节；损坏帧只跳过前导码后重新搜索
type StreamDecoder struct {
	buf []byte
}

func NewStreamDecoder() *StreamDecoder { return &StreamDecoder{} }

// Feed 追加字节并返回本次可切出的全部事件
func (d *StreamDecoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)
	var out []Event
	for {
		if !d.sync() {
			return out
		}
		if len(d.buf) < 4 {
			return out
		}
		length := int(binary.LittleEndian.Uint16(d.buf[2:4]))
		if length < MinLength || length > MaxFrameLength {
			out = append(out, Event{Err: &FrameError{Kind: ErrSizeMismatch, Expected: MaxFrameLength, Actual: uint32(length)}})
			d.buf = d.buf[2:]
			continue
		}
		total := length + 4
		if len(d.buf) < total {
			return out
		}
		fr, err := Decode(d.buf[:total])
		if err != nil {
			out = append(out, Event{Err: err})
			d.buf = d.buf[2:]
			continue
		}
		out = append(out, Event{Frame: fr})
		d.buf = d.buf[total:]
	}
}

// sync 将缓冲区对齐到下一个前导码；找不到时仅保留可能的半个前导码
func (d *StreamDecoder) sync() bool {
	for i := 0; i+1 < len(d.buf); i++ {
		if d.buf[i] == Preamble0 && d.buf[i+1] == Preamble1 {
			d.buf = d.buf[i:]
			return true
		}
	}
	if n := len(d.buf); n > 0 && d.buf[n-1] == Preamble0 {
		d.buf = d.buf[n-1:]
	} else {
		d.buf = d.buf[:0]
	}
	return false
}

// Pending 缓冲区中尚未成帧的字节数
func (d *StreamDecoder) Pending() int { return len(d.buf) }

// Reset 丢弃未完成的半帧
func (d *StreamDecoder) Reset() { d.buf = d.buf[:0] }
