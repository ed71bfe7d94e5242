package gcp

import "hash"

// CRC16 计算 GCP 帧校验 CRC-16-CCITT
// 初值0xFFFF，多项式0x1021，高位在前逐位移位，无结果异或
// 校验范围：从 length 字段开始到 data 结束（不含前导码与校验本身）
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC32 一次性计算整包固件 CRC-32/IEEE
func CRC32(data []byte) uint32 {
	return crc32Final(crc32Update(crc32Init, data))
}

const (
	crc32Init = 0xFFFFFFFF
	crc32Poly = 0xEDB88320 // 0x04C11DB7 的反射形式
)

// crc32Update 低位在前逐位计算，不做初值/结果异或
func crc32Update(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crc32Poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func crc32Final(crc uint32) uint32 { return crc ^ 0xFFFFFFFF }

// CRC32Accumulator 增量 CRC32（与设备端逐块累计的计算方式一致）
// 逐块 Write 后的 Sum32 等于对全部拼接数据一次性计算的 CRC32
type CRC32Accumulator struct {
	state uint32
	n     int64
}

var _ hash.Hash32 = (*CRC32Accumulator)(nil)

// NewCRC32Accumulator 创建增量累加器
func NewCRC32Accumulator() *CRC32Accumulator {
	return &CRC32Accumulator{state: crc32Init}
}

// Write 追加一块数据，永不返回错误
func (a *CRC32Accumulator) Write(p []byte) (int, error) {
	a.state = crc32Update(a.state, p)
	a.n += int64(len(p))
	return len(p), nil
}

// Sum32 返回当前已输入数据的 CRC32
func (a *CRC32Accumulator) Sum32() uint32 { return crc32Final(a.state) }

// Len 已累计的字节数
func (a *CRC32Accumulator) Len() int64 { return a.n }

// Sum 按大端追加摘要（hash.Hash 约定）
func (a *CRC32Accumulator) Sum(b []byte) []byte {
	s := a.Sum32()
	return append(b, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

// Reset 恢复初值
func (a *CRC32Accumulator) Reset() {
	a.state = crc32Init
	a.n = 0
}

func (a *CRC32Accumulator) Size() int      { return 4 }
func (a *CRC32Accumulator) BlockSize() int { return 1 }
