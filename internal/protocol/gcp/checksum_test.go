package gcp

import (
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crc16Reference 按定义逐位实现的独立参考（非表驱动、与被测实现分开书写）
func crc16Reference(data []byte) uint16 {
	var crc uint32 = 0xFFFF
	for _, b := range data {
		for bit := 7; bit >= 0; bit-- {
			in := uint32(b>>uint(bit)) & 1
			top := (crc >> 15) & 1
			crc = (crc << 1) & 0xFFFF
			if top^in == 1 {
				crc ^= 0x1021
			}
		}
	}
	return uint16(crc)
}

func TestCRC16(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{name: "空数据返回初值", data: []byte{}, expected: 0xFFFF},
		{name: "标准校验串123456789", data: []byte("123456789"), expected: 0x29B1},
		{name: "HELLO帧length..data", data: []byte{0x06, 0x00, 0x01, 0x00, 0x00, 0x00}, expected: 0xF545},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CRC16(tt.data), "CRC16(%X)", tt.data)
			assert.Equal(t, crc16Reference(tt.data), CRC16(tt.data))
		})
	}
}

func TestCRC16_MatchesReferenceRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		b := make([]byte, r.Intn(300))
		r.Read(b)
		require.Equal(t, crc16Reference(b), CRC16(b))
	}
}

func TestCRC16_DetectsSingleBitFlip(t *testing.T) {
	data := []byte{0x10, 0x00, 0x02, 0x20, 0x00, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	orig := CRC16(data)
	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), data...)
			flipped[i] ^= 1 << uint(bit)
			assert.NotEqual(t, orig, CRC16(flipped), "flip byte %d bit %d undetected", i, bit)
		}
	}
}

func TestCRC32(t *testing.T) {
	assert.Equal(t, uint32(0xCBF43926), CRC32([]byte("123456789")))
	assert.Equal(t, uint32(0), CRC32(nil))

	r := rand.New(rand.NewSource(7))
	b := make([]byte, 4096)
	r.Read(b)
	assert.Equal(t, crc32.ChecksumIEEE(b), CRC32(b), "与 IEEE 标准实现一致")
}

func TestCRC32Accumulator_IncrementalEquivalence(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	image := make([]byte, 300*1024+17)
	r.Read(image)
	want := CRC32(image)

	for _, chunk := range []int{1, 7, 512, RecommendedChunkSize, len(image)} {
		acc := NewCRC32Accumulator()
		for off := 0; off < len(image); off += chunk {
			end := off + chunk
			if end > len(image) {
				end = len(image)
			}
			_, _ = acc.Write(image[off:end])
		}
		assert.Equal(t, want, acc.Sum32(), "chunk=%d", chunk)
		assert.Equal(t, int64(len(image)), acc.Len())
	}
}

func TestCRC32Accumulator_Reset(t *testing.T) {
	acc := NewCRC32Accumulator()
	_, _ = acc.Write([]byte("garbage"))
	acc.Reset()
	_, _ = acc.Write([]byte("123456789"))
	assert.Equal(t, uint32(0xCBF43926), acc.Sum32())
	assert.Equal(t, []byte{0xCB, 0xF4, 0x39, 0x26}, acc.Sum(nil))
}
