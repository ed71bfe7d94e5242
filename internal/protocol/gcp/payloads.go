package gcp

import (
	"encoding/binary"
	"fmt"
)

// 固定载荷长度
const (
	IdentityLen    = 8
	StatusLen      = 15
	DiagnosticsLen = 32
	FwVersionLen   = 6
	FwEndResultLen = 4
)

// FwEndResult 校验结果
const (
	FwVerifyOK       uint32 = 0x00000000
	FwVerifyMismatch uint32 = 0xFFFFFFFF
)

// DeviceIdentity 硬件身份（HELLO/GET_INFO，8字节）
type DeviceIdentity struct {
	ManufactureDate uint16 `json:"manufacture_date"`
	SerialNumber    uint16 `json:"serial_number"`
	BoardType       uint8  `json:"board_type"`
	HWRevision      uint8  `json:"hw_revision"`
	ChipModel       uint8  `json:"chip_model"`
	Features        uint8  `json:"features"` // 位掩码
}

// ParseDeviceIdentity 解析硬件身份
func ParseDeviceIdentity(b []byte) (DeviceIdentity, error) {
	if len(b) < IdentityLen {
		return DeviceIdentity{}, fmt.Errorf("identity payload too short: %d", len(b))
	}
	return DeviceIdentity{
		ManufactureDate: binary.LittleEndian.Uint16(b[0:2]),
		SerialNumber:    binary.LittleEndian.Uint16(b[2:4]),
		BoardType:       b[4],
		HWRevision:      b[5],
		ChipModel:       b[6],
		Features:        b[7],
	}, nil
}

// Bytes 编码为线上格式
func (d DeviceIdentity) Bytes() []byte {
	b := make([]byte, IdentityLen)
	binary.LittleEndian.PutUint16(b[0:2], d.ManufactureDate)
	binary.LittleEndian.PutUint16(b[2:4], d.SerialNumber)
	b[4], b[5], b[6], b[7] = d.BoardType, d.HWRevision, d.ChipModel, d.Features
	return b
}

// StatusSnapshot 设备状态（GET_STATUS，15字节）
type StatusSnapshot struct {
	BatteryLevel  uint8    `json:"battery_level"` // 0-100
	SystemState   uint8    `json:"system_state"`
	LEDColor      uint16   `json:"led_color"`
	LEDBrightness uint8    `json:"led_brightness"`
	GameIndex     uint16   `json:"game_index"`
	RTC           [8]uint8 `json:"rtc"` // 年 月 日 时 分 秒 星期 百分秒
}

// ParseStatusSnapshot 解析状态
func ParseStatusSnapshot(b []byte) (StatusSnapshot, error) {
	if len(b) < StatusLen {
		return StatusSnapshot{}, fmt.Errorf("status payload too short: %d", len(b))
	}
	s := StatusSnapshot{
		BatteryLevel:  b[0],
		SystemState:   b[1],
		LEDColor:      binary.LittleEndian.Uint16(b[2:4]),
		LEDBrightness: b[4],
		GameIndex:     binary.LittleEndian.Uint16(b[5:7]),
	}
	copy(s.RTC[:], b[7:15])
	return s, nil
}

func (s StatusSnapshot) Bytes() []byte {
	b := make([]byte, StatusLen)
	b[0], b[1] = s.BatteryLevel, s.SystemState
	binary.LittleEndian.PutUint16(b[2:4], s.LEDColor)
	b[4] = s.LEDBrightness
	binary.LittleEndian.PutUint16(b[5:7], s.GameIndex)
	copy(b[7:15], s.RTC[:])
	return b
}

// DiagnosticsSnapshot 诊断计数器（GET_DIAGNOSTICS，8个u32）
type DiagnosticsSnapshot struct {
	StepCounter   uint32 `json:"step_counter"`
	FullPowerTime uint32 `json:"full_power_time"`
	SilentTime    uint32 `json:"silent_time"`
	ChargingTime  uint32 `json:"charging_time"`
	BtnCounterL   uint32 `json:"btn_counter_l"`
	BtnCounterR   uint32 `json:"btn_counter_r"`
	FRAMRead      uint32 `json:"fram_read"`
	FRAMWrite     uint32 `json:"fram_write"`
}

func (d *DiagnosticsSnapshot) fields() []*uint32 {
	return []*uint32{&d.StepCounter, &d.FullPowerTime, &d.SilentTime, &d.ChargingTime,
		&d.BtnCounterL, &d.BtnCounterR, &d.FRAMRead, &d.FRAMWrite}
}

// ParseDiagnosticsSnapshot 解析诊断计数器
func ParseDiagnosticsSnapshot(b []byte) (DiagnosticsSnapshot, error) {
	var d DiagnosticsSnapshot
	if len(b) < DiagnosticsLen {
		return d, fmt.Errorf("diagnostics payload too short: %d", len(b))
	}
	for i, p := range d.fields() {
		*p = binary.LittleEndian.Uint32(b[i*4:])
	}
	return d, nil
}

func (d DiagnosticsSnapshot) Bytes() []byte {
	b := make([]byte, 0, DiagnosticsLen)
	for _, p := range d.fields() {
		b = binary.LittleEndian.AppendUint32(b, *p)
	}
	return b
}

// FirmwareVersion 固件版本（6字节）
type FirmwareVersion struct {
	Major  uint8    `json:"major"`
	Minor  uint8    `json:"minor"`
	Patch  uint8    `json:"patch"`
	Suffix [3]uint8 `json:"suffix"`
}

// ParseFirmwareVersion 解析固件版本
func ParseFirmwareVersion(b []byte) (FirmwareVersion, error) {
	if len(b) < FwVersionLen {
		return FirmwareVersion{}, fmt.Errorf("fw version payload too short: %d", len(b))
	}
	v := FirmwareVersion{Major: b[0], Minor: b[1], Patch: b[2]}
	copy(v.Suffix[:], b[3:6])
	return v, nil
}

func (v FirmwareVersion) Bytes() []byte {
	return []byte{v.Major, v.Minor, v.Patch, v.Suffix[0], v.Suffix[1], v.Suffix[2]}
}

// String 形如 1.2.3 或 1.2.3-rc1（后缀非零字节按原样拼接）
func (v FirmwareVersion) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	suffix := make([]byte, 0, 3)
	for _, c := range v.Suffix {
		if c != 0 {
			suffix = append(suffix, c)
		}
	}
	if len(suffix) > 0 {
		s += "-" + string(suffix)
	}
	return s
}

// ParseFwEndResult 解析 FW_UPDATE_END 的4字节结果
func ParseFwEndResult(b []byte) (uint32, error) {
	if len(b) < FwEndResultLen {
		return 0, fmt.Errorf("fw end result too short: %d", len(b))
	}
	return binary.LittleEndian.Uint32(b[0:4]), nil
}
