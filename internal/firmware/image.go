package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
)

// DefaultMaxImageBytes 镜像大小上限
const DefaultMaxImageBytes = 16 << 20

var (
	ErrNotBin           = errors.New("firmware: image must be a .bin file")
	ErrEmptyImage       = errors.New("firmware: image is empty")
	ErrImageTooLarge    = errors.New("firmware: image too large")
	ErrManifestMismatch = errors.New("firmware: image does not match manifest")
)

// Manifest 镜像旁的可选清单（firmware.bin → firmware.yaml）
type Manifest struct {
	Version string  `yaml:"version"`
	Size    int64   `yaml:"size"`
	CRC32   *uint32 `yaml:"crc32"`
}

// Image 待传输的固件镜像
type Image struct {
	Name     string    `json:"name"`
	Data     []byte    `json:"-"`
	CRC32    uint32    `json:"crc32"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

// Size 镜像字节数
func (i *Image) Size() int { return len(i.Data) }

// NewImage 由内存数据构造镜像（HTTP 上传）
func NewImage(name string, data []byte, maxBytes int64) (*Image, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrImageTooLarge, len(data), maxBytes)
	}
	return &Image{Name: name, Data: data, CRC32: gcp.CRC32(data)}, nil
}

// LoadImage 读取 .bin 镜像，存在同名 .yaml 清单时校验大小与 CRC32
func LoadImage(path string) (*Image, error) {
	return LoadImageLimit(path, DefaultMaxImageBytes)
}

// LoadImageLimit 同 LoadImage，可指定大小上限
func LoadImageLimit(path string, maxBytes int64) (*Image, error) {
	ext := filepath.Ext(path)
	if !strings.EqualFold(ext, ".bin") {
		return nil, fmt.Errorf("%w: %s", ErrNotBin, path)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: stat image: %w", err)
	}
	if st.Size() > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrImageTooLarge, st.Size(), maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: read image: %w", err)
	}
	img, err := NewImage(filepath.Base(path), data, maxBytes)
	if err != nil {
		return nil, err
	}

	m, err := loadManifest(strings.TrimSuffix(path, ext) + ".yaml")
	if err != nil {
		return nil, err
	}
	if m != nil {
		if m.Size != 0 && m.Size != int64(img.Size()) {
			return nil, fmt.Errorf("%w: size %d, manifest %d", ErrManifestMismatch, img.Size(), m.Size)
		}
		if m.CRC32 != nil && *m.CRC32 != img.CRC32 {
			return nil, fmt.Errorf("%w: crc32 0x%08X, manifest 0x%08X", ErrManifestMismatch, img.CRC32, *m.CRC32)
		}
		img.Manifest = m
	}
	return img, nil
}

func loadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firmware: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("firmware: parse manifest %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}
