package api

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/firmware"
)

// FirmwareHandler 固件升级 API
type FirmwareHandler struct {
	dev    Device
	logger *zap.Logger
}

// NewFirmwareHandler 创建固件 Handler
func NewFirmwareHandler(dev Device, logger *zap.Logger) *FirmwareHandler {
	return &FirmwareHandler{dev: dev, logger: logger}
}

// TransferView 传输状态视图
type TransferView struct {
	ID       string            `json:"id"`
	Image    *firmware.Image   `json:"image"`
	Size     int               `json:"size"`
	State    firmware.State    `json:"state"`
	Progress firmware.Progress `json:"progress"`
	Error    string            `json:"error,omitempty"`
}

func viewOf(tr *firmware.Transfer) TransferView {
	v := TransferView{
		ID:       tr.ID(),
		Image:    tr.Image(),
		Size:     tr.Image().Size(),
		State:    tr.State(),
		Progress: tr.Snapshot(),
	}
	if err := tr.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// Upload 上传镜像并启动传输
//
// 支持 multipart 字段 firmware，或原始请求体配合 ?name=xxx.bin；
// 可选 ?crc32=<hex> 校验上传内容。
// @Router /api/firmware [post]
func (h *FirmwareHandler) Upload(c *gin.Context) {
	limit := h.dev.MaxImageBytes()
	name, data, err := readImage(c, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	img, err := firmware.NewImage(name, data, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if want := c.Query("crc32"); want != "" {
		crc, perr := strconv.ParseUint(strings.TrimPrefix(want, "0x"), 16, 32)
		if perr != nil {
			badRequest(c, "crc32 must be hex")
			return
		}
		if uint32(crc) != img.CRC32 {
			writeError(c, fmt.Errorf("%w: crc32 %08x, uploaded %08x", firmware.ErrManifestMismatch, crc, img.CRC32))
			return
		}
	}

	tr, err := h.dev.StartFirmwareUpdate(img)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("firmware upload accepted",
		zap.String("transfer_id", tr.ID()),
		zap.String("name", img.Name),
		zap.Int("size", img.Size()),
		zap.String("crc32", fmt.Sprintf("%08x", img.CRC32)),
	)
	c.JSON(http.StatusAccepted, viewOf(tr))
}

func readImage(c *gin.Context, limit int64) (string, []byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("firmware")
		if err != nil {
			return "", nil, fmt.Errorf("%w: missing multipart field firmware", firmware.ErrEmptyImage)
		}
		if !isBin(fh.Filename) {
			return "", nil, fmt.Errorf("%w: %s", firmware.ErrNotBin, fh.Filename)
		}
		if fh.Size > limit {
			return "", nil, fmt.Errorf("%w: %d bytes, limit %d", firmware.ErrImageTooLarge, fh.Size, limit)
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, limit+1))
		return fh.Filename, data, err
	}

	name := c.DefaultQuery("name", "upload.bin")
	if !isBin(name) {
		return "", nil, fmt.Errorf("%w: %s", firmware.ErrNotBin, name)
	}
	// 多读一个字节，超限交给 NewImage 判断
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	return name, data, err
}

func isBin(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".bin")
}

// Abort 放弃进行中的传输
// @Router /api/firmware [delete]
func (h *FirmwareHandler) Abort(c *gin.Context) {
	if err := h.dev.AbortFirmwareUpdate(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"aborting": true})
}

// Current 最近一次传输
// @Router /api/firmware [get]
func (h *FirmwareHandler) Current(c *gin.Context) {
	tr := h.dev.CurrentTransfer()
	if tr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_transfer"})
		return
	}
	c.JSON(http.StatusOK, viewOf(tr))
}
