package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/gcp-host/internal/command"
	"github.com/taoyao-code/gcp-host/internal/device"
	"github.com/taoyao-code/gcp-host/internal/firmware"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/transport"
)

// errorCode 错误到 HTTP 状态与错误码的映射
func errorCode(err error) (int, string) {
	var (
		xf *transport.ExchangeFailed
		pe *gcp.ProtocolError
		te *firmware.TransferError
	)
	switch {
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, transport.ErrClosed):
		return http.StatusServiceUnavailable, "not_connected"
	case errors.Is(err, transport.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, device.ErrNoTransfer):
		return http.StatusNotFound, "no_transfer"
	case errors.Is(err, firmware.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge, "image_too_large"
	case errors.Is(err, firmware.ErrNotBin), errors.Is(err, firmware.ErrEmptyImage),
		errors.Is(err, firmware.ErrManifestMismatch):
		return http.StatusBadRequest, "invalid_image"
	case errors.As(err, &te) && te.Reason == firmware.ReasonCRCMismatch:
		return http.StatusBadGateway, "crc_mismatch"
	case errors.As(err, &xf):
		return http.StatusGatewayTimeout, "exchange_failed"
	case errors.As(err, &pe), errors.Is(err, command.ErrUnexpectedResponse),
		errors.Is(err, command.ErrUnexpectedPayload):
		return http.StatusBadGateway, "protocol_error"
	case errors.Is(err, transport.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, err error) {
	code, name := errorCode(err)
	c.JSON(code, gin.H{"error": name, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": msg})
}
