package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/firmware"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/simulator"
)

func writeImage(t *testing.T, name string, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func testOptions(file string) options {
	return options{
		port:       "sim0",
		file:       file,
		baud:       gcp.UARTBaud,
		chunk:      gcp.RecommendedChunkSize,
		ackTimeout: 50 * time.Millisecond,
		attempts:   gcp.DefaultMaxAttempts,
	}
}

func TestFlash_SimulatedDevice(t *testing.T) {
	tests := []struct {
		name   string
		apply  bool
		resets []gcp.ResetKind
	}{
		{"传输后应用", true, []gcp.ResetKind{gcp.ResetApplyUpdate}},
		{"只传输", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, data := writeImage(t, "app.bin", 3*gcp.RecommendedChunkSize+5)
			dev := simulator.New()
			o := testOptions(path)
			o.apply = tt.apply

			var out bytes.Buffer
			require.NoError(t, flash(context.Background(), simulator.Opener{Device: dev}, o, zap.NewNop(), &out))

			assert.Equal(t, data, dev.Image())
			assert.Equal(t, 1, dev.Completed())
			assert.Equal(t, tt.resets, dev.Resets())
			assert.Contains(t, out.String(), "Current firmware 1.2.3")
			assert.Contains(t, out.String(), "4 chunks")
		})
	}
}

func TestFlash_Errors(t *testing.T) {
	t.Run("非bin文件", func(t *testing.T) {
		path, _ := writeImage(t, "app.hex", 16)
		err := flash(context.Background(), simulator.Opener{Device: simulator.New()}, testOptions(path), zap.NewNop(), &bytes.Buffer{})
		assert.ErrorIs(t, err, firmware.ErrNotBin)
	})
	t.Run("设备无响应", func(t *testing.T) {
		path, _ := writeImage(t, "app.bin", 16)
		dev := simulator.New()
		dev.SetSilent(true)
		err := flash(context.Background(), simulator.Opener{Device: dev}, testOptions(path), zap.NewNop(), &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hello")
		assert.Empty(t, dev.Image())
	})
}

func TestListPorts(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listPorts(simulator.Opener{Name: "sim7"}, &out))
	assert.Contains(t, out.String(), "sim7")
}
