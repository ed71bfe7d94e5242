package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/command"
	cfgpkg "github.com/taoyao-code/gcp-host/internal/config"
	"github.com/taoyao-code/gcp-host/internal/firmware"
	"github.com/taoyao-code/gcp-host/internal/logging"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/serialport"
	"github.com/taoyao-code/gcp-host/internal/simulator"
	"github.com/taoyao-code/gcp-host/internal/transport"
)

type options struct {
	port       string
	file       string
	baud       int
	noFlow     bool
	chunk      int
	ackTimeout time.Duration
	attempts   int
	apply      bool
	list       bool
	simulate   bool
	verbose    bool
}

func main() {
	var o options
	flag.StringVar(&o.port, "p", "", "串口，例如 /dev/ttyACM0 或 COM5")
	flag.StringVar(&o.file, "f", "", "固件镜像（.bin）")
	flag.IntVar(&o.baud, "baud", gcp.UARTBaud, "波特率")
	flag.BoolVar(&o.noFlow, "no-flow", false, "关闭 RTS/CTS 硬件流控")
	flag.IntVar(&o.chunk, "chunk", gcp.RecommendedChunkSize, "分块大小（字节）")
	flag.DurationVar(&o.ackTimeout, "ack-timeout", gcp.DefaultAckTimeoutMs*time.Millisecond, "单次应答超时")
	flag.IntVar(&o.attempts, "attempts", gcp.DefaultMaxAttempts, "单个请求最大尝试次数")
	flag.BoolVar(&o.apply, "apply", false, "校验通过后发送 RESET(apply_update)")
	flag.BoolVar(&o.list, "list", false, "列出串口后退出")
	flag.BoolVar(&o.simulate, "sim", false, "对内置模拟设备演练")
	flag.BoolVar(&o.verbose, "v", false, "输出调试日志")
	flag.Parse()

	log, err := logging.New(cfgpkg.LoggingConfig{Level: level(o.verbose), Format: "console"}, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	var opener serialport.Opener = serialport.NewNative()
	if o.simulate {
		opener = simulator.Opener{Device: simulator.New()}
		if o.port == "" {
			o.port = "sim0"
		}
	}

	if o.list {
		if err := listPorts(opener, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "list ports:", err)
			os.Exit(1)
		}
		return
	}
	if o.port == "" || o.file == "" {
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := flash(ctx, opener, o, log, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "\nflash failed:", err)
		os.Exit(1)
	}
}

func level(verbose bool) string {
	if verbose {
		return "debug"
	}
	return "warn"
}

func listPorts(opener serialport.Opener, out io.Writer) error {
	ports, err := opener.List()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Fprintf(out, "%-20s %s\n", p.Name, p.Description)
	}
	return nil
}

// flash 握手、传输并按需应用；进度条与摘要写到 out
func flash(ctx context.Context, opener serialport.Opener, o options, log *zap.Logger, out io.Writer) error {
	img, err := firmware.LoadImage(o.file)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Firmware %s: %d bytes, crc32 %08x\n", img.Name, img.Size(), img.CRC32)

	pc := serialport.DefaultConfig(o.port)
	if o.baud > 0 {
		pc.BaudRate = o.baud
	}
	pc.FlowControl = !o.noFlow
	port, err := opener.Open(pc)
	if err != nil {
		return err
	}
	sess := transport.New(port,
		transport.WithAckTimeout(o.ackTimeout),
		transport.WithMaxAttempts(o.attempts),
		transport.WithLogger(log),
	)
	defer sess.Close()
	disp := command.New(sess, log)

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	hello, err := disp.Hello(hctx)
	cancel()
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if hello.Identity != nil {
		fmt.Fprintf(out, "Device serial %d, board %d rev %d\n",
			hello.Identity.SerialNumber, hello.Identity.BoardType, hello.Identity.HWRevision)
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if v, err := disp.GetFirmwareVersion(vctx); err == nil {
		fmt.Fprintf(out, "Current firmware %s\n", v)
	}
	cancel()

	bar := progressbar.NewOptions(img.Size(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Writing"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWriter(out),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
	)
	up := firmware.NewUpdater(sess, firmware.WithChunkSize(o.chunk), firmware.WithLogger(log))
	res, err := up.Run(ctx, img, func(p firmware.Progress) {
		_ = bar.Set(p.BytesSent)
	})
	if err != nil {
		if errors.Is(err, firmware.ErrAborted) {
			return fmt.Errorf("aborted: %w", err)
		}
		return err
	}
	_ = bar.Finish()
	fmt.Fprintf(out, "Transfer %s completed: %d chunks of %d bytes in %s\n",
		res.ID, res.Chunks, res.ChunkSize, res.Duration.Round(time.Millisecond))

	if o.apply {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := disp.Reset(rctx, gcp.ResetApplyUpdate); err != nil {
			return fmt.Errorf("apply update: %w", err)
		}
		fmt.Fprintln(out, "Device resetting to apply update")
	}
	return nil
}
