package firmware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/gcp-host/internal/metrics"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/transport"
)

// Reserver 提供线路独占租约（transport.Session）
type Reserver interface {
	Reserve() (*transport.Lease, error)
}

// Updater 固件升级编排：START → DATA × n → END
type Updater struct {
	link  Reserver
	chunk int
	log   *zap.Logger
	m     *metrics.AppMetrics

	// abortTimeout 放弃时尽力发送 FW_UPDATE_ABORT 的时限
	abortTimeout time.Duration

	mu      sync.Mutex
	current *Transfer
}

// Option 编排器选项
type Option func(*Updater)

// WithChunkSize 提议的块大小（START 中发送），超过单帧容量时截断为 gcp.MaxChunkSize
func WithChunkSize(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.chunk = min(n, gcp.MaxChunkSize)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(u *Updater) {
		if l != nil {
			u.log = l
		}
	}
}

func WithMetrics(m *metrics.AppMetrics) Option {
	return func(u *Updater) { u.m = m }
}

// NewUpdater 创建编排器
func NewUpdater(link Reserver, opts ...Option) *Updater {
	u := &Updater{
		link:         link,
		chunk:        gcp.RecommendedChunkSize,
		log:          zap.NewNop(),
		abortTimeout: 3 * time.Second,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// ChunkSize 提议的块大小
func (u *Updater) ChunkSize() int { return u.chunk }

// Current 最近一次传输（可能已结束），没有时为 nil
func (u *Updater) Current() *Transfer {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

// Start 异步启动传输；已有传输在进行时返回 transport.ErrBusy
func (u *Updater) Start(ctx context.Context, img *Image) (*Transfer, error) {
	return u.start(ctx, img, nil)
}

// Run 同步执行传输，fn 在每个进度点同步回调
func (u *Updater) Run(ctx context.Context, img *Image, fn ProgressFunc) (*Result, error) {
	t, err := u.start(ctx, img, fn)
	if err != nil {
		return nil, err
	}
	return t.Wait()
}

func (u *Updater) start(ctx context.Context, img *Image, fn ProgressFunc) (*Transfer, error) {
	if img == nil || img.Size() == 0 {
		return nil, ErrEmptyImage
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.current != nil && !u.current.finished() {
		return nil, transport.ErrBusy
	}
	lease, err := u.link.Reserve()
	if err != nil {
		return nil, err
	}
	t := newTransfer(uuid.NewString(), img, u.chunk, fn)
	u.current = t
	go u.run(ctx, t, lease)
	return t, nil
}

func (u *Updater) run(ctx context.Context, t *Transfer, lease *transport.Lease) {
	defer lease.Release()
	log := u.log.With(zap.String("transfer_id", t.id))

	res, err := u.transfer(ctx, t, lease, log)
	t.finish(res, err)

	label := t.State().String()
	if u.m != nil {
		u.m.FwTransfers.WithLabelValues(label).Inc()
	}
	switch {
	case err == nil:
		log.Info("firmware transfer completed",
			zap.Int("bytes", res.Bytes),
			zap.Int("chunks", res.Chunks),
			zap.Duration("elapsed", res.Duration))
	case errors.Is(err, ErrAborted):
		log.Warn("firmware transfer aborted", zap.Int("offset", t.offset()))
	default:
		log.Error("firmware transfer failed", zap.Error(err))
	}
}

func (u *Updater) transfer(ctx context.Context, t *Transfer, lease *transport.Lease, log *zap.Logger) (*Result, error) {
	img := t.img
	size := img.Size()
	chunk := t.chunk

	// Starting
	t.setState(StateStarting)
	t.emit(0, 0)
	log.Info("firmware transfer started",
		zap.String("image", img.Name),
		zap.Int("size", size),
		zap.Uint32("crc32", img.CRC32),
		zap.Int("chunk_size", chunk))

	resp, err := lease.Exchange(ctx, transport.Request{
		Frame: gcp.NewFwStartFrame(uint32(size), img.CRC32, uint16(chunk)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, u.abort(ctx, t, lease)
		}
		return nil, t.fail(ReasonStartRejected, err)
	}
	if resp.MsgType != gcp.MsgAck {
		return nil, t.fail(ReasonStartRejected, fmt.Errorf("unexpected %s", resp.Name()))
	}
	if len(resp.Data) >= 2 {
		if c := int(binary.LittleEndian.Uint16(resp.Data)); c > 0 && c < chunk {
			log.Info("chunk size negotiated", zap.Int("proposed", chunk), zap.Int("accepted", c))
			chunk = c
			t.setChunk(c)
		}
	}

	// Transferring
	t.setState(StateTransferring)
	acc := gcp.NewCRC32Accumulator()
	total := t.totalChunks()
	for i, off := 0, 0; off < size; i++ {
		if t.abortRequested(ctx) {
			return nil, u.abort(ctx, t, lease)
		}
		end := off + chunk
		if end > size {
			end = size
		}
		part := img.Data[off:end]
		resp, err := lease.Exchange(ctx, transport.Request{
			Frame:    gcp.NewFwDataFrame(uint32(off), part),
			Seq:      uint32(off),
			MatchSeq: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, u.abort(ctx, t, lease)
			}
			return nil, t.fail(ReasonExchangeFailed, err)
		}
		if resp.MsgType != gcp.MsgAck {
			return nil, t.fail(ReasonExchangeFailed, fmt.Errorf("unexpected %s at offset %d", resp.Name(), off))
		}
		_, _ = acc.Write(part)
		off = end
		t.setOffset(off)
		if u.m != nil {
			u.m.FwBytesSent.Add(float64(len(part)))
		}
		log.Debug("chunk acknowledged", zap.Int("index", i+1), zap.Int("total", total), zap.Int("offset", off))
		t.emit(i+1, off)
	}

	// Verifying
	t.setState(StateVerifying)
	t.emit(total, size)
	resp, err = lease.Exchange(ctx, transport.Request{Frame: gcp.NewFwEndFrame(acc.Sum32())})
	if err != nil {
		if ctx.Err() != nil {
			return nil, u.abort(ctx, t, lease)
		}
		return nil, t.fail(ReasonExchangeFailed, err)
	}
	payload := resp.Data
	if resp.MsgType == gcp.MsgFwUpdateEnd {
		payload = resp.Payload()
	} else if resp.MsgType != gcp.MsgAck {
		return nil, t.fail(ReasonExchangeFailed, fmt.Errorf("unexpected %s", resp.Name()))
	}
	result, err := gcp.ParseFwEndResult(payload)
	if err != nil {
		return nil, t.fail(ReasonExchangeFailed, err)
	}
	if result != gcp.FwVerifyOK {
		return nil, t.fail(ReasonCRCMismatch, fmt.Errorf("device verify result 0x%08X", result))
	}

	t.setState(StateCompleted)
	t.emit(total, size)
	return &Result{
		ID:        t.id,
		State:     StateCompleted,
		ChunkSize: chunk,
		Chunks:    total,
		Bytes:     size,
		CRC32:     acc.Sum32(),
		Duration:  time.Since(t.startedAt),
	}, nil
}

// abort 尽力通知设备放弃，结束为 Aborted
func (u *Updater) abort(ctx context.Context, t *Transfer, lease *transport.Lease) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.abortTimeout)
	defer cancel()
	if _, err := lease.Exchange(actx, transport.Request{Frame: gcp.NewFrame(gcp.MsgFwUpdateAbort)}); err != nil {
		u.log.Warn("fw abort not acknowledged", zap.String("transfer_id", t.id), zap.Error(err))
	}
	t.setState(StateAborted)
	t.emit(t.chunksDone(), t.offset())
	return ErrAborted
}
