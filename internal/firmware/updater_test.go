package firmware

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/gcp-host/internal/command"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/simulator"
	"github.com/taoyao-code/gcp-host/internal/transport"
)

func newRig(t *testing.T, opts ...Option) (*Updater, *transport.Session, *simulator.Device) {
	t.Helper()
	dev := simulator.New()
	s := transport.New(dev.Open(),
		transport.WithAckTimeout(50*time.Millisecond),
		transport.WithReadPoll(2*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	return NewUpdater(s, opts...), s, dev
}

func randomImage(t *testing.T, n int) *Image {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	img, err := NewImage("test.bin", data, 0)
	require.NoError(t, err)
	return img
}

func TestRun_ChunkAccounting(t *testing.T) {
	const c = gcp.RecommendedChunkSize
	tests := []struct {
		name     string
		size     int
		chunks   int
		lastSize int
	}{
		{"非整块", 3*c + 100, 4, 100},
		{"整块", 2 * c, 2, c},
		{"小于一块", 17, 1, 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _, dev := newRig(t)
			img := randomImage(t, tt.size)

			var progress []Progress
			res, err := u.Run(context.Background(), img, func(p Progress) { progress = append(progress, p) })
			require.NoError(t, err)

			assert.Equal(t, StateCompleted, res.State)
			assert.Equal(t, tt.chunks, res.Chunks)
			assert.Equal(t, c, res.ChunkSize)

			offsets := dev.DataOffsets()
			require.Len(t, offsets, tt.chunks)
			for i, off := range offsets {
				assert.Equal(t, uint32(i*c), off)
			}
			frames := dev.Received()
			var last gcp.Frame
			for _, f := range frames {
				if f.MsgType == gcp.MsgFwUpdateData {
					last = f
				}
			}
			assert.Len(t, last.Data, tt.lastSize)

			assert.Equal(t, img.Data, dev.Image())
			assert.Equal(t, 1, dev.Completed())

			final := progress[len(progress)-1]
			assert.Equal(t, StateCompleted, final.Stage)
			assert.Equal(t, 100.0, final.Percentage)
			assert.Equal(t, tt.chunks, final.TotalChunks)
		})
	}
}

func TestRun_DataFrameIs2048Bytes(t *testing.T) {
	u, _, dev := newRig(t)
	_, err := u.Run(context.Background(), randomImage(t, gcp.RecommendedChunkSize), nil)
	require.NoError(t, err)

	for _, f := range dev.Received() {
		if f.MsgType == gcp.MsgFwUpdateData {
			raw, err := f.Encode()
			require.NoError(t, err)
			assert.Len(t, raw, 2048)
		}
	}
}

func TestRun_RunningCRCMatchesImage(t *testing.T) {
	u, _, dev := newRig(t)
	img := randomImage(t, 50_000)

	res, err := u.Run(context.Background(), img, nil)
	require.NoError(t, err)
	assert.Equal(t, gcp.CRC32(img.Data), res.CRC32)
	assert.Equal(t, img.CRC32, res.CRC32)

	var endCRC []byte
	for _, f := range dev.Received() {
		if f.MsgType == gcp.MsgFwUpdateEnd {
			endCRC = f.Params
		}
	}
	assert.Equal(t, gcp.NewFwEndFrame(img.CRC32).Params, endCRC)
}

func TestRun_AbortAfterChunkK(t *testing.T) {
	const k = 3
	u, _, dev := newRig(t)
	img := randomImage(t, 10*gcp.RecommendedChunkSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var states []State
	_, err := u.Run(ctx, img, func(p Progress) {
		states = append(states, p.Stage)
		if p.Stage == StateTransferring && p.ChunkIndex == k {
			cancel()
		}
	})
	require.ErrorIs(t, err, ErrAborted)

	assert.Len(t, dev.DataOffsets(), k)
	assert.Equal(t, 1, dev.Aborts())
	assert.Zero(t, dev.Count(gcp.MsgFwUpdateEnd))
	assert.Equal(t, StateAborted, states[len(states)-1])
	assert.Equal(t, StateAborted, u.Current().State())
}

func TestStart_AbortAtChunkBoundary(t *testing.T) {
	u, _, dev := newRig(t)
	dev.Delay = 2 * time.Millisecond
	img := randomImage(t, 20*gcp.RecommendedChunkSize)

	tr, err := u.Start(context.Background(), img)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.ID())

	for p := range tr.Progress() {
		if p.Stage == StateTransferring && p.ChunkIndex >= 2 {
			tr.Abort()
			break
		}
	}
	_, err = tr.Wait()
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, StateAborted, tr.State())
	assert.Less(t, len(dev.DataOffsets()), 20)
	assert.Equal(t, 1, dev.Aborts())
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(d *simulator.Device)
		reason Reason
		state  State
		check  func(t *testing.T, err error)
	}{
		{
			name:   "START被拒",
			setup:  func(d *simulator.Device) { d.NackNext(gcp.MsgFwUpdateStart, gcp.CodeStorageWrite, 3) },
			reason: ReasonStartRejected,
			state:  StateStarting,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, gcp.ErrCodeStorageWrite) },
		},
		{
			name:   "START未知错误码",
			setup:  func(d *simulator.Device) { d.NackNext(gcp.MsgFwUpdateStart, gcp.ErrorCode(0x0042), 1) },
			reason: ReasonStartRejected,
			state:  StateStarting,
		},
		{
			name:   "DATA重试耗尽",
			setup:  func(d *simulator.Device) { d.DropNext(gcp.MsgFwUpdateData, 3) },
			reason: ReasonExchangeFailed,
			state:  StateTransferring,
			check: func(t *testing.T, err error) {
				var ef *transport.ExchangeFailed
				require.ErrorAs(t, err, &ef)
				assert.Equal(t, 3, ef.Attempts)
			},
		},
		{
			name:   "END校验失败",
			setup:  func(d *simulator.Device) { d.FailVerify(true) },
			reason: ReasonCRCMismatch,
			state:  StateVerifying,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _, dev := newRig(t)
			tt.setup(dev)

			_, err := u.Run(context.Background(), randomImage(t, 5000), nil)
			require.Error(t, err)
			var te *TransferError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.reason, te.Reason)
			assert.Equal(t, tt.state, te.State)
			assert.Equal(t, StateFailed, u.Current().State())
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestRun_RetryAfterFailureStartsAgain(t *testing.T) {
	u, _, dev := newRig(t)
	dev.FailVerify(true)
	img := randomImage(t, 3000)

	_, err := u.Run(context.Background(), img, nil)
	require.Error(t, err)

	dev.FailVerify(false)
	res, err := u.Run(context.Background(), img, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, dev.Count(gcp.MsgFwUpdateStart))
}

func TestRun_LostDataIsResent(t *testing.T) {
	u, _, dev := newRig(t)
	dev.DropNext(gcp.MsgFwUpdateData, 1)
	img := randomImage(t, 2*gcp.RecommendedChunkSize)

	_, err := u.Run(context.Background(), img, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 0, gcp.RecommendedChunkSize}, dev.DataOffsets())
	assert.Equal(t, img.Data, dev.Image())
}

func TestRun_ChunkNegotiation(t *testing.T) {
	u, _, dev := newRig(t)
	dev.ChunkReply = 1024

	res, err := u.Run(context.Background(), randomImage(t, 3000), nil)
	require.NoError(t, err)
	assert.Equal(t, 1024, res.ChunkSize)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, []uint32{0, 1024, 2048}, dev.DataOffsets())
}

func TestRun_OversizedChunkIsCapped(t *testing.T) {
	u, _, dev := newRig(t, WithChunkSize(8000))
	assert.Equal(t, gcp.MaxChunkSize, u.ChunkSize())

	img := randomImage(t, 20000)
	res, err := u.Run(context.Background(), img, nil)
	require.NoError(t, err)
	assert.Equal(t, gcp.MaxChunkSize, res.ChunkSize)
	assert.Equal(t, 5, res.Chunks)
	assert.Equal(t, img.Data, dev.Image())

	for _, f := range dev.Received() {
		if f.MsgType == gcp.MsgFwUpdateData {
			assert.LessOrEqual(t, len(f.Data), gcp.MaxChunkSize)
			assert.LessOrEqual(t, f.Length(), gcp.MaxFrameLength)
		}
	}
}

func TestStart_MutualExclusion(t *testing.T) {
	u, s, dev := newRig(t)
	dev.Delay = time.Millisecond
	img := randomImage(t, 30*gcp.RecommendedChunkSize)
	d := command.New(s, nil)

	tr, err := u.Start(context.Background(), img)
	require.NoError(t, err)

	_, err = u.Start(context.Background(), img)
	assert.ErrorIs(t, err, transport.ErrBusy)

	var wg sync.WaitGroup
	var rejected int
	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-tr.Done():
				return
			default:
			}
			if _, err := d.GetStatus(context.Background()); err != nil {
				assert.ErrorIs(t, err, transport.ErrBusy)
				mu.Lock()
				rejected++
				mu.Unlock()
			}
			time.Sleep(time.Millisecond)
		}
	}()

	_, err = tr.Wait()
	require.NoError(t, err)
	wg.Wait()

	assert.Zero(t, dev.Overlaps())
	assert.Positive(t, rejected)

	// 传输结束后线路释放
	_, err = d.GetStatus(context.Background())
	assert.NoError(t, err)
}

func TestRun_EmptyImage(t *testing.T) {
	u, _, _ := newRig(t)
	_, err := u.Run(context.Background(), &Image{}, nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
}
