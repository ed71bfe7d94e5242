package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/gcp-host/internal/metrics"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/simulator"
)

const testAck = 50 * time.Millisecond

func newTestSession(t *testing.T, opt ...Option) (*Session, *simulator.Device, *simulator.Conn) {
	t.Helper()
	dev := simulator.New()
	conn := dev.Open()
	opts := append([]Option{WithAckTimeout(testAck), WithReadPoll(5 * time.Millisecond)}, opt...)
	s := New(conn, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, dev, conn
}

func helloReq() Request { return Request{Frame: gcp.NewFrame(gcp.MsgHello)} }

func TestExchange_Ack(t *testing.T) {
	s, dev, _ := newTestSession(t)

	f, err := s.Exchange(context.Background(), helloReq())
	require.NoError(t, err)
	assert.Equal(t, gcp.MsgAck, f.MsgType)
	assert.Equal(t, dev.Identity.Bytes(), f.Data)
	assert.Equal(t, 1, dev.Count(gcp.MsgHello))
}

func TestExchange_DirectResponse(t *testing.T) {
	s, dev, _ := newTestSession(t)
	dev.DirectResponses = true

	f, err := s.Exchange(context.Background(), Request{Frame: gcp.NewFrame(gcp.MsgGetStatus)})
	require.NoError(t, err)
	assert.Equal(t, gcp.MsgGetStatus, f.MsgType)
	assert.Equal(t, dev.Status.Bytes(), f.Payload())
}

func TestExchange_RetryBoundIsExactlyThreeSends(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewAppMetrics(reg)
	s, dev, conn := newTestSession(t, WithMetrics(m))
	dev.SetSilent(true)

	start := time.Now()
	_, err := s.Exchange(context.Background(), helloReq())
	require.Error(t, err)

	var ef *ExchangeFailed
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, 3, ef.Attempts)
	assert.Equal(t, gcp.MsgHello, ef.MsgType)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, conn.Writes())
	assert.Equal(t, 3, dev.Count(gcp.MsgHello))
	assert.GreaterOrEqual(t, time.Since(start), 3*testAck)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExchangeRetries.WithLabelValues("HELLO")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangeTotal.WithLabelValues("HELLO", "failed")))
}

func TestExchange_RecoversAfterDroppedRequests(t *testing.T) {
	s, dev, _ := newTestSession(t)
	dev.DropNext(gcp.MsgHello, 2)

	_, err := s.Exchange(context.Background(), helloReq())
	require.NoError(t, err)
	assert.Equal(t, 3, dev.Count(gcp.MsgHello))
}

func TestExchange_Nack(t *testing.T) {
	tests := []struct {
		name      string
		code      gcp.ErrorCode
		times     int
		wantSends int
		check     func(t *testing.T, err error)
	}{
		{
			name: "已知错误码重试后成功", code: gcp.CodeBusy, times: 1, wantSends: 2,
			check: func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name: "已知错误码耗尽", code: gcp.CodeBusy, times: 3, wantSends: 3,
			check: func(t *testing.T, err error) {
				var ef *ExchangeFailed
				require.ErrorAs(t, err, &ef)
				assert.ErrorIs(t, err, gcp.ErrCodeBusy)
			},
		},
		{
			name: "未知错误码立即失败", code: gcp.ErrorCode(0x00EE), times: 1, wantSends: 1,
			check: func(t *testing.T, err error) {
				var pe *gcp.ProtocolError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, gcp.ErrorCode(0x00EE), pe.Code)
				var ef *ExchangeFailed
				assert.False(t, errors.As(err, &ef))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dev, _ := newTestSession(t)
			dev.NackNext(gcp.MsgGetStatus, tt.code, tt.times)

			_, err := s.Exchange(context.Background(), Request{Frame: gcp.NewFrame(gcp.MsgGetStatus)})
			tt.check(t, err)
			assert.Equal(t, tt.wantSends, dev.Count(gcp.MsgGetStatus))
		})
	}
}

func TestExchange_CorruptResponseIsRetried(t *testing.T) {
	s, dev, _ := newTestSession(t)
	dev.CorruptNext(gcp.MsgPing, 1)

	_, err := s.Exchange(context.Background(), Request{Frame: gcp.NewFrame(gcp.MsgPing)})
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Count(gcp.MsgPing))
}

func TestExchange_PartialFrameAtDeadlineIsTimeout(t *testing.T) {
	s, dev, _ := newTestSession(t, WithMaxAttempts(1))
	dev.SetSilent(true)

	full := gcp.MustEncode(gcp.MsgAck, gcp.NewAck(gcp.MsgHello, 0, nil).Params, nil)
	dev.InjectRaw(full[:5])

	_, err := s.Exchange(context.Background(), helloReq())
	assert.ErrorIs(t, err, ErrTimeout)

	// 残余半帧已被丢弃，后续完整帧可正常关联
	dev.SetSilent(false)
	_, err = s.Exchange(context.Background(), helloReq())
	assert.NoError(t, err)
}

func TestExchange_SeqMatching(t *testing.T) {
	s, _, _ := newTestSession(t, WithMaxAttempts(1))

	// 模拟器对 DATA 回显偏移；不在升级状态时回 NACK SequenceError（已知码）
	_, err := s.Exchange(context.Background(), Request{
		Frame:    gcp.NewFwDataFrame(4096, []byte{1, 2, 3}),
		Seq:      4096,
		MatchSeq: true,
	})
	assert.ErrorIs(t, err, gcp.ErrCodeSequence)

	// 序号不一致的应答不会被关联
	_, err = s.Exchange(context.Background(), Request{
		Frame:    gcp.NewFwDataFrame(4096, []byte{1, 2, 3}),
		Seq:      1,
		MatchSeq: true,
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestEvents_UnsolicitedNotOnResponsePath(t *testing.T) {
	s, dev, _ := newTestSession(t)
	dev.Delay = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := s.Exchange(context.Background(), helloReq())
		done <- err
	}()
	dev.RequestUpdate()

	select {
	case f := <-s.Events():
		assert.Equal(t, gcp.MsgFwUpdateRequest, f.MsgType)
		v, err := gcp.ParseFirmwareVersion(f.Data)
		require.NoError(t, err)
		assert.Equal(t, "1.2.3", v.String())
	case <-time.After(time.Second):
		t.Fatal("unsolicited frame not delivered")
	}
	require.NoError(t, <-done)
}

func TestEvents_OverflowDropsOldest(t *testing.T) {
	s, dev, _ := newTestSession(t, WithEventBuffer(2))

	for i := byte(1); i <= 4; i++ {
		dev.Inject(&gcp.Frame{MsgType: gcp.MsgFwUpdateRequest, Data: []byte{i, 0, 0, 0, 0, 0}})
	}
	require.Eventually(t, func() bool { return s.Dropped() == 2 }, time.Second, 5*time.Millisecond)

	first := <-s.Events()
	second := <-s.Events()
	assert.Equal(t, byte(3), first.Data[0])
	assert.Equal(t, byte(4), second.Data[0])
}

func TestLease_ExcludesOtherCallers(t *testing.T) {
	s, dev, _ := newTestSession(t)

	l, err := s.Reserve()
	require.NoError(t, err)
	assert.True(t, s.Busy())

	_, err = s.Reserve()
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.Exchange(context.Background(), helloReq())
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, s.Send(context.Background(), gcp.NewFrame(gcp.MsgFwNoUpdateAvailable)), ErrBusy)
	assert.Equal(t, 0, dev.Count(gcp.MsgHello))

	_, err = l.Exchange(context.Background(), helloReq())
	require.NoError(t, err)

	l.Release()
	l.Release()
	assert.False(t, s.Busy())
	_, err = l.Exchange(context.Background(), helloReq())
	assert.ErrorIs(t, err, ErrLeaseReleased)
	_, err = s.Exchange(context.Background(), helloReq())
	assert.NoError(t, err)
}

func TestExchange_ConcurrentCallersNeverOverlap(t *testing.T) {
	s, dev, _ := newTestSession(t)
	dev.Delay = 2 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := s.Exchange(context.Background(), Request{Frame: gcp.NewFrame(gcp.MsgGetStatus)})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 40, dev.Count(gcp.MsgGetStatus))
	assert.Zero(t, dev.Overlaps())
}

func TestExchange_ContextCancel(t *testing.T) {
	s, dev, _ := newTestSession(t, WithAckTimeout(time.Second))
	dev.SetSilent(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Exchange(ctx, helloReq())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, dev.Count(gcp.MsgHello))
}

func TestClose(t *testing.T) {
	s, dev, _ := newTestSession(t, WithAckTimeout(time.Second))
	dev.SetSilent(true)

	done := make(chan error, 1)
	go func() {
		_, err := s.Exchange(context.Background(), helloReq())
		done <- err
	}()
	require.Eventually(t, func() bool { return dev.Count(gcp.MsgHello) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, <-done, ErrClosed)
	_, err := s.Exchange(context.Background(), helloReq())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Reserve()
	assert.ErrorIs(t, err, ErrClosed)

	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
}

func TestSession_ReadFailureClosesSession(t *testing.T) {
	dev := simulator.New()
	conn := dev.Open()
	s := New(conn, WithReadPoll(5*time.Millisecond))
	defer s.Close()

	// 设备重新打开，旧句柄随之失效
	dev.Open()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed after port failure")
	}
	assert.Error(t, s.Err())
	_, err := s.Exchange(context.Background(), helloReq())
	assert.ErrorIs(t, err, ErrClosed)
}
