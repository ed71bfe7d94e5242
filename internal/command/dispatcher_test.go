package command

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
	"github.com/taoyao-code/gcp-host/internal/simulator"
	"github.com/taoyao-code/gcp-host/internal/transport"
)

func newDispatcher(t *testing.T) (*Dispatcher, *simulator.Device) {
	t.Helper()
	dev := simulator.New()
	s := transport.New(dev.Open(),
		transport.WithAckTimeout(50*time.Millisecond),
		transport.WithReadPoll(5*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	return New(s, nil), dev
}

// stubExchanger 返回固定应答
type stubExchanger struct {
	resp *gcp.Frame
	err  error
	sent []*gcp.Frame
	reqs []transport.Request
}

func (s *stubExchanger) Exchange(_ context.Context, req transport.Request) (*gcp.Frame, error) {
	s.reqs = append(s.reqs, req)
	return s.resp, s.err
}

func (s *stubExchanger) Send(_ context.Context, f *gcp.Frame) error {
	s.sent = append(s.sent, f)
	return s.err
}

func TestHello_Shapes(t *testing.T) {
	tests := []struct {
		name   string
		legacy bool
		direct bool
		want   HelloShape
	}{
		{"8字节身份", false, false, HelloIdentity},
		{"旧固件15字节状态", true, false, HelloLegacyStatus},
		{"直接响应身份", false, true, HelloIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, dev := newDispatcher(t)
			dev.LegacyHello = tt.legacy
			dev.DirectResponses = tt.direct

			res, err := d.Hello(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Shape)
			if tt.want == HelloIdentity {
				require.NotNil(t, res.Identity)
				assert.Equal(t, dev.Identity, *res.Identity)
			} else {
				require.NotNil(t, res.Status)
				assert.Equal(t, dev.Status, *res.Status)
			}
		})
	}
}

func TestHello_UnexpectedPayload(t *testing.T) {
	x := &stubExchanger{resp: gcp.NewAck(gcp.MsgHello, 0, make([]byte, 10))}
	_, err := New(x, nil).Hello(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedPayload)
}

// rawAck 按线上字节解码 ACK，参数区按目录切分
func rawAck(t *testing.T, body []byte) *gcp.Frame {
	t.Helper()
	f, err := gcp.Decode(gcp.MustEncode(gcp.MsgAck, nil, body))
	require.NoError(t, err)
	return f
}

func echoed(msgType uint16, seq bool, b []byte) []byte {
	out := binary.LittleEndian.AppendUint16(nil, msgType)
	if seq {
		out = binary.LittleEndian.AppendUint32(out, 7)
	}
	return append(out, b...)
}

func TestHello_AckLayouts(t *testing.T) {
	id := gcp.DeviceIdentity{ManufactureDate: 0x0A17, SerialNumber: 1000, BoardType: 1, ChipModel: 0x40, Features: 3}
	st := gcp.StatusSnapshot{BatteryLevel: 80, SystemState: 2, LEDColor: 0x00FF, GameIndex: 7}
	tests := []struct {
		name  string
		body  []byte
		shape HelloShape
	}{
		{"类型+序号前缀+身份", echoed(gcp.MsgHello, true, id.Bytes()), HelloIdentity},
		{"仅回显类型+身份", echoed(gcp.MsgHello, false, id.Bytes()), HelloIdentity},
		{"无前缀身份", id.Bytes(), HelloIdentity},
		{"类型+序号前缀+旧版状态", echoed(gcp.MsgHello, true, st.Bytes()), HelloLegacyStatus},
		{"仅回显类型+旧版状态", echoed(gcp.MsgHello, false, st.Bytes()), HelloLegacyStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := &stubExchanger{resp: rawAck(t, tt.body)}
			res, err := New(x, nil).Hello(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.shape, res.Shape)
			if tt.shape == HelloIdentity {
				assert.Equal(t, id, *res.Identity)
			} else {
				assert.Equal(t, st, *res.Status)
			}
		})
	}
}

func TestGetStatus_AckLayouts(t *testing.T) {
	st := gcp.StatusSnapshot{BatteryLevel: 55, SystemState: 1, LEDBrightness: 200, GameIndex: 3}
	tests := []struct {
		name string
		resp func(t *testing.T) *gcp.Frame
	}{
		{"类型+序号前缀", func(t *testing.T) *gcp.Frame { return rawAck(t, echoed(gcp.MsgGetStatus, true, st.Bytes())) }},
		{"仅回显类型", func(t *testing.T) *gcp.Frame { return rawAck(t, echoed(gcp.MsgGetStatus, false, st.Bytes())) }},
		{"无前缀", func(t *testing.T) *gcp.Frame { return rawAck(t, st.Bytes()) }},
		{"同类型直接响应", func(t *testing.T) *gcp.Frame { return &gcp.Frame{MsgType: gcp.MsgGetStatus, Data: st.Bytes()} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(&stubExchanger{resp: tt.resp(t)}, nil).GetStatus(context.Background())
			require.NoError(t, err)
			assert.Equal(t, st, *got)
		})
	}
}

func TestGetFirmwareVersion_AckLayouts(t *testing.T) {
	v := gcp.FirmwareVersion{Major: 2, Minor: 4, Patch: 1}
	for _, seq := range []bool{true, false} {
		x := &stubExchanger{resp: rawAck(t, echoed(gcp.MsgGetFwVersion, seq, v.Bytes()))}
		got, err := New(x, nil).GetFirmwareVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2.4.1", got.String())
	}
}

func TestEchoAcksEndToEnd(t *testing.T) {
	d, dev := newDispatcher(t)
	dev.EchoAcks = true
	ctx := context.Background()

	res, err := d.Hello(ctx)
	require.NoError(t, err)
	assert.Equal(t, HelloIdentity, res.Shape)
	assert.Equal(t, dev.Identity, *res.Identity)

	st, err := d.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, dev.Status, *st)

	dev.LegacyHello = true
	res, err = d.Hello(ctx)
	require.NoError(t, err)
	assert.Equal(t, HelloLegacyStatus, res.Shape)
}

func TestResponseShapeEnforced(t *testing.T) {
	tests := []struct {
		name string
		call func(d *Dispatcher) error
		resp *gcp.Frame
		want error
	}{
		{"PING 同类型响应被拒", func(d *Dispatcher) error { return d.Ping(context.Background()) },
			&gcp.Frame{MsgType: gcp.MsgPing}, ErrUnexpectedResponse},
		{"RESET 同类型响应被拒", func(d *Dispatcher) error { return d.Reset(context.Background(), gcp.ResetSoft) },
			&gcp.Frame{MsgType: gcp.MsgReset, Params: []byte{0, 0}}, ErrUnexpectedResponse},
		{"SET_CONFIG 空 ACK 成功", func(d *Dispatcher) error { return d.SetConfig(context.Background(), 1, nil) },
			gcp.NewAck(gcp.MsgSetConfig, 0, nil), nil},
		{"GET_INFO 空 ACK 被拒", func(d *Dispatcher) error { _, err := d.GetInfo(context.Background()); return err },
			gcp.NewAck(gcp.MsgGetInfo, 0, nil), ErrUnexpectedPayload},
		{"HELLO 空 ACK 被拒", func(d *Dispatcher) error { _, err := d.Hello(context.Background()); return err },
			gcp.NewAck(gcp.MsgHello, 0, nil), ErrUnexpectedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(New(&stubExchanger{resp: tt.resp}, nil))
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestQueries(t *testing.T) {
	d, dev := newDispatcher(t)
	dev.Diagnostics = gcp.DiagnosticsSnapshot{StepCounter: 1234, FRAMWrite: 9}
	ctx := context.Background()

	st, err := d.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, dev.Status, *st)

	dg, err := d.GetDiagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), dg.StepCounter)
	assert.Equal(t, uint32(9), dg.FRAMWrite)

	v, err := d.GetFirmwareVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v.String())

	id, err := d.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, dev.Identity, *id)

	require.NoError(t, d.Ping(ctx))
}

func TestSetConfigAndReset(t *testing.T) {
	d, dev := newDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.SetConfig(ctx, 0x0102, []byte{0xFF, 0x00}))
	require.NoError(t, d.Reset(ctx, gcp.ResetApplyUpdate))
	assert.Error(t, d.Reset(ctx, gcp.ResetKind(9)))

	cfgs := dev.Configs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, uint16(0x0102), cfgs[0].Sub)
	assert.Equal(t, []byte{0xFF, 0x00}, cfgs[0].Payload)
	assert.Equal(t, []gcp.ResetKind{gcp.ResetApplyUpdate}, dev.Resets())
}

func TestNackSurfacesAsProtocolError(t *testing.T) {
	d, dev := newDispatcher(t)
	dev.NackNext(gcp.MsgGetStatus, gcp.CodeBusy, 3)

	_, err := d.GetStatus(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, gcp.ErrCodeBusy)

	var pe *gcp.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "GET_STATUS", pe.Op)
	assert.Equal(t, gcp.CodeBusy, pe.Code)
}

func TestUnexpectedResponseAndPayload(t *testing.T) {
	tests := []struct {
		name string
		resp *gcp.Frame
		want error
	}{
		{"应答类型不符", &gcp.Frame{MsgType: gcp.MsgGetInfo, Data: make([]byte, 15)}, ErrUnexpectedResponse},
		{"载荷过短", gcp.NewAck(gcp.MsgGetStatus, 0, []byte{1, 2, 3}), ErrUnexpectedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&stubExchanger{resp: tt.resp}, nil).GetStatus(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRespondNoUpdate(t *testing.T) {
	x := &stubExchanger{}
	require.NoError(t, New(x, nil).RespondNoUpdate(context.Background()))
	require.Len(t, x.sent, 1)
	assert.Equal(t, gcp.MsgFwNoUpdateAvailable, x.sent[0].MsgType)
	assert.Empty(t, x.reqs)
}
