package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/groundcontrol/pkg/frame"
	"github.com/librescoot/groundcontrol/pkg/proto"
	"github.com/librescoot/groundcontrol/pkg/wire"
	"github.com/librescoot/groundcontrol/pkg/wireerr"
)

type fakeSink struct {
	frames chan []byte
}

func newFakeSink() *fakeSink {
	return &fakeSink{frames: make(chan []byte, 32)}
}

func (s *fakeSink) Send(framed []byte) {
	s.frames <- framed
}

func (s *fakeSink) nextPacket(t *testing.T) (proto.Header, []byte) {
	t.Helper()
	select {
	case f := <-s.frames:
		payload, ok := frame.DecodePayload(f)
		require.True(t, ok)
		h, body, ok := proto.Decode(wire.NewReader(payload))
		require.True(t, ok)
		return h, body
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return proto.Header{}, nil
	}
}

type fakeClient struct {
	data  chan []byte
	start chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: make(chan []byte, 32), start: make(chan struct{}, 1)}
}

func (c *fakeClient) OnData(stream proto.StreamType, body []byte) { c.data <- body }
func (c *fakeClient) OnStart()                                    { c.start <- struct{}{} }

type fakeErrorHandler struct {
	errs chan *wireerr.Error
}

func (h *fakeErrorHandler) OnError(err *wireerr.Error) { h.errs <- err }

func inboundFrame(t *testing.T, h proto.Header, body []byte) []byte {
	t.Helper()
	buf := make([]byte, frame.MaxPayloadSize)
	w := wire.NewWriter(buf)
	require.True(t, proto.Encode(w, h, body))
	f, ok := frame.EncodeFrame(w.Bytes())
	require.True(t, ok)
	return f
}

func TestSendReliableRetransmitsUntilOk(t *testing.T) {
	sink := newFakeSink()
	cfg := Config{RetransmitInterval: 30 * time.Millisecond, MaxRetries: 10}
	e := New(cfg, 1, sink, nil)

	e.SendReliable(proto.CmdTelem, []byte("hello"))

	h1, body1 := sink.nextPacket(t)
	require.Equal(t, proto.Reliable, h1.PacketType)
	require.Equal(t, uint16(0), h1.Counter)
	require.Equal(t, []byte("hello"), body1)

	// No ack sent: expect a retransmission of the same packet.
	h2, body2 := sink.nextPacket(t)
	require.Equal(t, uint16(0), h2.Counter)
	require.Equal(t, body1, body2)

	// Now ack it.
	ackBody := make([]byte, 1)
	w := wire.NewWriter(ackBody)
	w.WriteVarUint(uint64(proto.Ok))
	payload, ok := frame.DecodePayload(inboundFrame(t, proto.Header{
		Direction: proto.Downlink, PacketType: proto.Receipt, Stream: proto.CmdTelem,
		DeviceID: 1, Counter: 0,
	}, w.Bytes()))
	require.True(t, ok)
	e.HandleInboundPayload(payload)

	// Next reliable send should use counter 1, confirming the queue advanced.
	e.SendReliable(proto.CmdTelem, []byte("second"))
	h3, body3 := sink.nextPacket(t)
	require.Equal(t, uint16(1), h3.Counter)
	require.Equal(t, []byte("second"), body3)
}

func TestReliableInboundDeliversOnceAndAcksDuplicates(t *testing.T) {
	sink := newFakeSink()
	client := newFakeClient()
	e := New(DefaultConfig(), 7, sink, nil)
	e.RegisterClient(proto.User, client)

	body := []byte("chunk")
	mkFrame := func(counter uint16) []byte {
		buf := make([]byte, frame.MaxPayloadSize)
		w := wire.NewWriter(buf)
		require.True(t, proto.Encode(w, proto.Header{
			Direction: proto.Downlink, PacketType: proto.Reliable, Stream: proto.User,
			DeviceID: 7, Counter: counter,
		}, body))
		f, ok := frame.EncodeFrame(w.Bytes())
		require.True(t, ok)
		return f
	}

	payload, ok := frame.DecodePayload(mkFrame(0))
	require.True(t, ok)
	e.HandleInboundPayload(payload)

	select {
	case got := <-client.data:
		require.Equal(t, body, got)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}

	h, respBody := sink.nextPacket(t)
	require.Equal(t, proto.Receipt, h.PacketType)
	require.Equal(t, uint16(0), h.Counter)
	r := wire.NewReader(respBody)
	rt, ok := r.ReadVarUint()
	require.True(t, ok)
	require.Equal(t, uint64(proto.Ok), rt)

	// Retransmit the same counter (peer never saw our Ok): must re-ack, not
	// redeliver to the client.
	payload2, ok := frame.DecodePayload(mkFrame(0))
	require.True(t, ok)
	e.HandleInboundPayload(payload2)

	h2, _ := sink.nextPacket(t)
	require.Equal(t, uint16(0), h2.Counter)

	select {
	case <-client.data:
		t.Fatal("duplicate reliable packet must not be redelivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReliableInboundOutOfOrderTriggersCounterCorrection(t *testing.T) {
	sink := newFakeSink()
	client := newFakeClient()
	e := New(DefaultConfig(), 3, sink, nil)
	e.RegisterClient(proto.Firmware, client)

	buf := make([]byte, frame.MaxPayloadSize)
	w := wire.NewWriter(buf)
	require.True(t, proto.Encode(w, proto.Header{
		Direction: proto.Downlink, PacketType: proto.Reliable, Stream: proto.Firmware,
		DeviceID: 3, Counter: 5,
	}, []byte("x")))
	f, ok := frame.EncodeFrame(w.Bytes())
	require.True(t, ok)
	payload, ok := frame.DecodePayload(f)
	require.True(t, ok)

	e.HandleInboundPayload(payload)

	h, body := sink.nextPacket(t)
	require.Equal(t, proto.Receipt, h.PacketType)
	require.Equal(t, uint16(0), h.Counter)
	r := wire.NewReader(body)
	rt, ok := r.ReadVarUint()
	require.True(t, ok)
	require.Equal(t, uint64(proto.CounterCorrection), rt)
	expected, ok := r.ReadVarUint()
	require.True(t, ok)
	require.Equal(t, uint64(0), expected)

	select {
	case <-client.data:
		t.Fatal("out-of-order packet must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCounterCorrectionRetransmitsUnderNewCounter(t *testing.T) {
	sink := newFakeSink()
	e := New(Config{RetransmitInterval: time.Minute, MaxRetries: 10}, 9, sink, nil)

	e.SendReliable(proto.CmdTelem, []byte("payload"))
	h1, _ := sink.nextPacket(t)
	require.Equal(t, uint16(0), h1.Counter)

	correctionBody := make([]byte, 1+wire.MaxVarintBytes)
	w := wire.NewWriter(correctionBody)
	w.WriteVarUint(uint64(proto.CounterCorrection))
	w.WriteVarUint(42)
	payload, ok := frame.DecodePayload(inboundFrame(t, proto.Header{
		Direction: proto.Downlink, PacketType: proto.Receipt, Stream: proto.CmdTelem,
		DeviceID: 9, Counter: 0,
	}, w.Bytes()))
	require.True(t, ok)
	e.HandleInboundPayload(payload)

	h2, _ := sink.nextPacket(t)
	require.Equal(t, uint16(42), h2.Counter)
}

func TestRetransmitBudgetExhaustedReportsFatalError(t *testing.T) {
	sink := newFakeSink()
	handler := &fakeErrorHandler{errs: make(chan *wireerr.Error, 1)}
	e := New(Config{RetransmitInterval: 5 * time.Millisecond, MaxRetries: 2}, 1, sink, handler)

	e.SendReliable(proto.User, []byte("z"))

	select {
	case err := <-handler.errs:
		require.Equal(t, wireerr.KindFatal, err.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected fatal error after exhausting retransmit budget")
	}
}

func TestDeviceIDMismatchReported(t *testing.T) {
	sink := newFakeSink()
	handler := &fakeErrorHandler{errs: make(chan *wireerr.Error, 1)}
	e := New(DefaultConfig(), 1, sink, handler)

	payload, ok := frame.DecodePayload(inboundFrame(t, proto.Header{
		Direction: proto.Downlink, PacketType: proto.Unreliable, Stream: proto.User,
		DeviceID: 99, Counter: 0,
	}, []byte("x")))
	require.True(t, ok)
	e.HandleInboundPayload(payload)

	select {
	case err := <-handler.errs:
		require.Equal(t, wireerr.KindProtocol, err.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected device id mismatch error")
	}
}
