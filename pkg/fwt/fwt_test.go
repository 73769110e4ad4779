package fwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/groundcontrol/pkg/proto"
	"github.com/librescoot/groundcontrol/pkg/wire"
	"github.com/librescoot/groundcontrol/pkg/wireerr"
)

type fakeSender struct {
	sent chan []byte
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(chan []byte, 64)} }

func (s *fakeSender) SendUnreliable(stream proto.StreamType, payload []byte) {
	s.sent <- append([]byte(nil), payload...)
}

func (s *fakeSender) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-s.sent:
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound fwt command")
		return nil
	}
}

type fakeHandler struct {
	progress chan uint64
	errs     chan *wireerr.Error
	started  chan struct{}
	passed   chan struct{}
	finished chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		progress: make(chan uint64, 64),
		errs:     make(chan *wireerr.Error, 64),
		started:  make(chan struct{}, 1),
		passed:   make(chan struct{}, 1),
		finished: make(chan struct{}, 1),
	}
}

func (h *fakeHandler) OnDownloadStarted()                             { h.started <- struct{}{} }
func (h *fakeHandler) OnSizeReceived(size uint64)                     {}
func (h *fakeHandler) OnHashDownloaded(deviceName string, hash []byte) {}
func (h *fakeHandler) OnStartCmdSent()                                {}
func (h *fakeHandler) OnStartCmdPassed()                              { h.passed <- struct{}{} }
func (h *fakeHandler) OnProgress(received uint64)                     { h.progress <- received }
func (h *fakeHandler) OnDownloadFinished()                            { h.finished <- struct{}{} }
func (h *fakeHandler) OnFirmwareError(err *wireerr.Error)             { h.errs <- err }

func decodeOpcode(t *testing.T, body []byte) (Opcode, *wire.Reader) {
	t.Helper()
	r := wire.NewReader(body)
	v, ok := r.ReadVarUint()
	require.True(t, ok)
	return Opcode(v), r
}

func hashResponse(t *testing.T, size uint64, deviceName string, hash []byte) []byte {
	t.Helper()
	buf := make([]byte, 256)
	w := wire.NewWriter(buf)
	require.True(t, w.WriteVarUint(uint64(RespHash)))
	require.True(t, w.WriteVarUint(size))
	require.True(t, w.WriteString(deviceName))
	require.True(t, w.WriteBytes(hash))
	return w.Bytes()
}

func startResponse(t *testing.T, nonce uint64) []byte {
	t.Helper()
	buf := make([]byte, 32)
	w := wire.NewWriter(buf)
	require.True(t, w.WriteVarUint(uint64(RespStart)))
	require.True(t, w.WriteVarUint(nonce))
	return w.Bytes()
}

func chunkResponse(t *testing.T, start uint64, data []byte) []byte {
	t.Helper()
	buf := make([]byte, 32+len(data))
	w := wire.NewWriter(buf)
	require.True(t, w.WriteVarUint(uint64(RespChunk)))
	require.True(t, w.WriteVarUint(start))
	require.True(t, w.WriteBytes(data))
	return w.Bytes()
}

func fixedHash() []byte {
	h := make([]byte, hashSize)
	for i := range h {
		h[i] = byte(i)
	}
	return h
}

// TestCleanHashPhase covers a clean hash-response round trip.
func TestCleanHashPhase(t *testing.T) {
	sender := newFakeSender()
	handler := newFakeHandler()
	c := New(sender, handler, nil, nil)

	c.OnStart()
	select {
	case <-handler.started:
	case <-time.After(time.Second):
		t.Fatal("expected download started event")
	}

	op, _ := decodeOpcode(t, sender.next(t))
	require.Equal(t, OpRequestHash, op)

	hash := fixedHash()
	c.OnData(proto.Firmware, hashResponse(t, 16, "dev", hash))

	op2, r := decodeOpcode(t, sender.next(t))
	require.Equal(t, OpStart, op2)
	_, ok := r.ReadVarUint()
	require.True(t, ok)
}

// TestDownloadWithLoss covers a chunk loss mid-download, resolved by a
// resend of the missing range.
func TestDownloadWithLoss(t *testing.T) {
	sender := newFakeSender()
	handler := newFakeHandler()
	c := New(sender, handler, nil, nil)

	c.OnStart()
	sender.next(t) // RequestHash

	hash := fixedHash()
	c.OnData(proto.Firmware, hashResponse(t, 10, "dev", hash))
	_, startReader := decodeOpcode(t, sender.next(t)) // Start(nonce)
	nonce, ok := startReader.ReadVarUint()
	require.True(t, ok)

	c.OnData(proto.Firmware, startResponse(t, nonce))

	op, r := decodeOpcode(t, sender.next(t))
	require.Equal(t, OpRequestChunk, op)
	s, _ := r.ReadVarUint()
	e, _ := r.ReadVarUint()
	require.Equal(t, uint64(0), s)
	require.Equal(t, uint64(10), e)

	c.OnData(proto.Firmware, chunkResponse(t, 0, []byte{1, 2, 3, 4}))
	op2, r2 := decodeOpcode(t, sender.next(t))
	require.Equal(t, OpRequestChunk, op2)
	s2, _ := r2.ReadVarUint()
	e2, _ := r2.ReadVarUint()
	require.Equal(t, uint64(4), s2)
	require.Equal(t, uint64(10), e2)

	c.OnData(proto.Firmware, chunkResponse(t, 6, []byte{1, 2, 3, 4}))
	op3, r3 := decodeOpcode(t, sender.next(t))
	require.Equal(t, OpRequestChunk, op3)
	s3, _ := r3.ReadVarUint()
	e3, _ := r3.ReadVarUint()
	require.Equal(t, uint64(4), s3)
	require.Equal(t, uint64(6), e3)
}

// TestNonceGuard covers a mismatched start-command nonce being reported
// as a firmware error rather than silently accepted.
func TestNonceGuard(t *testing.T) {
	sender := newFakeSender()
	handler := newFakeHandler()
	c := New(sender, handler, nil, nil)

	c.OnStart()
	sender.next(t) // RequestHash
	c.OnData(proto.Firmware, hashResponse(t, 16, "dev", fixedHash()))

	_, r := decodeOpcode(t, sender.next(t)) // Start(N)
	n, _ := r.ReadVarUint()

	c.OnData(proto.Firmware, startResponse(t, n+1))

	select {
	case err := <-handler.errs:
		require.Equal(t, wireerr.KindFirmware, err.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected firmware error on nonce mismatch")
	}

	op, r2 := decodeOpcode(t, sender.next(t))
	require.Equal(t, OpStart, op)
	n2, _ := r2.ReadVarUint()
	require.Equal(t, n, n2)
}
