// Package exchange implements the per-stream reliability layer and the
// demultiplexer tying stream clients to the framer: sequence counters,
// retransmission queues, and receipts.
package exchange

import (
	"log"
	"time"

	"github.com/librescoot/groundcontrol/pkg/actor"
	"github.com/librescoot/groundcontrol/pkg/frame"
	"github.com/librescoot/groundcontrol/pkg/proto"
	"github.com/librescoot/groundcontrol/pkg/wire"
	"github.com/librescoot/groundcontrol/pkg/wireerr"
)

// Sink is the raw transport the Exchange frames and writes outbound
// packets to.
type Sink interface {
	Send(framed []byte)
}

// Client is the capability set a stream's consumer implements: receiving
// delivered payload bodies and being notified the exchange has started.
type Client interface {
	OnData(stream proto.StreamType, body []byte)
	OnStart()
}

// ErrorHandler receives surfaced wire-level errors that are not locally
// recoverable.
type ErrorHandler interface {
	OnError(err *wireerr.Error)
}

// Config parameterizes the reliable-delivery policy knobs: retransmission
// pacing and budget.
type Config struct {
	RetransmitInterval time.Duration
	MaxRetries         int
}

// DefaultConfig returns the protocol's default retransmission pacing:
// 500ms retransmit interval, 10 retries.
func DefaultConfig() Config {
	return Config{RetransmitInterval: 500 * time.Millisecond, MaxRetries: 10}
}

type queuedPacket struct {
	payload []byte
}

type streamState struct {
	stream proto.StreamType
	client Client

	queue           []queuedPacket
	reliableCounter uint16
	unreliableCnt   uint16
	headCounter     uint16
	retries         int
	gen             actor.Generation
	timer           *time.Timer

	expectedInbound   uint16
	haveInboundOk     bool
	lastInboundOkCtr  uint16
}

// Exchange demultiplexes incoming payloads to stream clients and fans out
// outgoing packets, enforcing the per-stream sequence contract. All
// state is owned by a single mailbox goroutine.
type Exchange struct {
	mailbox  *actor.Mailbox
	cfg      Config
	deviceID uint64
	sink     Sink
	handler  ErrorHandler
	streams  map[proto.StreamType]*streamState
}

// New creates an Exchange for the given peer device id.
func New(cfg Config, deviceID uint64, sink Sink, handler ErrorHandler) *Exchange {
	e := &Exchange{
		mailbox:  actor.NewMailbox(64),
		cfg:      cfg,
		deviceID: deviceID,
		sink:     sink,
		handler:  handler,
		streams:  make(map[proto.StreamType]*streamState),
	}
	for _, st := range []proto.StreamType{proto.Firmware, proto.CmdTelem, proto.User} {
		e.streams[st] = &streamState{stream: st}
	}
	return e
}

// SetSink attaches the outbound transport sink. It exists so an embedder
// can construct the Exchange before its transport is open (the
// transport's read callback needs a GroundControl that in turn needs the
// Exchange to already exist).
func (e *Exchange) SetSink(sink Sink) {
	e.mailbox.Send(func() {
		e.sink = sink
	})
}

// RegisterClient attaches the mailbox consumer for a stream.
func (e *Exchange) RegisterClient(stream proto.StreamType, client Client) {
	e.mailbox.Send(func() {
		e.streams[stream].client = client
	})
}

// Start notifies every registered stream client that the exchange is
// running.
func (e *Exchange) Start() {
	e.mailbox.Send(func() {
		for _, s := range e.streams {
			if s.client != nil {
				s.client.OnStart()
			}
		}
	})
}

// Stop cancels all pending retransmission timers and clears every queue.
func (e *Exchange) Stop() {
	e.mailbox.Send(func() {
		for _, s := range e.streams {
			e.disarm(s)
			s.queue = nil
		}
	})
}

// SendUnreliable frames payload as an unreliable packet and hands it
// straight to the transport; no bookkeeping, no receipt expected.
func (e *Exchange) SendUnreliable(stream proto.StreamType, payload []byte) {
	e.mailbox.Send(func() {
		s := e.streams[stream]
		counter := s.unreliableCnt
		s.unreliableCnt++
		e.sendFramed(proto.Header{
			Direction:  proto.Uplink,
			PacketType: proto.Unreliable,
			Stream:     stream,
			DeviceID:   e.deviceID,
			Counter:    counter,
		}, payload)
	})
}

// SendReliable enqueues payload as a reliable packet on stream. If nothing
// was already in flight, it is transmitted immediately and a
// retransmission timer is armed; otherwise it waits its turn behind the
// packet currently in flight.
func (e *Exchange) SendReliable(stream proto.StreamType, payload []byte) {
	e.mailbox.Send(func() {
		s := e.streams[stream]
		wasEmpty := len(s.queue) == 0
		s.queue = append(s.queue, queuedPacket{payload: payload})
		if wasEmpty {
			e.armHead(s)
		}
	})
}

// armHead transmits the current queue head under s.reliableCounter, marks
// it as the in-flight headCounter, and arms the retransmission timer.
func (e *Exchange) armHead(s *streamState) {
	if len(s.queue) == 0 {
		return
	}
	s.headCounter = s.reliableCounter
	e.transmitHead(s)
	e.rearm(s)
}

func (e *Exchange) transmitHead(s *streamState) {
	head := s.queue[0]
	e.sendFramed(proto.Header{
		Direction:  proto.Uplink,
		PacketType: proto.Reliable,
		Stream:     s.stream,
		DeviceID:   e.deviceID,
		Counter:    s.headCounter,
	}, head.payload)
}

func (e *Exchange) disarm(s *streamState) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen.Next()
}

func (e *Exchange) rearm(s *streamState) {
	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.gen.Next()
	s.timer = e.mailbox.AfterFunc(e.cfg.RetransmitInterval, func() {
		e.onRetransmitTimer(s.stream, gen)
	})
}

func (e *Exchange) onRetransmitTimer(stream proto.StreamType, gen uint64) {
	s := e.streams[stream]
	if !s.gen.Matches(gen) {
		return // stale tick
	}
	if len(s.queue) == 0 {
		return
	}
	s.retries++
	if s.retries > e.cfg.MaxRetries {
		e.reportError(wireerr.Fatalf(stream.String(), "retransmission budget exhausted after %d retries", s.retries-1))
		s.queue = nil
		s.retries = 0
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		return
	}
	e.transmitHead(s)
	e.rearm(s)
}

// HandleInboundPayload parses a decoded payload (post frame, pre header)
// and dispatches it to the receiving stream's client or receipt handler.
func (e *Exchange) HandleInboundPayload(payload []byte) {
	e.mailbox.Send(func() {
		e.handleInboundPayload(payload)
	})
}

func (e *Exchange) handleInboundPayload(payload []byte) {
	r := wire.NewReader(payload)
	h, body, ok := proto.Decode(r)
	if !ok {
		e.reportError(wireerr.Protocolf("", "malformed payload header"))
		return
	}
	if h.DeviceID != e.deviceID {
		e.reportError(wireerr.Protocolf(h.Stream.String(), "device id mismatch: got %d want %d", h.DeviceID, e.deviceID))
		return
	}
	s, ok := e.streams[h.Stream]
	if !ok {
		e.reportError(wireerr.Protocolf("", "unknown stream type %d", h.Stream))
		return
	}

	switch h.PacketType {
	case proto.Unreliable:
		if s.client != nil {
			s.client.OnData(h.Stream, body)
		}
	case proto.Reliable:
		e.handleReliableInbound(s, h, body)
	case proto.Receipt:
		e.handleReceipt(s, h, body)
	default:
		e.reportError(wireerr.Protocolf(h.Stream.String(), "unknown packet type %d", h.PacketType))
	}
}

func (e *Exchange) handleReliableInbound(s *streamState, h proto.Header, body []byte) {
	switch {
	case h.Counter == s.expectedInbound:
		if s.client != nil {
			s.client.OnData(s.stream, body)
		}
		s.haveInboundOk = true
		s.lastInboundOkCtr = h.Counter
		e.sendReceipt(s, proto.Ok, h.Counter, nil)
		s.expectedInbound++
	case counterOlder(h.Counter, s.expectedInbound):
		if s.haveInboundOk {
			e.sendReceipt(s, proto.Ok, s.lastInboundOkCtr, nil)
		}
	default: // newer than expected
		e.sendReceipt(s, proto.CounterCorrection, s.expectedInbound, encodeVarUint(uint64(s.expectedInbound)))
	}
}

func (e *Exchange) handleReceipt(s *streamState, h proto.Header, body []byte) {
	r := wire.NewReader(body)
	rtVal, ok := r.ReadVarUint()
	if !ok {
		e.reportError(wireerr.Protocolf(s.stream.String(), "malformed receipt body"))
		return
	}
	rt := proto.ReceiptType(rtVal)

	if len(s.queue) == 0 {
		return // nothing in flight, stale or spurious receipt
	}

	switch rt {
	case proto.Ok:
		if h.Counter != s.headCounter {
			return
		}
		s.queue = s.queue[1:]
		s.reliableCounter = s.headCounter + 1
		s.retries = 0
		e.disarm(s)
		if len(s.queue) > 0 {
			e.armHead(s)
		}
	case proto.PacketError, proto.PayloadError:
		if h.Counter != s.headCounter {
			return
		}
		e.transmitHead(s)
		e.rearm(s)
	case proto.CounterCorrection:
		newCounter, ok := r.ReadVarUint()
		if !ok {
			e.reportError(wireerr.Sequencef(s.stream.String(), "malformed counter correction body"))
			return
		}
		s.reliableCounter = uint16(newCounter)
		s.headCounter = s.reliableCounter
		s.retries = 0
		e.transmitHead(s)
		e.rearm(s)
	default:
		e.reportError(wireerr.Protocolf(s.stream.String(), "unknown receipt type %d", rt))
	}
}

func (e *Exchange) sendReceipt(s *streamState, rt proto.ReceiptType, counter uint16, extra []byte) {
	buf := make([]byte, 1+wire.MaxVarintBytes+len(extra))
	w := wire.NewWriter(buf)
	w.WriteVarUint(uint64(rt))
	w.WriteBytes(extra)
	e.sendFramed(proto.Header{
		Direction:  proto.Uplink,
		PacketType: proto.Receipt,
		Stream:     s.stream,
		DeviceID:   e.deviceID,
		Counter:    counter,
	}, w.Bytes())
}

func (e *Exchange) sendFramed(h proto.Header, body []byte) {
	buf := make([]byte, frame.MaxPayloadSize)
	w := wire.NewWriter(buf)
	if !proto.Encode(w, h, body) {
		e.reportError(wireerr.Protocolf(h.Stream.String(), "payload too large to frame"))
		return
	}
	framed, ok := frame.EncodeFrame(w.Bytes())
	if !ok {
		e.reportError(wireerr.Protocolf(h.Stream.String(), "framed packet exceeds max payload size"))
		return
	}
	e.sink.Send(framed)
}

func (e *Exchange) reportError(err *wireerr.Error) {
	if e.handler != nil {
		e.handler.OnError(err)
	} else {
		log.Printf("exchange: %v", err)
	}
}

// counterOlder reports whether a is strictly older than b under 16-bit
// wraparound-aware comparison.
func counterOlder(a, b uint16) bool {
	return int16(a-b) < 0
}

func encodeVarUint(v uint64) []byte {
	buf := make([]byte, wire.MaxVarintBytes)
	w := wire.NewWriter(buf)
	w.WriteVarUint(v)
	return w.Bytes()
}
