// Package cmdstate implements the command/telemetry stream client: it
// generalizes a typed command-variant pattern (route-management commands
// in its closest known precedent) into this protocol's small fixed
// command set, and decodes inbound telemetry parameter updates into the
// shared value cache.
package cmdstate

import (
	"fmt"

	"github.com/librescoot/groundcontrol/pkg/cache"
	"github.com/librescoot/groundcontrol/pkg/proto"
	"github.com/librescoot/groundcontrol/pkg/wire"
	"github.com/librescoot/groundcontrol/pkg/wireerr"
)

// CmdKind is the fixed command set sent on the CmdTelem stream.
type CmdKind uint64

const (
	CmdSetProjectAck  CmdKind = 0
	CmdGetMileage     CmdKind = 1
	CmdSetPowerState  CmdKind = 2
	CmdTelemetryEcho  CmdKind = 3
)

// PowerState is the small enumeration SetPowerState carries.
type PowerState uint8

const (
	PowerStandby PowerState = 0
	PowerActive  PowerState = 1
	PowerOff     PowerState = 2
)

// CmdRequest is an outbound command. Only the fields relevant to Kind
// are read.
type CmdRequest struct {
	Kind       CmdKind
	PowerState PowerState
	ParamID    uint64
	Value      []byte
}

// Sender is the Exchange capability CmdState sends reliable commands
// through.
type Sender interface {
	SendReliable(stream proto.StreamType, payload []byte)
}

// ErrorHandler receives decode failures on inbound telemetry.
type ErrorHandler interface {
	OnError(err *wireerr.Error)
}

// CmdState sends commands on the CmdTelem stream and mirrors inbound
// telemetry parameter updates into the shared cache.
type CmdState struct {
	sender  Sender
	handler ErrorHandler
	values  *cache.Cache
}

// New creates a CmdState. values may be nil to disable cache writes
// (useful for tests or a cacheless embedder).
func New(sender Sender, handler ErrorHandler, values *cache.Cache) *CmdState {
	return &CmdState{sender: sender, handler: handler, values: values}
}

// SendCommand encodes req and sends it as a reliable CmdTelem packet.
func (c *CmdState) SendCommand(req CmdRequest) error {
	buf := make([]byte, 1+wire.MaxVarintBytes+len(req.Value))
	w := wire.NewWriter(buf)
	if !w.WriteVarUint(uint64(req.Kind)) {
		return fmt.Errorf("cmdstate: command kind too large to encode")
	}
	switch req.Kind {
	case CmdSetPowerState:
		if !w.WriteByte(byte(req.PowerState)) {
			return fmt.Errorf("cmdstate: failed to encode power state")
		}
	case CmdTelemetryEcho:
		if !w.WriteVarUint(req.ParamID) || !w.WriteBytesLP(req.Value) {
			return fmt.Errorf("cmdstate: failed to encode telemetry echo")
		}
	case CmdGetMileage, CmdSetProjectAck:
		// no body
	default:
		return fmt.Errorf("cmdstate: unknown command kind %d", req.Kind)
	}
	c.sender.SendReliable(proto.CmdTelem, w.Bytes())
	return nil
}

// OnStart satisfies exchange.Client; CmdState has no startup action of
// its own.
func (c *CmdState) OnStart() {}

// OnData decodes an inbound CmdTelem payload as (paramID varuint, value
// length-prefixed bytes) and mirrors it into the cache.
func (c *CmdState) OnData(stream proto.StreamType, body []byte) {
	r := wire.NewReader(body)
	paramID, ok := r.ReadVarUint()
	if !ok {
		c.reportError("received telemetry update with invalid parameter id")
		return
	}
	value, ok := r.ReadBytesLP()
	if !ok {
		c.reportError("received telemetry update with invalid value")
		return
	}
	if c.values == nil {
		return
	}
	if err := c.values.WriteAndPublish(paramID, string(value)); err != nil {
		c.reportError("failed to write telemetry parameter %d: %v", paramID, err)
	}
}

func (c *CmdState) reportError(format string, args ...interface{}) {
	if c.handler == nil {
		return
	}
	c.handler.OnError(wireerr.Protocolf(proto.CmdTelem.String(), format, args...))
}
