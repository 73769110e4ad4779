// Package groundcontrol implements GroundControl, the top-level actor
// that owns the inbound byte buffer, runs the framer over it, and routes
// complete payloads to the Exchange, mirroring the classic
// acceptData/acceptPacket/findPacket loop over this module's framer and
// exchange packages.
package groundcontrol

import (
	"log"

	"github.com/librescoot/groundcontrol/pkg/actor"
	"github.com/librescoot/groundcontrol/pkg/frame"
	"github.com/librescoot/groundcontrol/pkg/project"
	"github.com/librescoot/groundcontrol/pkg/proto"
	"github.com/librescoot/groundcontrol/pkg/wireerr"
)

// Exchange is the capability set GroundControl drives: handing off
// decoded payloads, starting/stopping, and unreliable sends routed on
// its behalf.
type Exchange interface {
	HandleInboundPayload(payload []byte)
	SendUnreliable(stream proto.StreamType, payload []byte)
	SendReliable(stream proto.StreamType, payload []byte)
	Start()
	Stop()
}

// ProjectSubscriber is notified when FwtClient publishes a newly
// verified (or cached) project.
type ProjectSubscriber interface {
	SetProject(proj *project.Project, dev project.Device)
}

// ErrorHandler receives framing-level errors.
type ErrorHandler interface {
	OnError(err *wireerr.Error)
}

// GroundControl accumulates inbound transport bytes, frames them, and
// dispatches complete packets to the Exchange.
type GroundControl struct {
	mailbox *actor.Mailbox
	exc     Exchange
	handler ErrorHandler
	subs    []ProjectSubscriber

	incoming []byte
	running  bool

	loggingEnabled bool
}

// New creates a GroundControl wired to the given Exchange.
func New(exc Exchange, handler ErrorHandler) *GroundControl {
	return &GroundControl{
		mailbox: actor.NewMailbox(64),
		exc:     exc,
		handler: handler,
	}
}

// Subscribe registers a ProjectSubscriber to be notified of SetProject
// calls (e.g. CmdState, a metrics layer, or the CLI wiring).
func (g *GroundControl) Subscribe(sub ProjectSubscriber) {
	g.mailbox.Send(func() {
		g.subs = append(g.subs, sub)
	})
}

// Start marks GroundControl running and propagates Start to the
// Exchange (and, through it, to every registered stream client).
func (g *GroundControl) Start() {
	g.mailbox.Send(func() {
		g.running = true
		g.exc.Start()
		g.drain()
	})
}

// Stop marks GroundControl stopped and propagates Stop to the Exchange.
func (g *GroundControl) Stop() {
	g.mailbox.Send(func() {
		g.running = false
		g.exc.Stop()
	})
}

// EnableLogging toggles whether decoded packets are logged.
func (g *GroundControl) EnableLogging(enabled bool) {
	g.mailbox.Send(func() {
		g.loggingEnabled = enabled
	})
}

// SetProject publishes proj/dev to every registered subscriber.
func (g *GroundControl) SetProject(proj *project.Project, dev project.Device) {
	g.mailbox.Send(func() {
		for _, sub := range g.subs {
			sub.SetProject(proj, dev)
		}
	})
}

// SendUnreliablePacket routes an unreliable send request to the
// Exchange on behalf of an embedder.
func (g *GroundControl) SendUnreliablePacket(stream proto.StreamType, payload []byte) {
	g.mailbox.Send(func() {
		g.exc.SendUnreliable(stream, payload)
	})
}

// SendReliablePacket routes a reliable send request to the Exchange.
func (g *GroundControl) SendReliablePacket(stream proto.StreamType, payload []byte) {
	g.mailbox.Send(func() {
		g.exc.SendReliable(stream, payload)
	})
}

// RecvData appends newly arrived transport bytes and drains as many
// complete packets as the buffer holds, mirroring
// GroundControl::acceptData's begin-label loop.
func (g *GroundControl) RecvData(data []byte) {
	g.mailbox.Send(func() {
		g.incoming = append(g.incoming, data...)
		if !g.running {
			return
		}
		g.drain()
	})
}

func (g *GroundControl) drain() {
	for {
		if len(g.incoming) == 0 {
			return
		}
		rv := frame.FindPacket(g.incoming)
		if rv.DataSize > 0 {
			packet := g.incoming[rv.JunkSize : rv.JunkSize+rv.DataSize]
			if g.acceptPacket(packet) {
				g.incoming = g.incoming[rv.JunkSize+rv.DataSize:]
			} else {
				g.incoming = g.incoming[rv.JunkSize+1:]
			}
			continue
		}
		if rv.JunkSize > 0 {
			g.incoming = g.incoming[rv.JunkSize:]
		}
		return
	}
}

// acceptPacket extracts the payload from a framed packet and hands it to
// the Exchange. It returns false (so the caller drops one byte and
// resumes search) on any decode failure.
func (g *GroundControl) acceptPacket(packet []byte) bool {
	payload, ok := frame.DecodePayload(packet)
	if !ok {
		g.reportError("received packet with invalid framing")
		return false
	}
	if g.loggingEnabled {
		log.Printf("groundcontrol: received %d byte payload", len(payload))
	}
	g.exc.HandleInboundPayload(payload)
	return true
}

func (g *GroundControl) reportError(msg string) {
	if g.handler != nil {
		g.handler.OnError(wireerr.Framef("", "%s", msg))
	} else {
		log.Printf("groundcontrol: %s", msg)
	}
}
