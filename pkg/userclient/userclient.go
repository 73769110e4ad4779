// Package userclient implements the User stream's pass-through client:
// the surface GroundControl routes free-form user traffic through,
// forwarding raw application bytes to and from a channel a CLI or
// embedder can read and write without this module interpreting them.
package userclient

import "github.com/librescoot/groundcontrol/pkg/proto"

// Sender is the Exchange capability UserClient sends through.
type Sender interface {
	SendUnreliable(stream proto.StreamType, payload []byte)
	SendReliable(stream proto.StreamType, payload []byte)
}

// Client forwards raw bytes between the User stream and a Go channel.
type Client struct {
	sender  Sender
	inbound chan []byte
}

// New creates a UserClient with the given inbound buffer depth.
func New(sender Sender, inboundBuffer int) *Client {
	return &Client{
		sender:  sender,
		inbound: make(chan []byte, inboundBuffer),
	}
}

// Inbound returns the channel of bytes received on the User stream, in
// arrival order.
func (c *Client) Inbound() <-chan []byte {
	return c.inbound
}

// SendUnreliable forwards payload to the peer without delivery
// tracking.
func (c *Client) SendUnreliable(payload []byte) {
	c.sender.SendUnreliable(proto.User, payload)
}

// SendReliable forwards payload to the peer with the Exchange's
// counter/receipt tracking.
func (c *Client) SendReliable(payload []byte) {
	c.sender.SendReliable(proto.User, payload)
}

// OnStart satisfies exchange.Client; UserClient has no startup action.
func (c *Client) OnStart() {}

// OnData delivers an inbound User stream payload to Inbound(), dropping
// it if the channel is full rather than blocking the exchange mailbox.
func (c *Client) OnData(stream proto.StreamType, body []byte) {
	payload := append([]byte(nil), body...)
	select {
	case c.inbound <- payload:
	default:
	}
}
