// Package transport implements the byte-oriented links GroundControl can
// run over: a serial port (go.bug.st/serial) and a UDP socket for
// bench/simulator use. Both read in a dedicated goroutine and hand
// complete reads to a callback.
package transport

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte-oriented link GroundControl reads from and
// writes framed packets to.
type Transport interface {
	// Write sends data to the peer.
	Write(data []byte) error
	// Close stops the read loop and releases the underlying link.
	Close() error
}

// SerialTransport reads the nRF/peer link over a serial port.
type SerialTransport struct {
	port     serial.Port
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// SerialConfig parameterizes a serial link.
type SerialConfig struct {
	Device   string
	BaudRate int
}

// NewSerial opens cfg.Device at cfg.BaudRate and starts a read loop
// delivering bytes to onData.
func NewSerial(cfg SerialConfig, onData func([]byte)) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open serial port %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: failed to set read timeout: %w", err)
	}

	t := &SerialTransport{
		port:     port,
		stopChan: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop(onData)
	return t, nil
}

func (t *SerialTransport) readLoop(onData func([]byte)) {
	defer t.wg.Done()

	buf := make([]byte, 256)
	log.Printf("transport: starting serial read loop")

	for {
		select {
		case <-t.stopChan:
			return
		default:
			n, err := t.port.Read(buf)
			if err != nil {
				log.Printf("transport: serial read error: %v", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if n == 0 {
				continue
			}
			onData(append([]byte(nil), buf[:n]...))
		}
	}
}

// Write sends data over the serial port.
func (t *SerialTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.port.Write(data)
	return err
}

// Close stops the read loop and closes the serial port.
func (t *SerialTransport) Close() error {
	close(t.stopChan)
	t.wg.Wait()
	return t.port.Close()
}

// UDPTransport carries framed packets over a connected UDP socket, for
// bench and simulator use where no physical serial link is available.
type UDPTransport struct {
	conn     *net.UDPConn
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewUDP dials remoteAddr over UDP and starts a read loop delivering
// datagrams to onData.
func NewUDP(remoteAddr string, onData func([]byte)) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to resolve %s: %w", remoteAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to dial %s: %w", remoteAddr, err)
	}

	t := &UDPTransport{
		conn:     conn,
		stopChan: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop(onData)
	return t, nil
}

func (t *UDPTransport) readLoop(onData func([]byte)) {
	defer t.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-t.stopChan:
			return
		default:
			t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, err := t.conn.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				log.Printf("transport: udp read error: %v", err)
				continue
			}
			if n == 0 {
				continue
			}
			onData(append([]byte(nil), buf[:n]...))
		}
	}
}

// Write sends a single datagram to the peer.
func (t *UDPTransport) Write(data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

// Close stops the read loop and closes the socket.
func (t *UDPTransport) Close() error {
	close(t.stopChan)
	t.wg.Wait()
	return t.conn.Close()
}
