package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	// pollInterval is the read timeout used while waiting for a frame.
	pollInterval = 100 * time.Millisecond

	// DefaultInterByteTimeout drops a partial frame when the line stays
	// silent for this long.
	DefaultInterByteTimeout = time.Second
)

// ErrTimeout is matched by every timeout returned from a Port.
var ErrTimeout = errors.New("serial timeout")

// TimeoutError reports a receive or transmit that did not finish in time.
type TimeoutError struct {
	Op   string
	Got  int
	Want int
	Err  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s timed out after %d of %d bytes", e.Op, e.Got, e.Want)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Timeout reports true.
func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}

// Port wraps a serial port or a TCP connection carrying the OTA stream.
type Port struct {
	rw        io.ReadWriteCloser
	tty       serial.Port
	conn      net.Conn
	portName  string
	baudRate  int
	interByte time.Duration

	// inflight holds the result of a write abandoned by Transmit. The next
	// Transmit waits for it so two writes never overlap on the line.
	inflight chan writeResult
}

type writeResult struct {
	n   int
	err error
}

// Open opens a link by name. "tcp:host:port" dials a TCP endpoint,
// "listen:addr" waits for one incoming TCP connection, anything else is a
// serial device opened at baudRate.
func Open(portName string, baudRate int) (*Port, error) {
	switch {
	case strings.HasPrefix(portName, "tcp:"):
		return Dial(strings.TrimPrefix(portName, "tcp:"))
	case strings.HasPrefix(portName, "listen:"):
		return Listen(strings.TrimPrefix(portName, "listen:"))
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	// Set read timeout
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		rw:        port,
		tty:       port,
		portName:  portName,
		baudRate:  baudRate,
		interByte: DefaultInterByteTimeout,
	}, nil
}

// IsListenAddr reports whether Open will wait for an incoming connection.
func IsListenAddr(portName string) bool {
	return strings.HasPrefix(portName, "listen:")
}

// Dial connects to a TCP endpoint, e.g. a serial-to-network bridge.
func Dial(addr string) (*Port, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewConnPort(conn, "tcp:"+addr), nil
}

// Listen accepts a single TCP connection on addr.
func Listen(addr string) (*Port, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("failed to accept on %s: %w", addr, err)
	}
	return NewConnPort(conn, "listen:"+addr), nil
}

// NewConnPort wraps an established network connection.
func NewConnPort(conn net.Conn, name string) *Port {
	return &Port{
		rw:        conn,
		conn:      conn,
		portName:  name,
		interByte: DefaultInterByteTimeout,
	}
}

// SetInterByteTimeout sets how long a partially received frame may stall.
func (p *Port) SetInterByteTimeout(d time.Duration) {
	if d > 0 {
		p.interByte = d
	}
}

// Close closes the port.
func (p *Port) Close() error {
	if p.rw != nil {
		return p.rw.Close()
	}
	return nil
}

// Write writes data to the port.
func (p *Port) Write(data []byte) (int, error) {
	return p.rw.Write(data)
}

// Read reads data from the port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.rw.Read(buf)
}

// ReadWithTimeout reads data with a specific timeout. A timeout is reported
// as (0, nil), like go.bug.st/serial does.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if p.conn != nil {
		if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
		n, err := p.conn.Read(buf)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, err
	}

	if err := p.tty.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.tty.SetReadTimeout(pollInterval)

	return p.tty.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	if p.tty != nil {
		return p.tty.ResetInputBuffer()
	}
	return nil
}

// Receive fills buf completely. It waits for the first byte until ctx is
// done; once a frame has started, a silence longer than the inter-byte
// timeout drops it with a TimeoutError.
func (p *Port) Receive(ctx context.Context, buf []byte) error {
	filled := 0
	last := time.Now()

	for filled < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := p.ReadWithTimeout(buf[filled:], pollInterval)
		if n > 0 {
			filled += n
			last = time.Now()
		}
		if err != nil {
			return err
		}

		if n == 0 && filled > 0 && time.Since(last) > p.interByte {
			return &TimeoutError{Op: "receive", Got: filled, Want: len(buf)}
		}
	}

	return nil
}

// Transmit writes data and blocks until it is accepted or ctx is done.
func (p *Port) Transmit(ctx context.Context, data []byte) error {
	if p.inflight != nil {
		select {
		case <-p.inflight:
			p.inflight = nil
		case <-ctx.Done():
			return &TimeoutError{Op: "transmit", Want: len(data), Err: ctx.Err()}
		}
	}

	if p.conn != nil {
		// Zero deadline when ctx has none
		deadline, _ := ctx.Deadline()
		if err := p.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}

	done := make(chan writeResult, 1)
	go func() {
		n, err := p.rw.Write(data)
		done <- writeResult{n, err}
	}()

	select {
	case r := <-done:
		var ne net.Error
		if errors.As(r.err, &ne) && ne.Timeout() {
			return &TimeoutError{Op: "transmit", Got: r.n, Want: len(data), Err: r.err}
		}
		if r.err != nil {
			return r.err
		}
		if r.n != len(data) {
			return fmt.Errorf("short write: %d of %d bytes", r.n, len(data))
		}
		if p.tty != nil {
			return p.tty.Drain()
		}
		return nil
	case <-ctx.Done():
		p.inflight = done
		return &TimeoutError{Op: "transmit", Want: len(data), Err: ctx.Err()}
	}
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate, zero for network links.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
