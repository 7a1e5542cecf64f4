// Package console is the operator transport: a byte stream in, menu text
// out. Input may also be injected by other surfaces (web, MQTT, scripts);
// all of it lands in the same single-byte queue.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const inputBuffer = 64

// Console implements the transport collaborator.
type Console struct {
	logger *slog.Logger
	in     chan byte
	src    io.Reader
	closer io.Closer

	outMu  sync.Mutex
	out    io.Writer
	sinks  map[int]io.Writer
	nextID int

	enabled atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a console reading operator bytes from in (may be nil) and
// writing menu text to out.
func New(in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	c := &Console{
		logger: logger.With("component", "console"),
		in:     make(chan byte, inputBuffer),
		src:    in,
		out:    out,
		sinks:  make(map[int]io.Writer),
		done:   make(chan struct{}),
	}
	c.enabled.Store(true)
	if in != nil {
		c.wg.Add(1)
		go c.readLoop()
	}
	return c
}

// OpenSerial opens an operator UART.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*Console, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("console: open %s: %w", portName, err)
	}
	c := New(port, port, logger)
	c.closer = port
	return c, nil
}

func (c *Console) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 64)
	for {
		n, err := c.src.Read(buf)
		for _, b := range buf[:n] {
			c.push(b)
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				if err != io.EOF {
					c.logger.Error("console read error", "err", err)
				}
			}
			return
		}
	}
}

func (c *Console) push(b byte) bool {
	if !c.enabled.Load() {
		return false
	}
	select {
	case c.in <- b:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Debug("console input dropped", "byte", b)
		return false
	}
}

// Input delivers received bytes one at a time.
func (c *Console) Input() <-chan byte {
	return c.in
}

// Feed injects bytes as if typed by the operator. It reports how many
// were queued.
func (c *Console) Feed(p ...byte) int {
	n := 0
	for _, b := range p {
		if c.push(b) {
			n++
		}
	}
	return n
}

// ReadByteTimeout waits up to d for one byte. A zero d polls.
func (c *Console) ReadByteTimeout(d time.Duration) (byte, bool) {
	if d <= 0 {
		select {
		case b := <-c.in:
			return b, true
		default:
			return 0, false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case b := <-c.in:
		return b, true
	case <-t.C:
		return 0, false
	case <-c.done:
		return 0, false
	}
}

// Write sends p to the operator and every sink.
func (c *Console) Write(p []byte) (int, error) {
	if !c.enabled.Load() {
		return len(p), nil
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	for _, s := range c.sinks {
		s.Write(p)
	}
	if c.out == nil {
		return len(p), nil
	}
	return c.out.Write(p)
}

// Printf formats operator text.
func (c *Console) Printf(format string, args ...any) {
	fmt.Fprintf(c, format, args...)
}

// AddSink mirrors operator output to w until the returned func is called.
func (c *Console) AddSink(w io.Writer) (remove func()) {
	c.outMu.Lock()
	id := c.nextID
	c.nextID++
	c.sinks[id] = w
	c.outMu.Unlock()
	return func() {
		c.outMu.Lock()
		delete(c.sinks, id)
		c.outMu.Unlock()
	}
}

// Deinit stops the transport before sleep: input is discarded and output
// suppressed until Init.
func (c *Console) Deinit() {
	c.enabled.Store(false)
	for {
		select {
		case <-c.in:
		default:
			return
		}
	}
}

// Init restarts the transport after wake.
func (c *Console) Init() {
	c.enabled.Store(true)
}

// Close stops the reader and closes the underlying port, if owned.
func (c *Console) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
			c.wg.Wait()
		}
	})
	return err
}
