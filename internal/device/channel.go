package device

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/atomic"
)

var (
	// ErrNotOpen is returned by channel I/O while no port is open.
	ErrNotOpen = errors.New("device: channel not open")
	// ErrOpenFailed wraps every failure to open a port.
	ErrOpenFailed = errors.New("device: open failed")
)

const (
	// DefaultBaudRate is the winder controller's fixed line rate.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds how long one drain waits for the first byte.
	DefaultReadTimeout = 1 * time.Second

	drainSilence = 20 * time.Millisecond // inter-chunk gap that ends a drain
	drainLimit   = 4096                  // bytes collected per drain at most
)

// ChannelConfig holds serial settings for a Channel.
type ChannelConfig struct {
	Driver      string        `yaml:"driver" json:"driver"` // "bugst" or "tarm"
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

// Channel owns the single serial connection to the winder controller.
//
// Channel serializes handle swaps against reads and writes, but it does not
// correlate requests with responses. Callers that exchange commands must go
// through a Manager.
type Channel struct {
	mu   sync.Mutex
	cfg  ChannelConfig
	name string
	port port
	open atomic.Bool
}

// NewChannel creates a closed Channel.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.Driver == "" {
		cfg.Driver = DriverBugst
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Channel{cfg: cfg}
}

func (c *Channel) Name() string { return "Serial (" + c.cfg.Driver + ")" }

// Port returns the name of the open port, or "" when closed.
func (c *Channel) Port() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// ListPorts enumerates the host's serial ports.
func (c *Channel) ListPorts() ([]PortInfo, error) { return ListPorts() }

// Open closes any existing connection and opens name.
func (c *Channel) Open(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	p, err := openPort(c.cfg.Driver, name, c.cfg.BaudRate, c.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOpenFailed, name, err)
	}
	c.port = p
	c.name = name
	c.open.Store(true)

	// discard anything the controller printed while we were away
	if err := p.ResetInputBuffer(); err != nil {
		log.Printf("[channel] reset input on %s: %v", name, err)
	}
	log.Printf("[channel] opened %s at %d baud (driver=%s)", name, c.cfg.BaudRate, c.cfg.Driver)
	return nil
}

// Close releases the port. It is a no-op when already closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Channel) closeLocked() error {
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	log.Printf("[channel] closed %s", c.name)
	c.port = nil
	c.name = ""
	c.open.Store(false)
	return err
}

func (c *Channel) IsOpen() bool { return c.open.Load() }

// WriteLine writes text plus the line terminator, looping over short writes.
func (c *Channel) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return ErrNotOpen
	}
	buf := []byte(text + "\n")
	for len(buf) > 0 {
		n, err := c.port.Write(buf)
		if err != nil {
			c.noteFailure(err)
			return fmt.Errorf("device: write %s: %w", c.name, err)
		}
		if n == 0 {
			return fmt.Errorf("device: write %s: zero-length write", c.name)
		}
		buf = buf[n:]
	}
	return nil
}

// DrainRead waits up to the read timeout for input, then keeps collecting
// until the line goes quiet for drainSilence or drainLimit bytes are held
// (about 0.36s at 115200 baud). It returns "" when nothing arrived.
func (c *Channel) DrainRead() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return "", ErrNotOpen
	}

	buf := make([]byte, 256)
	n, err := c.port.Read(buf)
	if err != nil {
		c.noteFailure(err)
		return "", fmt.Errorf("device: read %s: %w", c.name, err)
	}
	if n == 0 {
		return "", nil
	}

	resp := make([]byte, 0, 256)
	resp = append(resp, buf[:n]...)

	c.port.SetReadTimeout(drainSilence)
	defer c.port.SetReadTimeout(c.cfg.ReadTimeout)

	for len(resp) < drainLimit {
		n, err := c.port.Read(buf)
		if err != nil {
			c.noteFailure(err)
			return "", fmt.Errorf("device: read %s: %w", c.name, err)
		}
		if n == 0 {
			break
		}
		resp = append(resp, buf[:n]...)
	}

	return strings.TrimSpace(string(resp)), nil
}

// noteFailure marks the channel closed when the error means the device is
// gone, so later transactions report NotConnected instead of retrying a
// dead handle.
func (c *Channel) noteFailure(err error) {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return
	}
	switch portErr.Code() {
	case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort:
		log.Printf("[channel] %s disconnected: %v", c.name, err)
		c.port.Close()
		c.port = nil
		c.name = ""
		c.open.Store(false)
	}
}
