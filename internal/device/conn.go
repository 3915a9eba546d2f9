package device

import "log"

// Conn is the interface shared by the serial Channel and the Simulator.
// The Manager only needs the Link half; the Controller also drives the
// connection lifecycle.
type Conn interface {
	Link
	// Name returns a human-readable name for the backend.
	Name() string
	// Open connects to port, closing any previous connection first.
	Open(port string) error
	// Close releases the connection. Safe to call when already closed.
	Close() error
	// ListPorts enumerates the ports Open accepts.
	ListPorts() ([]PortInfo, error)
}

// Link is the line-oriented byte transport a Manager transacts over.
type Link interface {
	IsOpen() bool
	// WriteLine appends the line terminator and writes every byte.
	WriteLine(text string) error
	// DrainRead returns the buffered input as trimmed text, or "" when
	// nothing arrived within the read timeout. A call blocks for at most
	// the read timeout plus the time to receive one bounded chunk of input,
	// so a transaction is bounded by attempts times that.
	DrainRead() (string, error)
}

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Sink receives the human-readable status lines the core emits:
// connects, disconnects, every transaction attempt and every validation
// failure. It only consumes lines; storage and display are its own concern.
type Sink interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// StdSink writes status lines to the standard logger.
type StdSink struct{}

func (StdSink) Infof(format string, args ...any)  { log.Printf("[device] "+format, args...) }
func (StdSink) Errorf(format string, args ...any) { log.Printf("[device] ERROR "+format, args...) }
