package device

import (
	"errors"
	"fmt"
	"io"
	"time"

	tarm "github.com/tarm/serial"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Supported serial drivers.
const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"
)

// port is the subset of a serial handle the Channel uses.
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// overridable in tests
var (
	openPort = func(driver, name string, baud int, timeout time.Duration) (port, error) {
		switch driver {
		case "", DriverBugst:
			return openBugst(name, baud, timeout)
		case DriverTarm:
			return openTarm(name, baud, timeout)
		default:
			return nil, fmt.Errorf("unknown serial driver %q", driver)
		}
	}
	detailedPorts = enumerator.GetDetailedPortsList
	portNames     = serial.GetPortsList
)

func openBugst(name string, baud int, timeout time.Duration) (port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return p, nil
}

// tarmSlice is the read timeout the tarm port is opened with. tarm fixes
// the timeout at open time, so longer waits are polled in slices of it.
const tarmSlice = 50 * time.Millisecond

type tarmPort struct {
	p       *tarm.Port
	timeout time.Duration
}

func openTarm(name string, baud int, timeout time.Duration) (port, error) {
	p, err := tarm.OpenPort(&tarm.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
		ReadTimeout: tarmSlice,
	})
	if err != nil {
		return nil, err
	}
	return &tarmPort{p: p, timeout: timeout}, nil
}

func (t *tarmPort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(t.timeout)
	for {
		n, err := t.p.Read(b)
		if n > 0 {
			return n, nil
		}
		// tarm reports an expired read timeout as io.EOF
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, nil
		}
	}
}

func (t *tarmPort) Write(b []byte) (int, error) { return t.p.Write(b) }

func (t *tarmPort) SetReadTimeout(d time.Duration) error {
	t.timeout = d
	return nil
}

func (t *tarmPort) ResetInputBuffer() error { return t.p.Flush() }
func (t *tarmPort) Close() error            { return t.p.Close() }

// ListPorts enumerates the serial ports present on the host. USB details are
// filled in when the platform enumerator supports them.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPorts()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return ports, nil
	}

	names, nerr := portNames()
	if nerr != nil {
		return nil, fmt.Errorf("device: enumerate ports: %w", errors.Join(err, nerr))
	}
	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	return ports, nil
}
