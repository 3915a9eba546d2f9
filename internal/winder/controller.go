// Package winder is the operator-facing facade over the device transaction
// layer: connection lifecycle, reads and writes, polling and the rolling
// readings of every quantity.
package winder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/fiberwinder/internal/device"
	"github.com/shaunagostinho/fiberwinder/internal/history"
	"github.com/shaunagostinho/fiberwinder/internal/poll"
)

// Config holds controller settings.
type Config struct {
	Attempts int                // reads per transaction, 0 for the default
	Scales   map[string]float64 // extra per-quantity unit scales
	Catalog  *Catalog           // nil for DefaultCatalog
	// UnlockOnConnect writes pot_wp_1 after connecting so the digital
	// potentiometers accept speed changes.
	UnlockOnConnect bool
}

// Update is published for every sample recorded into a history.
type Update struct {
	Quantity string          `json:"quantity"`
	Reading  history.Reading `json:"reading"`
	Status   device.Status   `json:"status"`
	Response string          `json:"response,omitempty"`
	Stamp    int64           `json:"stamp"` // Unix ms
}

// Controller ties the connection, the transaction manager, the histories
// and the poll scheduler together.
type Controller struct {
	conn    device.Conn
	tx      *device.Manager
	book    *history.Book
	sched   *poll.Scheduler
	sink    device.Sink
	catalog Catalog
	unlock  bool

	mu   sync.Mutex
	port string

	obsMu     sync.RWMutex
	observers []func(Update)
}

// New creates a Controller over conn. Poll tasks stop when ctx ends.
func New(ctx context.Context, cfg Config, conn device.Conn, sink device.Sink) *Controller {
	if sink == nil {
		sink = device.StdSink{}
	}
	catalog := DefaultCatalog()
	if cfg.Catalog != nil {
		catalog = *cfg.Catalog
	}
	c := &Controller{
		conn:    conn,
		tx:      device.NewManager(conn, sink, cfg.Attempts),
		book:    history.NewBook(cfg.Scales),
		sink:    sink,
		catalog: catalog,
		unlock:  cfg.UnlockOnConnect,
	}
	c.sched = poll.NewScheduler(ctx, c.pollOnce)
	return c
}

// Subscribe registers fn to receive every Update. fn runs on the goroutine
// that recorded the sample and must not block.
func (c *Controller) Subscribe(fn func(Update)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

// Catalog returns the command catalog in use.
func (c *Controller) Catalog() Catalog { return c.catalog }

// Backend names the connection backend.
func (c *Controller) Backend() string { return c.conn.Name() }

// ListPorts enumerates the ports Connect accepts.
func (c *Controller) ListPorts() ([]device.PortInfo, error) {
	return c.conn.ListPorts()
}

// Connect opens port, replacing any current connection. It waits for an
// in-flight transaction to finish before touching the connection.
func (c *Controller) Connect(port string) error {
	c.mu.Lock()
	var err error
	c.tx.Exclusive(func() { err = c.conn.Open(port) })
	if err != nil {
		c.port = ""
		c.mu.Unlock()
		c.sink.Errorf("connect to %s failed: %v", port, err)
		return err
	}
	c.port = port
	c.mu.Unlock()

	c.sink.Infof("connected to %s", port)
	if c.unlock {
		if out := c.SendWrite("pot_wp", 1); !out.Acked() {
			c.sink.Errorf("potentiometer unlock not acknowledged (%s)", out.Status)
		}
	}
	return nil
}

// Disconnect closes the connection. Poll tasks keep running and report
// NotConnected until the next Connect.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.tx.Exclusive(func() { err = c.conn.Close() })
	if c.port != "" {
		c.sink.Infof("disconnected from %s", c.port)
	}
	c.port = ""
	return err
}

// Connected reports whether the connection is open.
func (c *Controller) Connected() bool { return c.conn.IsOpen() }

// Port returns the port passed to the last successful Connect.
func (c *Controller) Port() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// SendRead reads name and records its value. A reply that does not parse,
// or that did not validate against name, still advances the history with
// the last known sample.
func (c *Controller) SendRead(name string) device.Outcome {
	out := c.tx.Execute(device.Read(name))
	if !out.HasText() {
		return out
	}

	var raw string
	if out.OK() {
		var err error
		if raw, err = device.ExtractValue(out.Response); err != nil {
			c.sink.Errorf("parse %s reply %q: %v", name, out.Response, err)
		}
	}
	c.publish(name, c.book.Record(name, raw), out)
	return out
}

// SendCommand sends a free-form console line as typed. Catalog reads go
// through SendRead and "register_value" lines through SendWrite, without
// range checks; any other line is only exchanged and reported.
func (c *Controller) SendCommand(line string) (device.Outcome, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return device.Outcome{}, ErrEmptyCommand
	}
	if c.catalog.Readable(line) {
		return c.SendRead(line), nil
	}
	if i := strings.LastIndex(line, "_"); i > 0 {
		if _, ok := c.catalog.Writes[line[:i]]; ok {
			if v, err := strconv.Atoi(line[i+1:]); err == nil {
				return c.SendWrite(line[:i], v), nil
			}
		}
	}
	return c.tx.Execute(device.Read(line)), nil
}

// SendWrite sets name to value. The value is recorded only when the
// controller acknowledges it.
func (c *Controller) SendWrite(name string, value int) device.Outcome {
	out := c.tx.Execute(device.Write(name, value))
	switch {
	case out.Acked():
		c.publish(name, c.book.Record(name, strconv.Itoa(value)), out)
	case out.HasText():
		c.sink.Errorf("write %s not acknowledged: %s", out.Command, out.Response)
	}
	return out
}

// Write validates value against the catalog and sends it.
func (c *Controller) Write(name string, value int) (device.Outcome, error) {
	if err := c.catalog.Validate(name, value); err != nil {
		return device.Outcome{}, err
	}
	out := c.SendWrite(name, value)
	return out, out.Err()
}

// ReadAll reads every catalog read command in order.
func (c *Controller) ReadAll() []device.Outcome {
	outs := make([]device.Outcome, 0, len(c.catalog.Reads))
	for _, name := range c.catalog.Reads {
		outs = append(outs, c.SendRead(name))
	}
	return outs
}

// SetPolling starts or stops the poll task of quantity. Enabling a quantity
// that is already polled keeps the running task and its policy.
func (c *Controller) SetPolling(quantity string, enabled bool, policy poll.Policy) error {
	if quantity == "" {
		return errors.New("winder: empty quantity")
	}
	if !enabled {
		c.sched.Disable(quantity)
		return nil
	}
	_, err := c.sched.Enable(quantity, policy)
	return err
}

// Polling lists the quantities being polled.
func (c *Controller) Polling() []string { return c.sched.Active() }

// PollingPolicy returns the policy quantity is polled with.
func (c *Controller) PollingPolicy(quantity string) (poll.Policy, bool) {
	return c.sched.Policy(quantity)
}

// Latest returns the current value of quantity and its moving averages.
func (c *Controller) Latest(quantity string) (history.Reading, bool) {
	return c.book.Latest(quantity)
}

// Readings returns the current reading of every quantity seen so far.
func (c *Controller) Readings() map[string]history.Reading { return c.book.Snapshot() }

// Direction is a stepper motor's rotation setting.
type Direction string

const (
	DirCW   Direction = "cw"
	DirCCW  Direction = "ccw"
	DirStop Direction = "stop"
)

// ParseDirection accepts "cw", "ccw" and "stop" in any case.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DirCW, DirCCW, DirStop:
		return d, nil
	}
	return "", fmt.Errorf("winder: unknown direction %q", s)
}

// SetDirection sets motor's rotation. The opposite direction is always
// cleared before the new one is set, so the driver never sees both.
func (c *Controller) SetDirection(motor int, dir Direction) error {
	if err := checkMotor(motor); err != nil {
		return err
	}
	cw, ccw := fmt.Sprintf("sm%d_cw", motor), fmt.Sprintf("sm%d_ccw", motor)

	var steps [2]struct {
		name  string
		value int
	}
	switch dir {
	case DirCW:
		steps[0].name, steps[0].value = ccw, 0
		steps[1].name, steps[1].value = cw, 1
	case DirCCW:
		steps[0].name, steps[0].value = cw, 0
		steps[1].name, steps[1].value = ccw, 1
	case DirStop:
		steps[0].name, steps[0].value = ccw, 0
		steps[1].name, steps[1].value = cw, 0
	default:
		return fmt.Errorf("winder: unknown direction %q", dir)
	}

	for _, s := range steps {
		if out := c.SendWrite(s.name, s.value); !out.Acked() {
			return fmt.Errorf("winder: set motor %d %s: %w", motor, dir, notAcked(out))
		}
	}
	return nil
}

// SetShutdown drives motor's shutdown line.
func (c *Controller) SetShutdown(motor int, on bool) error {
	if err := checkMotor(motor); err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	if out := c.SendWrite(fmt.Sprintf("sm%d_sd", motor), v); !out.Acked() {
		return fmt.Errorf("winder: motor %d shutdown: %w", motor, notAcked(out))
	}
	return nil
}

// SetSpeed writes a digital potentiometer (0..255).
func (c *Controller) SetSpeed(pot, value int) error {
	name := fmt.Sprintf("pot_%d", pot)
	out, err := c.Write(name, value)
	if err != nil {
		return err
	}
	if !out.Acked() {
		return fmt.Errorf("winder: set %s: %w", name, notAcked(out))
	}
	return nil
}

// ZeroEncoder resets encoder n on the controller and clears its history.
func (c *Controller) ZeroEncoder(n int) error {
	if n != 1 && n != 2 {
		return fmt.Errorf("%w: encoder %d", ErrNoSuchMotor, n)
	}
	name := fmt.Sprintf("encoder_%d", n)
	out := c.tx.Execute(device.Write(name, 0))
	if !out.Acked() {
		return fmt.Errorf("winder: zero %s: %w", name, notAcked(out))
	}
	h := c.book.History(name)
	h.Reset()
	c.publish(name, h.Push(0), out)
	return nil
}

// Close stops all poll tasks and closes the connection.
func (c *Controller) Close() error {
	c.sched.Stop()
	return c.Disconnect()
}

func (c *Controller) pollOnce(quantity string) { c.SendRead(quantity) }

func (c *Controller) publish(quantity string, r history.Reading, out device.Outcome) {
	u := Update{
		Quantity: quantity,
		Reading:  r,
		Status:   out.Status,
		Response: out.Response,
		Stamp:    time.Now().UnixMilli(),
	}
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	for _, fn := range c.observers {
		fn(u)
	}
}

func checkMotor(motor int) error {
	if motor != 1 && motor != 2 {
		return fmt.Errorf("%w: %d", ErrNoSuchMotor, motor)
	}
	return nil
}

func notAcked(out device.Outcome) error {
	if err := out.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %q", errNoAck, out.Response)
}

var errNoAck = errors.New("reply without acknowledgement")
