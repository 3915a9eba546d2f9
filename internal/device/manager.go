package device

import (
	"errors"
	"fmt"
)

// DefaultAttempts is the number of reads a transaction makes before it
// gives up with NoResponse.
const DefaultAttempts = 3

// Status is the terminal state of one transaction.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
	StatusNoResponse
	StatusNotConnected
	StatusSendError
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusNoResponse:
		return "no-response"
	case StatusNotConnected:
		return "not-connected"
	case StatusSendError:
		return "send-error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusValid; st <= StatusSendError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("device: unknown status %q", b)
}

var (
	ErrNotConnected    = errors.New("device: not connected")
	ErrNoResponse      = errors.New("device: no response")
	ErrInvalidResponse = errors.New("device: invalid response")
	ErrSend            = errors.New("device: send failed")
)

// Outcome is the result of one transaction.
type Outcome struct {
	Command  Command `json:"command"`
	Status   Status  `json:"status"`
	Response string  `json:"response,omitempty"`
	Attempts int     `json:"attempts"`
	Cause    error   `json:"-"`
}

// OK reports whether the response validated against the command.
func (o Outcome) OK() bool { return o.Status == StatusValid }

// HasText reports whether the device replied at all, valid or not.
func (o Outcome) HasText() bool {
	return o.Status == StatusValid || o.Status == StatusInvalid
}

// Acked reports whether a write was acknowledged with "done ok".
func (o Outcome) Acked() bool { return o.Command.Write && o.OK() && Acked(o.Response) }

// Err maps the outcome to a sentinel error, or nil for a valid response.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusValid:
		return nil
	case StatusInvalid:
		return fmt.Errorf("%w to %s: %q", ErrInvalidResponse, o.Command, o.Response)
	case StatusNoResponse:
		return fmt.Errorf("%w to %s after %d attempts", ErrNoResponse, o.Command, o.Attempts)
	case StatusNotConnected:
		return ErrNotConnected
	default:
		return fmt.Errorf("%w: %s: %w", ErrSend, o.Command, o.Cause)
	}
}

// Manager runs request/response transactions over a Link, one at a time.
//
// Responses are matched to commands by substring only, so an interleaved
// reply could validate against the wrong command. The gate makes every
// transaction exclusive and hands it out in arrival order.
type Manager struct {
	gate     chan struct{}
	link     Link
	sink     Sink
	attempts int
}

// NewManager creates a Manager over link. A nil sink logs to the standard
// logger; attempts <= 0 selects DefaultAttempts.
func NewManager(link Link, sink Sink, attempts int) *Manager {
	if sink == nil {
		sink = StdSink{}
	}
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Manager{
		gate:     make(chan struct{}, 1),
		link:     link,
		sink:     sink,
		attempts: attempts,
	}
}

// Execute sends cmd and waits for its reply. It blocks while another
// transaction holds the link.
func (m *Manager) Execute(cmd Command) Outcome {
	m.gate <- struct{}{}
	defer func() { <-m.gate }()

	out := Outcome{Command: cmd}
	if !m.link.IsOpen() {
		m.sink.Errorf("not connected, dropped %s", cmd)
		out.Status = StatusNotConnected
		return out
	}

	if err := m.link.WriteLine(cmd.Encode()); err != nil {
		return m.sendError(out, err)
	}
	m.sink.Infof("sent: %s", cmd)

	for attempt := 1; attempt <= m.attempts; attempt++ {
		out.Attempts = attempt
		resp, err := m.link.DrainRead()
		if err != nil {
			return m.sendError(out, err)
		}
		if resp == "" {
			m.sink.Infof("attempt %d for command %s failed", attempt, cmd)
			continue
		}

		out.Response = resp
		if cmd.Matches(resp) {
			m.sink.Infof("received: %s", resp)
			out.Status = StatusValid
			return out
		}
		m.sink.Errorf("invalid response to %s: %s", cmd, resp)
		out.Status = StatusInvalid
		return out
	}

	m.sink.Errorf("no response to command %s", cmd)
	out.Status = StatusNoResponse
	return out
}

// Exclusive runs fn while holding the transaction gate, so connection
// changes never land in the middle of an exchange.
func (m *Manager) Exclusive(fn func()) {
	m.gate <- struct{}{}
	defer func() { <-m.gate }()
	fn()
}

func (m *Manager) sendError(out Outcome, err error) Outcome {
	if errors.Is(err, ErrNotOpen) {
		m.sink.Errorf("not connected, dropped %s", out.Command)
		out.Status = StatusNotConnected
		return out
	}
	m.sink.Errorf("send error on %s: %v", out.Command, err)
	out.Status = StatusSendError
	out.Cause = err
	return out
}
