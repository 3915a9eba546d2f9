package device

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimPort is the only port name the Simulator enumerates.
const SimPort = "sim0"

// SimConfig tunes the simulated controller.
type SimConfig struct {
	Latency     time.Duration // delay before a reply becomes readable
	DropRate    float64       // probability [0,1] that a command gets no reply
	ReadTimeout time.Duration // how long DrainRead waits for a reply
	Seed        int64
}

// Simulator is an in-process winder controller that speaks the line
// protocol. It backs demo mode and the tests of the layers above the
// Channel.
type Simulator struct {
	mu      sync.Mutex
	cfg     SimConfig
	rng     *rand.Rand
	open    bool
	regs    map[string]int
	pending []simReply
	load    float64 // accumulated tension on the load cell
	last    time.Time
}

type simReply struct {
	text    string
	readyAt time.Time
}

// simRegisters lists every register the controller firmware exposes, with
// its power-on value.
var simRegisters = map[string]int{
	"smc124_clk": 50, "smc124_dir": 0, "smc124_en": 0,
	"sm1_sd": 0, "sm1_ccw": 0, "sm1_cw": 0,
	"sm2_sd": 0, "sm2_ccw": 0, "sm2_cw": 0,
	"led_blue": 0, "led_green": 0,
	"zero_1": 0, "zero_2": 0,
	"pot_1": 255, "pot_2": 255, "pot_3": 255, "pot_4": 255, "pot_wp": 0,
	"hx_gain": 64, "hx_read": 0,
	"encoder_1": 0, "encoder_2": 0,
}

// NewSimulator creates a closed Simulator.
func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	regs := make(map[string]int, len(simRegisters))
	for k, v := range simRegisters {
		regs[k] = v
	}
	return &Simulator{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(seed)),
		regs: regs,
	}
}

func (s *Simulator) Name() string { return "Simulator" }

func (s *Simulator) ListPorts() ([]PortInfo, error) {
	return []PortInfo{{Name: SimPort, Product: "simulated winder"}}, nil
}

func (s *Simulator) Open(port string) error {
	if port != SimPort {
		return fmt.Errorf("%w: %s: no such simulated port", ErrOpenFailed, port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.pending = nil
	s.last = time.Now()
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.pending = nil
	return nil
}

func (s *Simulator) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Register returns the current value of a register.
func (s *Simulator) Register(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.regs[name]
	return v, ok
}

func (s *Simulator) WriteLine(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}

	s.advance()
	reply := s.handle(strings.TrimSpace(text))
	if s.cfg.DropRate > 0 && s.rng.Float64() < s.cfg.DropRate {
		return nil
	}
	s.pending = append(s.pending, simReply{text: reply, readyAt: time.Now().Add(s.cfg.Latency)})
	return nil
}

func (s *Simulator) DrainRead() (string, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return "", ErrNotOpen
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		time.Sleep(s.cfg.ReadTimeout)
		return "", nil
	}
	wait := time.Until(s.pending[0].readyAt)
	s.mu.Unlock()

	if wait > s.cfg.ReadTimeout {
		time.Sleep(s.cfg.ReadTimeout)
		return "", nil
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// everything already buffered comes back in one drain
	now := time.Now()
	var lines []string
	for len(s.pending) > 0 && !s.pending[0].readyAt.After(now) {
		lines = append(lines, s.pending[0].text)
		s.pending = s.pending[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// handle applies one command line and returns the reply text.
func (s *Simulator) handle(line string) string {
	if _, ok := s.regs[line]; ok {
		return fmt.Sprintf("%s val=%s", line, s.readValue(line))
	}

	i := strings.LastIndex(line, "_")
	if i > 0 {
		name, raw := line[:i], line[i+1:]
		if _, ok := s.regs[name]; ok {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Sprintf("%s bad value %q", name, raw)
			}
			s.regs[name] = v
			return fmt.Sprintf("%s %d %s", name, v, AckToken)
		}
	}
	return "unknown command"
}

func (s *Simulator) readValue(name string) string {
	if name == "hx_read" {
		noise := s.rng.NormFloat64() * 3
		return strconv.Itoa(int(math.Round(8400 + s.load + noise)))
	}
	return strconv.Itoa(s.regs[name])
}

// advance moves the simulated motors forward by the time elapsed since the
// previous command.
func (s *Simulator) advance() {
	now := time.Now()
	dt := now.Sub(s.last).Seconds()
	s.last = now

	running := false
	for m := 1; m <= 2; m++ {
		dir := s.regs[fmt.Sprintf("sm%d_cw", m)] - s.regs[fmt.Sprintf("sm%d_ccw", m)]
		if dir == 0 || s.regs[fmt.Sprintf("sm%d_sd", m)] != 0 {
			continue
		}
		running = true
		speed := float64(255-s.regs[fmt.Sprintf("pot_%d", m)]) + 1
		s.regs[fmt.Sprintf("encoder_%d", m)] += int(float64(dir) * speed * dt * 4)
	}

	if running {
		s.load += (120 - s.load) * math.Min(dt, 1)
	} else {
		s.load -= s.load * math.Min(dt, 1)
	}
}
