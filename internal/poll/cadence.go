package poll

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how a task spaces its polls.
type Mode string

const (
	ModeFixed Mode = "fixed" // constant delay between polls
	ModeRamp  Mode = "ramp"  // delay grows by Step each cycle, wraps to Min past Max
	ModeChain Mode = "chain" // poll the quantity, then Pair, each followed by Delay
)

// Ramp defaults, matching the controller panel's autoupdate.
const (
	DefaultRampMin  = 100 * time.Millisecond
	DefaultRampMax  = 1000 * time.Millisecond
	DefaultRampStep = 50 * time.Millisecond
	DefaultDelay    = 200 * time.Millisecond
)

// RampConfig bounds a ramping cadence.
type RampConfig struct {
	Min  time.Duration `yaml:"min" json:"min"`
	Max  time.Duration `yaml:"max" json:"max"`
	Step time.Duration `yaml:"step" json:"step"`
}

// Policy describes how one quantity is polled.
type Policy struct {
	Mode  Mode          `yaml:"mode" json:"mode"`
	Delay time.Duration `yaml:"delay" json:"delay"` // fixed and chain modes
	Ramp  RampConfig    `yaml:"ramp" json:"ramp"`
	Pair  string        `yaml:"pair" json:"pair"` // second quantity in chain mode
}

// Fixed returns a constant-delay policy.
func Fixed(d time.Duration) Policy { return Policy{Mode: ModeFixed, Delay: d} }

// Ramping returns the default 100ms..1000ms ramp.
func Ramping() Policy {
	return Policy{Mode: ModeRamp, Ramp: RampConfig{Min: DefaultRampMin, Max: DefaultRampMax, Step: DefaultRampStep}}
}

// Chain returns a policy alternating the task's quantity with pair.
func Chain(pair string, d time.Duration) Policy {
	return Policy{Mode: ModeChain, Pair: pair, Delay: d}
}

// Normalize fills zero fields with defaults and checks the policy.
func (p Policy) Normalize() (Policy, error) {
	p.Mode = Mode(strings.ToLower(string(p.Mode)))
	if p.Mode == "" {
		p.Mode = ModeRamp
	}
	switch p.Mode {
	case ModeFixed, ModeChain:
		if p.Delay <= 0 {
			p.Delay = DefaultDelay
		}
		if p.Mode == ModeChain && p.Pair == "" {
			return p, fmt.Errorf("poll: chain policy needs a pair quantity")
		}
	case ModeRamp:
		if p.Ramp.Min <= 0 {
			p.Ramp.Min = DefaultRampMin
		}
		if p.Ramp.Max <= 0 {
			p.Ramp.Max = DefaultRampMax
		}
		if p.Ramp.Step <= 0 {
			p.Ramp.Step = DefaultRampStep
		}
		if p.Ramp.Max < p.Ramp.Min {
			return p, fmt.Errorf("poll: ramp max %v below min %v", p.Ramp.Max, p.Ramp.Min)
		}
	default:
		return p, fmt.Errorf("poll: unknown mode %q", p.Mode)
	}
	return p, nil
}

// Cadence yields the delay to wait after each completed poll cycle.
// Implementations carry per-task state and are not shared between tasks.
type Cadence interface {
	Next() time.Duration
}

type fixedCadence time.Duration

func (f fixedCadence) Next() time.Duration { return time.Duration(f) }

// RampCadence starts at Min and grows by Step after every cycle; once the
// delay would exceed Max it starts over at Min.
type RampCadence struct {
	cfg RampConfig
	cur time.Duration
}

func NewRampCadence(cfg RampConfig) *RampCadence {
	return &RampCadence{cfg: cfg, cur: cfg.Min}
}

func (r *RampCadence) Next() time.Duration {
	d := r.cur
	r.cur += r.cfg.Step
	if r.cur > r.cfg.Max {
		r.cur = r.cfg.Min
	}
	return d
}

// cadence builds fresh cadence state for a normalized policy.
func (p Policy) cadence() Cadence {
	if p.Mode == ModeRamp {
		return NewRampCadence(p.Ramp)
	}
	return fixedCadence(p.Delay)
}
