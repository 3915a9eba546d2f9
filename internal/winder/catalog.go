package winder

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownCommand = errors.New("winder: unknown command")
	ErrOutOfRange     = errors.New("winder: value out of range")
	ErrEmptyCommand   = errors.New("winder: empty command")
	ErrNoSuchMotor    = errors.New("winder: no such motor")
)

// WriteSpec constrains the values a writable register accepts. Options,
// when set, is the complete list of legal values; otherwise Min..Max.
type WriteSpec struct {
	Min     int   `json:"min"`
	Max     int   `json:"max"`
	Options []int `json:"options,omitempty"`
	Default int   `json:"default"`
}

// Allows reports whether v is a legal value.
func (w WriteSpec) Allows(v int) bool {
	if len(w.Options) > 0 {
		for _, o := range w.Options {
			if o == v {
				return true
			}
		}
		return false
	}
	return v >= w.Min && v <= w.Max
}

// Catalog lists the controller's readable commands, in panel order, and
// its writable registers.
type Catalog struct {
	Reads  []string             `json:"reads"`
	Writes map[string]WriteSpec `json:"writes"`
}

func toggle() WriteSpec      { return WriteSpec{Min: 0, Max: 1} }
func pot() WriteSpec         { return WriteSpec{Min: 0, Max: 255, Default: 255} }
func encoderSpec() WriteSpec { return WriteSpec{Min: 0, Max: 255255} }

// DefaultCatalog returns the winder controller's command set.
func DefaultCatalog() Catalog {
	return Catalog{
		Reads: []string{
			"smc124_clk", "smc124_dir", "smc124_en", "sm2_sd", "sm2_ccw", "sm2_cw",
			"sm1_sd", "sm1_ccw", "sm1_cw", "led_blue", "led_green", "zero_1",
			"zero_2", "pot_1", "pot_2", "pot_3", "pot_4", "pot_wp", "hx_gain",
			"hx_read", "encoder_1", "encoder_2",
		},
		Writes: map[string]WriteSpec{
			"smc124_clk": {Min: 0, Max: 100, Default: 50},
			"smc124_dir": toggle(),
			"smc124_en":  toggle(),
			"pot_wp":     toggle(),
			"pot_1":      pot(),
			"pot_2":      pot(),
			"pot_3":      pot(),
			"pot_4":      pot(),
			"sm1_sd":     toggle(),
			"sm1_ccw":    toggle(),
			"sm1_cw":     toggle(),
			"sm2_sd":     toggle(),
			"sm2_ccw":    toggle(),
			"sm2_cw":     toggle(),
			"hx_gain":    {Options: []int{32, 64, 128}, Default: 64},
			"led_green":  toggle(),
			"led_blue":   toggle(),
			"encoder_1":  encoderSpec(),
			"encoder_2":  encoderSpec(),
		},
	}
}

// Validate checks a write before it goes on the wire.
func (c Catalog) Validate(name string, value int) error {
	spec, ok := c.Writes[name]
	if !ok {
		return fmt.Errorf("%w: %s is not writable", ErrUnknownCommand, name)
	}
	if !spec.Allows(value) {
		if len(spec.Options) > 0 {
			return fmt.Errorf("%w: %s=%d, want one of %v", ErrOutOfRange, name, value, spec.Options)
		}
		return fmt.Errorf("%w: %s=%d, want %d..%d", ErrOutOfRange, name, value, spec.Min, spec.Max)
	}
	return nil
}

// Readable reports whether name is a known read command.
func (c Catalog) Readable(name string) bool {
	for _, r := range c.Reads {
		if r == name {
			return true
		}
	}
	return false
}

// WriteNames returns the writable registers, sorted.
func (c Catalog) WriteNames() []string {
	names := make([]string, 0, len(c.Writes))
	for k := range c.Writes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
