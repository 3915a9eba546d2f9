// Package history keeps a short rolling window of samples per quantity and
// derives 5- and 10-sample moving averages from it.
package history

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

const (
	// Capacity is the number of samples each History keeps.
	Capacity = 10
	// EncoderScale converts encoder counts to millimetres of fiber.
	EncoderScale = 200.0 / 1000.0
)

// Reading is the latest sample of a quantity plus its moving averages.
// An average is nil until the window holds enough samples.
type Reading struct {
	Value   float64  `json:"value"`
	Avg5    *float64 `json:"avg5"`
	Avg10   *float64 `json:"avg10"`
	Samples int      `json:"samples"`
}

// History is a bounded FIFO of samples for one quantity.
type History struct {
	mu    sync.Mutex
	scale float64
	buf   [Capacity]float64
	head  int // index of the oldest sample
	n     int
}

// New creates an empty History. Parsed samples are multiplied by scale
// before they are stored; a scale of 0 means 1.
func New(scale float64) *History {
	if scale == 0 {
		scale = 1
	}
	return &History{scale: scale}
}

// Record parses raw and appends it. When raw is not a finite number the most
// recent sample (or 0 for an empty history) is appended instead, so the window
// keeps advancing.
func (h *History) Record(raw string) Reading {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		v = h.lastLocked()
	} else {
		v *= h.scale
	}
	h.pushLocked(v)
	return h.readingLocked()
}

// Push appends an already-scaled sample.
func (h *History) Push(v float64) Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushLocked(v)
	return h.readingLocked()
}

// Latest returns the current reading; ok is false when the history is empty.
func (h *History) Latest() (r Reading, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return Reading{}, false
	}
	return h.readingLocked(), true
}

// Samples returns the stored samples, oldest first.
func (h *History) Samples() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]float64, h.n)
	for i := range out {
		out[i] = h.at(i)
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Reset empties the history.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head, h.n = 0, 0
}

func (h *History) at(i int) float64 { return h.buf[(h.head+i)%Capacity] }

func (h *History) lastLocked() float64 {
	if h.n == 0 {
		return 0
	}
	return h.at(h.n - 1)
}

func (h *History) pushLocked(v float64) {
	if h.n < Capacity {
		h.buf[(h.head+h.n)%Capacity] = v
		h.n++
		return
	}
	h.buf[h.head] = v
	h.head = (h.head + 1) % Capacity
}

func (h *History) readingLocked() Reading {
	r := Reading{Value: h.lastLocked(), Samples: h.n}
	if h.n >= 5 {
		r.Avg5 = h.meanLocked(5)
	}
	if h.n >= 10 {
		r.Avg10 = h.meanLocked(10)
	}
	return r
}

// meanLocked averages the newest k samples.
func (h *History) meanLocked(k int) *float64 {
	var sum float64
	for i := h.n - k; i < h.n; i++ {
		sum += h.at(i)
	}
	m := sum / float64(k)
	return &m
}

// Mode selects which figure of a Reading is shown to the operator.
type Mode int

const (
	ModeRaw Mode = iota
	ModeAvg5
	ModeAvg10
)

// ParseMode accepts "raw", "avg5" and "avg10" (also "5avg", "10avg").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return ModeRaw, nil
	case "avg5", "5avg":
		return ModeAvg5, nil
	case "avg10", "10avg":
		return ModeAvg10, nil
	}
	return ModeRaw, fmt.Errorf("history: unknown display mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeAvg5:
		return "avg5"
	case ModeAvg10:
		return "avg10"
	}
	return "raw"
}

// Format renders r for mode with two decimals, or "" when the selected
// average does not exist yet.
func (r Reading) Format(mode Mode) string {
	var v *float64
	switch mode {
	case ModeAvg5:
		v = r.Avg5
	case ModeAvg10:
		v = r.Avg10
	default:
		v = &r.Value
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *v)
}
