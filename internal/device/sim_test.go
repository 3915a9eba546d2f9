package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSim(t *testing.T, cfg SimConfig) *Simulator {
	t.Helper()
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Millisecond
	}
	cfg.Seed = 1
	s := NewSimulator(cfg)
	require.NoError(t, s.Open(SimPort))
	return s
}

func TestSimulator_ThroughManager(t *testing.T) {
	s := openSim(t, SimConfig{})
	m := NewManager(s, nopSink{}, 0)

	out := m.Execute(Write("pot_1", 120))
	require.Equal(t, StatusValid, out.Status)
	assert.Equal(t, "pot_1 120 done ok", out.Response)
	assert.True(t, out.Acked())

	out = m.Execute(Read("pot_1"))
	require.Equal(t, StatusValid, out.Status)
	v, err := ExtractValue(out.Response)
	require.NoError(t, err)
	assert.Equal(t, "120", v)

	out = m.Execute(Read("bogus"))
	assert.Equal(t, StatusInvalid, out.Status)
}

func TestSimulator_EncoderZero(t *testing.T) {
	s := openSim(t, SimConfig{})
	m := NewManager(s, nopSink{}, 0)

	require.True(t, m.Execute(Write("encoder_1", 777)).Acked())
	out := m.Execute(Write("encoder_1", 0))
	assert.Equal(t, "encoder_1 0 done ok", out.Response)

	v, _ := s.Register("encoder_1")
	assert.Zero(t, v)
}

func TestSimulator_DroppedReplyExhaustsAttempts(t *testing.T) {
	s := openSim(t, SimConfig{DropRate: 1})
	out := NewManager(s, nopSink{}, 0).Execute(Read("hx_read"))
	assert.Equal(t, StatusNoResponse, out.Status)
	assert.Equal(t, DefaultAttempts, out.Attempts)
}

func TestSimulator_LatencyBeyondTimeout(t *testing.T) {
	s := openSim(t, SimConfig{Latency: 30 * time.Millisecond, ReadTimeout: 20 * time.Millisecond})
	out := NewManager(s, nopSink{}, 0).Execute(Read("hx_read"))
	// the first drain times out empty, the second sees the reply
	assert.Equal(t, StatusValid, out.Status)
	assert.Equal(t, 2, out.Attempts)
}

func TestSimulator_Closed(t *testing.T) {
	s := NewSimulator(SimConfig{})
	assert.ErrorIs(t, s.Open("/dev/ttyUSB0"), ErrOpenFailed)
	assert.ErrorIs(t, s.WriteLine("pot_1"), ErrNotOpen)

	out := NewManager(s, nopSink{}, 0).Execute(Read("pot_1"))
	assert.Equal(t, StatusNotConnected, out.Status)
}
