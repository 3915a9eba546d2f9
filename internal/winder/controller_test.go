package winder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/fiberwinder/internal/device"
	"github.com/shaunagostinho/fiberwinder/internal/poll"
)

// fakeConn answers each written line through reply and records the writes.
type fakeConn struct {
	mu      sync.Mutex
	open    bool
	writes  []string
	pending []string
	reply   func(line string) string
}

func (f *fakeConn) Name() string { return "fake" }

func (f *fakeConn) Open(port string) error {
	if port == "bad" {
		return device.ErrOpenFailed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) ListPorts() ([]device.PortInfo, error) {
	return []device.PortInfo{{Name: "ttyFAKE"}}, nil
}

func (f *fakeConn) WriteLine(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return device.ErrNotOpen
	}
	f.writes = append(f.writes, text)
	if f.reply != nil {
		if r := f.reply(text); r != "" {
			f.pending = append(f.pending, r)
		}
	}
	return nil
}

func (f *fakeConn) DrainRead() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return "", nil
	}
	r := f.pending[0]
	f.pending = f.pending[1:]
	return r, nil
}

func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type quietSink struct {
	mu     sync.Mutex
	errors []string
}

func (*quietSink) Infof(string, ...any) {}
func (s *quietSink) Errorf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, format)
}

func newSimController(t *testing.T, cfg Config) (*Controller, *device.Simulator) {
	t.Helper()
	sim := device.NewSimulator(device.SimConfig{ReadTimeout: 5 * time.Millisecond, Seed: 7})
	c := New(context.Background(), cfg, sim, &quietSink{})
	require.NoError(t, c.Connect(device.SimPort))
	t.Cleanup(func() { c.Close() })
	return c, sim
}

func TestController_WriteRecordsAcknowledgedValue(t *testing.T) {
	c, sim := newSimController(t, Config{})

	out := c.SendWrite("pot_1", 120)
	assert.Equal(t, device.StatusValid, out.Status)
	assert.Equal(t, "pot_1 120 done ok", out.Response)

	r, ok := c.Latest("pot_1")
	require.True(t, ok)
	assert.Equal(t, 120.0, r.Value)

	v, _ := sim.Register("pot_1")
	assert.Equal(t, 120, v)
}

func TestController_EncoderReadIsScaled(t *testing.T) {
	c, _ := newSimController(t, Config{})

	require.True(t, c.SendWrite("encoder_1", 500).Acked())
	c.book.Reset("encoder_1")

	out := c.SendRead("encoder_1")
	require.Equal(t, device.StatusValid, out.Status)
	assert.Equal(t, "encoder_1 val=500", out.Response)

	r, ok := c.Latest("encoder_1")
	require.True(t, ok)
	assert.InDelta(t, 100.0, r.Value, 1e-9)
	assert.Nil(t, r.Avg5)
}

func TestController_EmptyPayloadFallsBack(t *testing.T) {
	replies := []string{"hx_read val=42", "hx_read val="}
	conn := &fakeConn{reply: func(string) string {
		r := replies[0]
		replies = replies[1:]
		return r
	}}
	sink := &quietSink{}
	c := New(context.Background(), Config{}, conn, sink)
	require.NoError(t, c.Connect("ttyFAKE"))

	c.SendRead("hx_read")
	out := c.SendRead("hx_read")
	assert.Equal(t, device.StatusValid, out.Status)

	r, _ := c.Latest("hx_read")
	assert.Equal(t, 42.0, r.Value)
	assert.Equal(t, 2, r.Samples)
	assert.NotEmpty(t, sink.errors)
}

func TestController_InvalidReplyStillAdvancesHistory(t *testing.T) {
	conn := &fakeConn{reply: func(string) string { return "checksum error" }}
	c := New(context.Background(), Config{}, conn, &quietSink{})
	require.NoError(t, c.Connect("ttyFAKE"))

	out := c.SendRead("hx_read")
	assert.Equal(t, device.StatusInvalid, out.Status)
	r, ok := c.Latest("hx_read")
	require.True(t, ok)
	assert.Equal(t, 0.0, r.Value)
}

func TestController_NoResponseIsNotRecorded(t *testing.T) {
	conn := &fakeConn{}
	c := New(context.Background(), Config{}, conn, &quietSink{})
	require.NoError(t, c.Connect("ttyFAKE"))

	out := c.SendWrite("pot_2", 10)
	assert.Equal(t, device.StatusNoResponse, out.Status)
	assert.ErrorIs(t, out.Err(), device.ErrNoResponse)
	_, ok := c.Latest("pot_2")
	assert.False(t, ok)
}

func TestController_NotConnected(t *testing.T) {
	conn := &fakeConn{}
	c := New(context.Background(), Config{}, conn, &quietSink{})

	out := c.SendRead("hx_read")
	assert.Equal(t, device.StatusNotConnected, out.Status)
	assert.Empty(t, conn.written())
	assert.False(t, c.Connected())

	assert.Error(t, c.Connect("bad"))
	assert.Empty(t, c.Port())
}

func TestController_ConnectUnlocksPots(t *testing.T) {
	c, sim := newSimController(t, Config{UnlockOnConnect: true})

	v, _ := sim.Register("pot_wp")
	assert.Equal(t, 1, v)
	assert.Equal(t, device.SimPort, c.Port())
	assert.True(t, c.Connected())

	require.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())
	assert.Empty(t, c.Port())
}

func TestController_SetDirectionOrder(t *testing.T) {
	conn := &fakeConn{reply: func(line string) string {
		// echo "name_value" as "name value done ok"
		for i := len(line) - 1; i >= 0; i-- {
			if line[i] == '_' {
				return line[:i] + " " + line[i+1:] + " done ok"
			}
		}
		return ""
	}}
	c := New(context.Background(), Config{}, conn, &quietSink{})
	require.NoError(t, c.Connect("ttyFAKE"))

	require.NoError(t, c.SetDirection(1, DirCW))
	require.NoError(t, c.SetDirection(2, DirCCW))
	require.NoError(t, c.SetDirection(1, DirStop))
	require.NoError(t, c.SetShutdown(2, true))

	assert.Equal(t, []string{
		"sm1_ccw_0", "sm1_cw_1",
		"sm2_cw_0", "sm2_ccw_1",
		"sm1_ccw_0", "sm1_cw_0",
		"sm2_sd_1",
	}, conn.written())

	assert.Error(t, c.SetDirection(3, DirCW))
	assert.Error(t, c.SetDirection(1, Direction("up")))
}

func TestController_SetDirectionNotAcked(t *testing.T) {
	conn := &fakeConn{}
	c := New(context.Background(), Config{}, conn, &quietSink{})
	require.NoError(t, c.Connect("ttyFAKE"))

	err := c.SetDirection(1, DirCW)
	assert.ErrorIs(t, err, device.ErrNoResponse)
	assert.Equal(t, []string{"sm1_ccw_0"}, conn.written())
}

func TestController_WriteValidation(t *testing.T) {
	c, _ := newSimController(t, Config{})

	_, err := c.Write("pot_1", 300)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = c.Write("hx_gain", 100)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = c.Write("hx_read", 1)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	out, err := c.Write("hx_gain", 128)
	require.NoError(t, err)
	assert.True(t, out.Acked())

	require.NoError(t, c.SetSpeed(2, 90))
	assert.Error(t, c.SetSpeed(2, -1))
}

func TestController_ZeroEncoder(t *testing.T) {
	c, sim := newSimController(t, Config{})

	for i := 0; i < 6; i++ {
		c.SendWrite("encoder_2", 100+i)
	}
	require.NoError(t, c.ZeroEncoder(2))

	v, _ := sim.Register("encoder_2")
	assert.Zero(t, v)
	r, ok := c.Latest("encoder_2")
	require.True(t, ok)
	assert.Equal(t, 0.0, r.Value)
	assert.Equal(t, 1, r.Samples)
}

func TestController_ReadAll(t *testing.T) {
	c, _ := newSimController(t, Config{})

	outs := c.ReadAll()
	require.Len(t, outs, len(DefaultCatalog().Reads))
	for _, out := range outs {
		assert.Equal(t, device.StatusValid, out.Status, out.Command.Name)
	}
	assert.Len(t, c.Readings(), len(DefaultCatalog().Reads))
}

func TestController_ChainedPolling(t *testing.T) {
	c, _ := newSimController(t, Config{})

	var mu sync.Mutex
	seen := map[string]int{}
	c.Subscribe(func(u Update) {
		mu.Lock()
		seen[u.Quantity]++
		mu.Unlock()
	})

	require.NoError(t, c.SetPolling("hx_read", true, poll.Chain("encoder_1", time.Millisecond)))
	assert.Equal(t, []string{"hx_read"}, c.Polling())
	p, ok := c.PollingPolicy("hx_read")
	require.True(t, ok)
	assert.Equal(t, poll.ModeChain, p.Mode)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["hx_read"] >= 3 && seen["encoder_1"] >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.SetPolling("hx_read", false, poll.Policy{}))
	assert.Empty(t, c.Polling())

	r, ok := c.Latest("hx_read")
	require.True(t, ok)
	assert.Greater(t, r.Value, 8000.0)

	assert.Error(t, c.SetPolling("", true, poll.Ramping()))
	assert.Error(t, c.SetPolling("pot_1", true, poll.Policy{Mode: poll.ModeChain}))
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection(" CW ")
	require.NoError(t, err)
	assert.Equal(t, DirCW, d)
	_, err = ParseDirection("left")
	assert.Error(t, err)
}

func TestCatalogValidate(t *testing.T) {
	cat := DefaultCatalog()
	assert.NoError(t, cat.Validate("smc124_clk", 100))
	assert.True(t, errors.Is(cat.Validate("smc124_clk", 101), ErrOutOfRange))
	assert.True(t, cat.Readable("encoder_2"))
	assert.False(t, cat.Readable("encoder_3"))
	assert.Contains(t, cat.WriteNames(), "led_blue")
}

func TestController_NonFiniteReplyKeepsLastValue(t *testing.T) {
	replies := []string{"hx_read val=8400", "hx_read val=nan", "hx_read val=+Inf"}
	conn := &fakeConn{reply: func(string) string {
		r := replies[0]
		replies = replies[1:]
		return r
	}}
	c := New(context.Background(), Config{}, conn, &quietSink{})
	require.NoError(t, c.Connect("ttyFAKE"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, device.StatusValid, c.SendRead("hx_read").Status)
	}
	r, ok := c.Latest("hx_read")
	require.True(t, ok)
	assert.Equal(t, 8400.0, r.Value)
	assert.Equal(t, 3, r.Samples)

	_, err := json.Marshal(c.Readings())
	assert.NoError(t, err)
}

func TestController_StaleReplyIsNotRecorded(t *testing.T) {
	replies := []string{"hx_read val=8400", "pot_1 val=255"}
	conn := &fakeConn{reply: func(string) string {
		r := replies[0]
		replies = replies[1:]
		return r
	}}
	c := New(context.Background(), Config{}, conn, &quietSink{})
	require.NoError(t, c.Connect("ttyFAKE"))

	c.SendRead("hx_read")
	out := c.SendRead("hx_read")
	assert.Equal(t, device.StatusInvalid, out.Status)

	r, _ := c.Latest("hx_read")
	assert.Equal(t, 8400.0, r.Value)
	assert.Equal(t, 2, r.Samples)
	_, ok := c.Latest("pot_1")
	assert.False(t, ok)
}

func TestController_ZeroEncoderRejectsUnknownEncoder(t *testing.T) {
	conn := &fakeConn{}
	c := New(context.Background(), Config{}, conn, &quietSink{})
	require.NoError(t, c.Connect("ttyFAKE"))

	assert.Error(t, c.ZeroEncoder(7))
	assert.Error(t, c.ZeroEncoder(0))
	assert.Empty(t, conn.written())
}

func TestController_SendCommand(t *testing.T) {
	c, _ := newSimController(t, Config{})

	out, err := c.SendCommand("  hx_gain ")
	require.NoError(t, err)
	assert.Equal(t, device.StatusValid, out.Status)
	r, ok := c.Latest("hx_gain")
	require.True(t, ok)
	assert.Equal(t, 64.0, r.Value)

	out, err = c.SendCommand("led_green_1")
	require.NoError(t, err)
	assert.True(t, out.Acked())
	r, ok = c.Latest("led_green")
	require.True(t, ok)
	assert.Equal(t, 1.0, r.Value)

	out, err = c.SendCommand("selftest")
	require.NoError(t, err)
	assert.Equal(t, device.StatusInvalid, out.Status)
	assert.Equal(t, "unknown command", out.Response)
	_, ok = c.Latest("selftest")
	assert.False(t, ok)

	_, err = c.SendCommand("   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)
}
