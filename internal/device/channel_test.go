package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

// fakePort hands out queued read chunks and captures writes.
type fakePort struct {
	mu       sync.Mutex
	chunks   [][]byte
	written  []byte
	maxWrite int
	timeouts []time.Duration
	closed   bool
	resets   int
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	p.chunks = p.chunks[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(b)
	if p.maxWrite > 0 && n > p.maxWrite {
		n = p.maxWrite
	}
	p.written = append(p.written, b[:n]...)
	return n, nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.timeouts = append(p.timeouts, d)
	return nil
}

func (p *fakePort) ResetInputBuffer() error { p.resets++; return nil }

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func withFakeOpen(t *testing.T, ports ...*fakePort) *[]string {
	t.Helper()
	var opened []string
	orig := openPort
	openPort = func(driver, name string, baud int, timeout time.Duration) (port, error) {
		if len(ports) == 0 {
			return nil, errors.New("no such device")
		}
		p := ports[0]
		ports = ports[1:]
		opened = append(opened, name)
		return p, nil
	}
	t.Cleanup(func() { openPort = orig })
	return &opened
}

func TestChannel_OpenWriteDrain(t *testing.T) {
	fp := &fakePort{maxWrite: 4, chunks: [][]byte{[]byte("encoder_1 "), []byte("val=500\r\n")}}
	withFakeOpen(t, fp)

	ch := NewChannel(ChannelConfig{})
	require.NoError(t, ch.Open("/dev/ttyUSB0"))
	assert.True(t, ch.IsOpen())
	assert.Equal(t, "/dev/ttyUSB0", ch.Port())
	assert.Equal(t, 1, fp.resets)

	require.NoError(t, ch.WriteLine("encoder_1"))
	assert.Equal(t, "encoder_1\n", string(fp.written))

	resp, err := ch.DrainRead()
	require.NoError(t, err)
	assert.Equal(t, "encoder_1 val=500", resp)
	// silence window during the drain, then back to the read timeout
	assert.Equal(t, []time.Duration{drainSilence, DefaultReadTimeout}, fp.timeouts)

	resp, err = ch.DrainRead()
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestChannel_ClosedIO(t *testing.T) {
	ch := NewChannel(ChannelConfig{})
	assert.False(t, ch.IsOpen())
	assert.ErrorIs(t, ch.WriteLine("pot_1"), ErrNotOpen)
	_, err := ch.DrainRead()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
}

func TestChannel_ReopenClosesPrevious(t *testing.T) {
	first, second := &fakePort{}, &fakePort{}
	opened := withFakeOpen(t, first, second)

	ch := NewChannel(ChannelConfig{})
	require.NoError(t, ch.Open("COM3"))
	require.NoError(t, ch.Open("COM4"))

	assert.True(t, first.closed)
	assert.False(t, second.closed)
	assert.Equal(t, []string{"COM3", "COM4"}, *opened)
	assert.Equal(t, "COM4", ch.Port())

	require.NoError(t, ch.Close())
	assert.True(t, second.closed)
	assert.False(t, ch.IsOpen())
}

func TestChannel_OpenFailed(t *testing.T) {
	withFakeOpen(t)

	ch := NewChannel(ChannelConfig{})
	err := ch.Open("/dev/missing")
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.False(t, ch.IsOpen())
}

func TestChannel_UnknownDriver(t *testing.T) {
	ch := NewChannel(ChannelConfig{Driver: "nope"})
	assert.ErrorIs(t, ch.Open("/dev/ttyUSB0"), ErrOpenFailed)
}

func TestListPorts_FallsBackToNames(t *testing.T) {
	origDetailed, origNames := detailedPorts, portNames
	t.Cleanup(func() { detailedPorts, portNames = origDetailed, origNames })

	detailedPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"}}, nil
	}
	ports, err := ListPorts()
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, PortInfo{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"}, ports[0])

	detailedPorts = func() ([]*enumerator.PortDetails, error) { return nil, errors.New("unsupported") }
	portNames = func() ([]string, error) { return []string{"COM1", "COM7"}, nil }
	ports, err = ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []PortInfo{{Name: "COM1"}, {Name: "COM7"}}, ports)
}
