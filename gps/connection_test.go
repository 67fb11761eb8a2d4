package gps

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out the local end of a net.Pipe per dial and publishes the
// remote end on peers. The first failFirst dials fail.
type pipeDialer struct {
	mu        sync.Mutex
	dials     int
	failFirst int
	peers     chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan net.Conn, 8)}
}

func (d *pipeDialer) Name() string { return "pipe" }

func (d *pipeDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	if n <= d.failFirst {
		return nil, errors.New("no such device")
	}
	local, remote := net.Pipe()
	d.peers <- remote
	return local, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) peer(t *testing.T) net.Conn {
	t.Helper()
	select {
	case p := <-d.peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func expectStates(t *testing.T, ch <-chan StateChange, want ...State) {
	t.Helper()
	for _, w := range want {
		select {
		case sc := <-ch:
			require.Equal(t, w, sc.To, "transition from %s", sc.From)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func newTestConnection(d Dialer, cfg ConnectionConfig) (*DeviceConnection, chan []byte, chan StateChange) {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
	}
	rx := make(chan []byte, 16)
	states := make(chan StateChange, 32)
	return NewDeviceConnection(d, cfg, rx, states), rx, states
}

func TestDeviceConnection_AutoReconnect(t *testing.T) {
	d := newPipeDialer()
	c, _, states := newTestConnection(d, ConnectionConfig{})
	defer c.Disconnect()

	c.Connect()
	expectStates(t, states, Connecting, Connected)

	d.peer(t).Close()
	expectStates(t, states, Disconnected, Reconnecting, Connected)
	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, uint64(2), c.Stats().Connects)

	s, err := c.State()
	assert.Equal(t, Connected, s)
	assert.NoError(t, err)
}

func TestDeviceConnection_UserDisconnectSuppressesReconnect(t *testing.T) {
	d := newPipeDialer()
	c, _, states := newTestConnection(d, ConnectionConfig{})

	c.Connect()
	expectStates(t, states, Connecting, Connected)
	peer := d.peer(t)

	c.Disconnect()
	expectStates(t, states, Disconnected)

	// The device side sees the close.
	_, err := peer.Read(make([]byte, 1))
	assert.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	s, _ := c.State()
	assert.Equal(t, Disconnected, s)

	// A later Connect works again.
	c.Connect()
	expectStates(t, states, Connecting, Connected)
	c.Disconnect()
}

func TestDeviceConnection_DialErrorsRetry(t *testing.T) {
	d := newPipeDialer()
	d.failFirst = 2
	c, _, states := newTestConnection(d, ConnectionConfig{})
	defer c.Disconnect()

	c.Connect()
	expectStates(t, states, Connecting, Error, Reconnecting, Error, Reconnecting, Connected)
	assert.Equal(t, uint64(2), c.Stats().DialErrors)
}

func TestDeviceConnection_DisconnectDuringReconnectDelay(t *testing.T) {
	d := newPipeDialer()
	d.failFirst = 100
	c, _, states := newTestConnection(d, ConnectionConfig{ReconnectDelay: 5 * time.Second})

	c.Connect()
	expectStates(t, states, Connecting, Error)

	start := time.Now()
	c.Disconnect()
	assert.Less(t, time.Since(start), time.Second)
	expectStates(t, states, Disconnected)
	assert.Equal(t, 1, d.dialCount())
}

func TestDeviceConnection_RXAndTX(t *testing.T) {
	d := newPipeDialer()
	c, rx, states := newTestConnection(d, ConnectionConfig{InitFrames: [][]byte{{0xB5, 0x62}}})
	defer c.Disconnect()

	assert.False(t, c.Write([]byte("early")), "write before connect")

	c.Connect()
	expectStates(t, states, Connecting, Connected)
	peer := d.peer(t)

	init := make([]byte, 2)
	_, err := io.ReadFull(peer, init)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xB5, 0x62}, init)

	go peer.Write([]byte{1, 2, 3})
	select {
	case got := <-rx:
		assert.Equal(t, []byte{1, 2, 3}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no data")
	}

	require.True(t, c.Write([]byte("rtcm")))
	buf := make([]byte, 4)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "rtcm", string(buf))

	require.Eventually(t, func() bool { return c.Stats().BytesTX == 6 }, time.Second, 5*time.Millisecond)
	st := c.Stats()
	assert.Equal(t, uint64(3), st.BytesRX)
	assert.Equal(t, uint64(1), st.TXDropped)
}

func TestDeviceConnection_WatchdogReconnects(t *testing.T) {
	d := newPipeDialer()
	c, rx, states := newTestConnection(d, ConnectionConfig{Watchdog: 30 * time.Millisecond})
	defer c.Disconnect()

	c.Connect()
	expectStates(t, states, Connecting, Connected)
	peer := d.peer(t)
	_, err := peer.Write([]byte{0x42})
	require.NoError(t, err)
	<-rx

	select {
	case sc := <-states:
		assert.Equal(t, Disconnected, sc.To)
		assert.ErrorIs(t, sc.Err, ErrWatchdog)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not drop the connection")
	}
	expectStates(t, states, Reconnecting, Connected)
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Reconnecting: "reconnecting",
		Error:        "error",
		State(42):    "unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}
