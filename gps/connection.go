/*
	Copyright (c) 2022 R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	connection.go: Device connection state machine with automatic reconnect.
*/

package gps

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool/v2"

	"github.com/fieldline/swathguide/common"
)

// ConnectionConfig tunes a DeviceConnection.
type ConnectionConfig struct {
	// ReconnectDelay is the minimum spacing between dial attempts.
	ReconnectDelay time.Duration
	// Watchdog drops a connection that delivered data and then went silent
	// for this long. Zero disables it.
	Watchdog time.Duration
	// InitFrames are written to the device after every connect, before any
	// queued corrections.
	InitFrames [][]byte
	// TXQueue is the number of pending correction batches kept for the
	// device; further batches are dropped.
	TXQueue int
	Debug   bool
}

// DeviceConnection keeps one receiver connected. It redials on its own after
// any disconnect the user did not ask for.
type DeviceConnection struct {
	dialer  Dialer
	cfg     ConnectionConfig
	rxCh    chan<- []byte
	stateCh chan<- StateChange

	eh       *common.ExitHelper
	running  *abool.AtomicBool
	userStop *abool.AtomicBool
	txCh     chan []byte

	mu      sync.Mutex
	state   State
	lastErr error

	bytesRX    atomic.Uint64
	bytesTX    atomic.Uint64
	txDropped  atomic.Uint64
	connects   atomic.Uint64
	dialErrors atomic.Uint64
}

// NewDeviceConnection returns a disconnected connection. Received bytes are
// sent on rxCh; state changes on stateCh when it is not nil. Both channels
// must be drained while the connection runs.
func NewDeviceConnection(d Dialer, cfg ConnectionConfig, rxCh chan<- []byte, stateCh chan<- StateChange) *DeviceConnection {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.TXQueue <= 0 {
		cfg.TXQueue = 4
	}
	return &DeviceConnection{
		dialer:   d,
		cfg:      cfg,
		rxCh:     rxCh,
		stateCh:  stateCh,
		eh:       common.NewExitHelper(),
		running:  abool.New(),
		userStop: abool.New(),
		txCh:     make(chan []byte, cfg.TXQueue),
	}
}

func (c *DeviceConnection) Name() string {
	return c.dialer.Name()
}

// State returns the current state and the error that caused it, if any.
func (c *DeviceConnection) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

func (c *DeviceConnection) Stats() Stats {
	return Stats{
		BytesRX:    c.bytesRX.Load(),
		BytesTX:    c.bytesTX.Load(),
		TXDropped:  c.txDropped.Load(),
		Connects:   c.connects.Load(),
		DialErrors: c.dialErrors.Load(),
	}
}

// Connect starts connecting in the background. It is a no-op while the
// connection is already running.
func (c *DeviceConnection) Connect() {
	if !c.running.SetToIf(false, true) {
		return
	}
	c.userStop.UnSet()
	c.eh.Go(c.run)
}

// Disconnect closes the connection and stops reconnecting. It returns once
// all I/O goroutines have finished.
func (c *DeviceConnection) Disconnect() {
	c.userStop.Set()
	c.eh.Exit()
}

// Write queues b for the device. It never blocks: when the device is not
// connected or the queue is full b is dropped and false is returned.
func (c *DeviceConnection) Write(b []byte) bool {
	if s, _ := c.State(); s != Connected {
		c.txDropped.Add(1)
		return false
	}
	select {
	case c.txCh <- b:
		return true
	default:
		c.txDropped.Add(1)
		return false
	}
}

func (c *DeviceConnection) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state, c.lastErr = to, err
	c.mu.Unlock()
	if from == to {
		return
	}

	if err != nil {
		log.Printf("gps: %s: %s -> %s: %s", c.Name(), from, to, err.Error())
	} else {
		log.Printf("gps: %s: %s -> %s", c.Name(), from, to)
	}
	if c.stateCh != nil {
		c.stateCh <- StateChange{Name: c.Name(), From: from, To: to, Err: err, Time: time.Now()}
	}
}

func (c *DeviceConnection) run(exit <-chan struct{}) {
	defer func() {
		c.setState(Disconnected, nil)
		c.running.UnSet()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-exit:
			cancel()
		case <-ctx.Done():
		}
	}()

	var last time.Time
	for attempt := 0; ; attempt++ {
		if !c.waitAttempt(ctx, last) || c.userStop.IsSet() {
			return
		}
		last = time.Now()

		if attempt == 0 {
			c.setState(Connecting, nil)
		} else {
			c.setState(Reconnecting, nil)
		}

		port, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.dialErrors.Add(1)
			c.setState(Error, err)
			continue
		}

		c.connects.Add(1)
		c.drainTX()
		c.setState(Connected, nil)

		err = c.serve(exit, port)
		if err == ErrUserDisconnect {
			return
		}
		c.setState(Disconnected, err)
	}
}

// waitAttempt holds the next dial until ReconnectDelay has passed since
// last. It returns false as soon as ctx is cancelled.
func (c *DeviceConnection) waitAttempt(ctx context.Context, last time.Time) bool {
	if d := c.cfg.ReconnectDelay - time.Since(last); !last.IsZero() && d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return ctx.Err() == nil
}

// serve moves bytes until the port fails, the watchdog fires or exit is
// closed. The port is closed on return.
func (c *DeviceConnection) serve(exit <-chan struct{}, port io.ReadWriteCloser) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		port.Close()
		wg.Wait()
	}()

	var wd *common.WatchDog
	var wdC <-chan struct{}
	if c.cfg.Watchdog > 0 {
		wd = common.NewWatchDog(c.cfg.Watchdog)
		defer wd.Stop()
		wdC = wd.C
	}

	readErr := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		readErr <- c.reader(done, port, wd)
	}()
	go func() {
		defer wg.Done()
		c.writer(done, port)
	}()

	select {
	case <-exit:
		return ErrUserDisconnect
	case <-wdC:
		return ErrWatchdog
	case err := <-readErr:
		if err == nil {
			err = io.EOF
		}
		return err
	}
}

func (c *DeviceConnection) reader(done <-chan struct{}, port io.Reader, wd *common.WatchDog) error {
	buf := make([]byte, 1024)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			if wd != nil {
				wd.Poke()
			}
			c.bytesRX.Add(uint64(n))
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.rxCh <- chunk:
			case <-done:
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

func (c *DeviceConnection) writer(done <-chan struct{}, port io.Writer) {
	for _, f := range c.cfg.InitFrames {
		if _, err := port.Write(f); err != nil {
			log.Printf("gps: %s: writing init frame: %s", c.Name(), err.Error())
			return
		}
		c.bytesTX.Add(uint64(len(f)))
	}

	for {
		select {
		case <-done:
			return
		case b := <-c.txCh:
			n, err := port.Write(b)
			c.bytesTX.Add(uint64(n))
			if err != nil {
				log.Printf("gps: %s: write: %s", c.Name(), err.Error())
				return
			}
			if c.cfg.Debug {
				log.Printf("gps: %s: wrote %d bytes", c.Name(), n)
			}
		}
	}
}

// drainTX drops corrections queued for a previous connection.
func (c *DeviceConnection) drainTX() {
	for {
		select {
		case <-c.txCh:
			c.txDropped.Add(1)
		default:
			return
		}
	}
}
