// Package ntrip receives RTCM correction streams from an NTRIP caster.
//
// Version 2 is spoken over HTTP. Casters that answer with a version 1 status
// line, which net/http rejects as a malformed response, are retried over a
// plain TCP request.
package ntrip

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool/v2"

	"github.com/fieldline/swathguide/common"
)

const userAgent = "NTRIP swathguide/1.0"

var (
	// ErrMalformedResponse marks a reply net/http could not parse, the
	// signature of a version 1 caster.
	ErrMalformedResponse = errors.New("ntrip: malformed HTTP response")
	ErrUnauthorized      = errors.New("ntrip: unauthorized")
	// ErrMountpointNotFound is returned when the caster answered a stream
	// request with its source table.
	ErrMountpointNotFound = errors.New("ntrip: mountpoint not found")
	ErrAlreadyConnected   = errors.New("ntrip: already connected")
	// ErrDisconnected is returned by a Connect that Disconnect interrupted.
	ErrDisconnected       = errors.New("ntrip: disconnected during connect")
)

// Config addresses one caster mountpoint.
type Config struct {
	Host       string
	Port       int
	Mountpoint string
	Username   string
	Password   string
	// Timeout bounds connecting and waiting for the response header.
	// Source table discovery uses it as its overall deadline.
	Timeout time.Duration
	// GGAInterval sends the rover position on this interval when the
	// stream allows it. Zero sends it only at connect time.
	GGAInterval time.Duration
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 2101
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 2 * time.Second
	}
	return c.Timeout
}

func (c Config) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
}

// State is the lifecycle state of a caster connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type StateChange struct {
	From State
	To   State
	Err  error
	Time time.Time
}

type Stats struct {
	BytesRX  uint64 `json:"bytes_rx"`
	GGASent  uint64 `json:"gga_sent"`
	Version  int    `json:"version"`
	Connects uint64 `json:"connects"`
}

// Client streams corrections from one mountpoint. It never reconnects on its
// own; call Connect again after a drop.
type Client struct {
	cfg     Config
	dataCh  chan<- []byte
	stateCh chan<- StateChange

	eh      *common.ExitHelper
	running *abool.AtomicBool

	mu      sync.Mutex
	state   State
	lastErr error
	// abort cancels the handshake in progress, nil outside Connect.
	abort   context.CancelFunc
	aborted bool

	pos      atomic.Pointer[Position]
	bytesRX  atomic.Uint64
	ggaSent  atomic.Uint64
	version  atomic.Int64
	connects atomic.Uint64
}

// NewClient returns a disconnected client. Correction bytes are sent on
// dataCh, state changes on stateCh when it is not nil.
func NewClient(cfg Config, dataCh chan<- []byte, stateCh chan<- StateChange) *Client {
	return &Client{
		cfg:     cfg,
		dataCh:  dataCh,
		stateCh: stateCh,
		eh:      common.NewExitHelper(),
		running: abool.New(),
	}
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

func (c *Client) Stats() Stats {
	return Stats{
		BytesRX:  c.bytesRX.Load(),
		GGASent:  c.ggaSent.Load(),
		Version:  int(c.version.Load()),
		Connects: c.connects.Load(),
	}
}

// SetPosition records the rover position reported to the caster.
func (c *Client) SetPosition(p Position) {
	c.pos.Store(&p)
}

func (c *Client) position() (Position, bool) {
	p := c.pos.Load()
	if p == nil {
		return Position{}, false
	}
	return *p, true
}

func (c *Client) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state, c.lastErr = to, err
	c.mu.Unlock()
	if from == to {
		return
	}

	if err != nil {
		log.Printf("ntrip: %s/%s: %s -> %s: %s", c.cfg.addr(), c.cfg.Mountpoint, from, to, err.Error())
	} else {
		log.Printf("ntrip: %s/%s: %s -> %s", c.cfg.addr(), c.cfg.Mountpoint, from, to)
	}
	if c.stateCh != nil {
		c.stateCh <- StateChange{From: from, To: to, Err: err, Time: time.Now()}
	}
}

// Connect opens the stream and starts forwarding corrections. Failures are
// returned and leave the client in the Error state.
func (c *Client) Connect(ctx context.Context) error {
	if !c.running.SetToIf(false, true) {
		return ErrAlreadyConnected
	}
	c.setState(Connecting, nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.abort, c.aborted = cancel, false
	c.mu.Unlock()

	s, err := c.open(ctx)

	c.mu.Lock()
	aborted := c.aborted
	c.abort = nil
	c.mu.Unlock()
	if aborted {
		if s != nil {
			s.closer.Close()
		}
		c.running.UnSet()
		return ErrDisconnected
	}
	if err != nil {
		c.setState(Error, err)
		c.running.UnSet()
		return err
	}
	c.connects.Add(1)
	c.version.Store(int64(s.version))
	c.setState(Connected, nil)
	c.eh.Go(func(exit <-chan struct{}) { c.stream(exit, s) })
	return nil
}

// Disconnect closes the stream and waits for it to wind down. A Connect in
// progress is abandoned and returns ErrDisconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.abort != nil {
		c.aborted = true
		c.abort()
	}
	c.mu.Unlock()
	c.eh.Exit()
	c.setState(Disconnected, nil)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type stream struct {
	body    io.Reader
	closer  io.Closer
	gga     io.Writer // nil when the transport cannot carry uploads
	version int
}

func (c *Client) open(ctx context.Context) (*stream, error) {
	s, err := c.openV2(ctx)
	if errors.Is(err, ErrMalformedResponse) {
		log.Printf("ntrip: %s: legacy caster, retrying with NTRIP v1", c.cfg.addr())
		return c.openV1(ctx)
	}
	return s, err
}

func (c *Client) openV2(ctx context.Context) (*stream, error) {
	// The request context outlives ctx once the stream is established.
	reqCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+c.cfg.addr()+"/"+c.cfg.Mountpoint, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Ntrip-Version", "Ntrip/2.0")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	if p, ok := c.position(); ok {
		req.Header.Set("Ntrip-GGA", strings.TrimSpace(string(GGA(p))))
	}

	resp, err := httpClient(c.cfg).Do(req)
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "gnss/sourcetable") {
		resp.Body.Close()
		cancel()
		return nil, ErrMountpointNotFound
	}
	closer := closerFunc(func() error {
		defer cancel()
		return resp.Body.Close()
	})
	return &stream{body: resp.Body, closer: closer, version: 2}, nil
}

func (c *Client) openV1(ctx context.Context) (*stream, error) {
	conn, br, status, err := requestV1(ctx, c.cfg, "/"+c.cfg.Mountpoint, c.ggaLine())
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(status, "ICY 200"):
		return &stream{body: br, closer: conn, gga: conn, version: 1}, nil
	case strings.HasPrefix(status, "SOURCETABLE"):
		conn.Close()
		return nil, ErrMountpointNotFound
	case strings.Contains(status, " 401"):
		conn.Close()
		return nil, ErrUnauthorized
	}
	conn.Close()
	return nil, fmt.Errorf("ntrip: unexpected response %q", status)
}

func (c *Client) ggaLine() []byte {
	if p, ok := c.position(); ok {
		return GGA(p)
	}
	return nil
}

func (c *Client) stream(exit <-chan struct{}, s *stream) {
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := s.body.Read(buf)
			if n > 0 {
				c.bytesRX.Add(uint64(n))
				b := make([]byte, n)
				copy(b, buf[:n])
				select {
				case c.dataCh <- b:
				case <-exit:
					done <- nil
					return
				}
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()

	var tick <-chan time.Time
	if s.gga != nil && c.cfg.GGAInterval > 0 {
		t := time.NewTicker(c.cfg.GGAInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-exit:
			s.closer.Close()
			<-done
			c.running.UnSet()
			return
		case err := <-done:
			s.closer.Close()
			if err == nil || errors.Is(err, io.EOF) {
				c.setState(Disconnected, io.EOF)
			} else {
				c.setState(Error, err)
			}
			c.running.UnSet()
			return
		case <-tick:
			line := c.ggaLine()
			if line == nil {
				continue
			}
			if _, err := s.gga.Write(line); err != nil {
				log.Printf("ntrip: sending GGA: %s", err.Error())
				continue
			}
			c.ggaSent.Add(1)
		}
	}
}

func httpClient(cfg Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: cfg.timeout()}).DialContext,
			ResponseHeaderTimeout: cfg.timeout(),
			DisableKeepAlives:     true,
		},
	}
}

// classify relies on the wording of net/http's transport error for a status
// line it cannot parse, "net/http: HTTP/1.x transport connection broken:
// malformed HTTP response". A legacy caster test fails if it changes.
func classify(err error) error {
	if strings.Contains(err.Error(), "malformed HTTP") {
		return fmt.Errorf("%w: %s", ErrMalformedResponse, err.Error())
	}
	return err
}

func checkResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrMountpointNotFound
	}
	return fmt.Errorf("ntrip: caster returned %s", resp.Status)
}

// requestV1 sends a version 1 request over a plain TCP connection and
// returns the status line. extra is appended after the header, used for the
// initial GGA sentence.
func requestV1(ctx context.Context, cfg Config, path string, extra []byte) (net.Conn, *bufio.Reader, string, error) {
	d := net.Dialer{Timeout: cfg.timeout()}
	conn, err := d.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, nil, "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.0\r\n", path)
	fmt.Fprintf(&sb, "User-Agent: %s\r\n", userAgent)
	if cfg.Username != "" {
		fmt.Fprintf(&sb, "Authorization: Basic %s\r\n", cfg.basicAuth())
	}
	sb.WriteString("\r\n")
	req := append([]byte(sb.String()), extra...)

	conn.SetDeadline(time.Now().Add(cfg.timeout()))
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, nil, "", err
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, nil, "", err
	}
	conn.SetDeadline(time.Time{})
	return conn, br, strings.TrimSpace(status), nil
}
