package ntrip

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTable = "CAS;caster.example.net;2101;Example;EX;0;DEU;50.09;8.66;http://example.net\r\n" +
	"NET;EXNET;Example;B;N;http://example.net;none;info@example.net;none\r\n" +
	"STR;FFMJ00DEU0;Frankfurt;RTCM 3.3;1004(1),1006(10);2;GPS+GLO;EXNET;DEU;50.09;8.66;1;0;sNTRIP;none;B;N;5800;cell\r\n" +
	"STR;VRS3;Virtual;RTCM 3.2;1077(1);1;GPS;EXNET;DEU;51.00;9.00;1;1;VRS;none;B;Y;2400;a;b\r\n" +
	"STR;BROKEN;Bad;RTCM 3;;9;GPS;EXNET;DEU;x;y;0;0;g;none;N;N;0;\r\n" +
	"STR;SHORT;Too;few\r\n" +
	"ENDSOURCETABLE\r\n" +
	"STR;AFTER;Ignored;RTCM 3;;0;GPS;N;DEU;0;0;0;0;g;none;N;N;0;\r\n"

func TestParseSourceTable(t *testing.T) {
	st, err := ParseSourceTable(strings.NewReader(sampleTable))
	require.NoError(t, err)

	want := []Mountpoint{
		{
			Name: "FFMJ00DEU0", Identifier: "Frankfurt", Format: "RTCM 3.3", FormatDetails: "1004(1),1006(10)",
			Carrier: CarrierL1L2, NavSystem: "GPS+GLO", Network: "EXNET", Country: "DEU", Lat: 50.09, Lon: 8.66,
			NMEA: true, Generator: "sNTRIP", Compression: "none", Authentication: "B", Bitrate: 5800, Misc: "cell",
		},
		{
			Name: "VRS3", Identifier: "Virtual", Format: "RTCM 3.2", FormatDetails: "1077(1)",
			Carrier: CarrierL1, NavSystem: "GPS", Network: "EXNET", Country: "DEU", Lat: 51, Lon: 9,
			NMEA: true, NetworkRTK: true, Generator: "VRS", Compression: "none", Authentication: "B",
			Fee: true, Bitrate: 2400, Misc: "a;b",
		},
	}
	if diff := cmp.Diff(want, st.Mountpoints); diff != "" {
		t.Fatalf("mountpoints (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, st.Skipped)
	assert.Len(t, st.Casters, 1)
	assert.Len(t, st.Networks, 1)

	m, ok := st.Find("VRS3")
	require.True(t, ok)
	assert.Equal(t, "L1", m.Carrier.String())
	_, ok = st.Find("AFTER")
	assert.False(t, ok)
}

func TestGGA(t *testing.T) {
	p := Position{
		Time:    time.Date(2024, 5, 1, 12, 35, 19, 500e6, time.UTC),
		Lat:     48.1173,
		Lon:     -11.51666667,
		AltMSL:  545.4,
		Quality: QualityRTKFixed,
		NumSV:   8,
		HDOP:    0.9,
	}
	raw := string(GGA(p))
	require.True(t, strings.HasSuffix(raw, "\r\n"))

	s, err := nmea.Parse(strings.TrimSpace(raw))
	require.NoError(t, err)
	gga, ok := s.(nmea.GGA)
	require.True(t, ok, "got %T", s)
	assert.InDelta(t, 48.1173, gga.Latitude, 1e-6)
	assert.InDelta(t, -11.51666667, gga.Longitude, 1e-6)
	assert.Equal(t, "4", gga.FixQuality)
	assert.Equal(t, int64(8), gga.NumSatellites)
	assert.InDelta(t, 0.9, gga.HDOP, 1e-9)
	assert.InDelta(t, 545.4, gga.Altitude, 1e-9)
	assert.Equal(t, 12, gga.Time.Hour)
	assert.Equal(t, 35, gga.Time.Minute)
	assert.Equal(t, 19, gga.Time.Second)
	assert.Equal(t, 500, gga.Time.Millisecond)
}

func TestDdmm_MinuteRollover(t *testing.T) {
	assert.Equal(t, "4900.00000,N", ddmm(48.9999999999, 2, "N", "S"))
	assert.Equal(t, "00030.00000,W", ddmm(-0.5, 3, "E", "W"))
}

func configFor(t *testing.T, addr string) Config {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Config{Host: host, Port: p, Mountpoint: "MOUNT", Username: "user", Password: "pass", Timeout: time.Second}
}

func expectState(t *testing.T, ch <-chan StateChange, want State) StateChange {
	t.Helper()
	select {
	case sc := <-ch:
		require.Equal(t, want, sc.To)
		return sc
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return StateChange{}
	}
}

func TestClient_V2Stream(t *testing.T) {
	gotGGA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if r.Header.Get("Ntrip-Version") != "Ntrip/2.0" || !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/MOUNT" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotGGA <- r.Header.Get("Ntrip-GGA")
		w.Header().Set("Content-Type", "gnss/data")
		w.Write([]byte{0xD3, 0x00, 0x13})
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	data := make(chan []byte, 4)
	states := make(chan StateChange, 8)
	c := NewClient(configFor(t, srv.Listener.Addr().String()), data, states)
	c.SetPosition(Position{Time: time.Now(), Lat: 50, Lon: 8, Quality: QualityGPS})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	expectState(t, states, Connecting)
	expectState(t, states, Connected)
	assert.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)

	assert.True(t, strings.HasPrefix(<-gotGGA, "$GPGGA,"))
	select {
	case b := <-data:
		assert.Equal(t, []byte{0xD3, 0x00, 0x13}, b)
	case <-time.After(2 * time.Second):
		t.Fatal("no correction data")
	}
	assert.Equal(t, 2, c.Stats().Version)

	// The handshake context ending does not end the stream.
	cancel()
	time.Sleep(20 * time.Millisecond)
	s, _ := c.State()
	assert.Equal(t, Connected, s)

	c.Disconnect()
	expectState(t, states, Disconnected)
}

func TestClient_V2Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/LOCKED":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.Header().Set("Content-Type", "gnss/sourcetable")
			w.Write([]byte(sampleTable))
		}
	}))
	defer srv.Close()

	cfg := configFor(t, srv.Listener.Addr().String())
	cfg.Mountpoint = "LOCKED"
	states := make(chan StateChange, 8)
	c := NewClient(cfg, make(chan []byte), states)
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	expectState(t, states, Connecting)
	sc := expectState(t, states, Error)
	assert.ErrorIs(t, sc.Err, ErrUnauthorized)

	cfg.Mountpoint = "NOPE"
	err = NewClient(cfg, make(chan []byte), nil).Connect(context.Background())
	assert.ErrorIs(t, err, ErrMountpointNotFound)
}

// legacyCaster answers every request with an NTRIP v1 status line. Stream
// requests get "ICY 200 OK" followed by payload; afterwards every line the
// client uploads is published on uploads, unless hangup is set.
type legacyCaster struct {
	ln      net.Listener
	payload []byte
	table   string
	hangup  bool
	uploads chan string
	v2Seen  chan struct{}
}

func newLegacyCaster(t *testing.T, payload []byte, table string, hangup bool) *legacyCaster {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lc := &legacyCaster{
		ln:      ln,
		payload: payload,
		table:   table,
		hangup:  hangup,
		uploads: make(chan string, 16),
		v2Seen:  make(chan struct{}, 4),
	}
	go lc.serve()
	t.Cleanup(func() { ln.Close() })
	return lc
}

func (lc *legacyCaster) serve() {
	for {
		conn, err := lc.ln.Accept()
		if err != nil {
			return
		}
		go lc.handle(conn)
	}
}

func (lc *legacyCaster) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	var path string
	v2 := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "GET ") {
			path = strings.Fields(line)[1]
		}
		if strings.HasPrefix(line, "Ntrip-Version") {
			v2 = true
		}
	}
	if v2 {
		lc.v2Seen <- struct{}{}
	}

	if path == "/" || lc.table != "" {
		conn.Write([]byte("SOURCETABLE 200 OK\r\nServer: legacy\r\nContent-Type: text/plain\r\n\r\n" + lc.table))
		return
	}
	conn.Write([]byte("ICY 200 OK\r\n"))
	conn.Write(lc.payload)
	if v2 || lc.hangup {
		return
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		lc.uploads <- strings.TrimSpace(line)
	}
}

func TestClient_LegacyFallbackWithGGA(t *testing.T) {
	lc := newLegacyCaster(t, []byte{0xD3, 0x00, 0x01, 0x42}, "", false)

	cfg := configFor(t, lc.ln.Addr().String())
	cfg.GGAInterval = 20 * time.Millisecond
	data := make(chan []byte, 4)
	c := NewClient(cfg, data, nil)
	c.SetPosition(Position{Time: time.Now(), Lat: 50, Lon: 8, Quality: QualityRTKFloat, NumSV: 12})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	select {
	case <-lc.v2Seen:
	default:
		t.Fatal("client did not try NTRIP v2 first")
	}
	select {
	case b := <-data:
		assert.Equal(t, lc.payload, b)
	case <-time.After(2 * time.Second):
		t.Fatal("no correction data")
	}
	assert.Equal(t, 1, c.Stats().Version)

	// Initial GGA after the header, then periodic uploads.
	for i := 0; i < 2; i++ {
		select {
		case line := <-lc.uploads:
			s, err := nmea.Parse(line)
			require.NoError(t, err)
			assert.Equal(t, nmea.TypeGGA, s.DataType())
		case <-time.After(2 * time.Second):
			t.Fatal("no GGA upload")
		}
	}
	assert.Eventually(t, func() bool { return c.Stats().GGASent >= 1 }, time.Second, 5*time.Millisecond)
}

func TestClient_StreamEndNeedsManualReconnect(t *testing.T) {
	lc := newLegacyCaster(t, []byte{0xD3}, "", true)

	states := make(chan StateChange, 8)
	c := NewClient(configFor(t, lc.ln.Addr().String()), make(chan []byte, 4), states)
	require.NoError(t, c.Connect(context.Background()))
	expectState(t, states, Connecting)
	expectState(t, states, Connected)

	sc := expectState(t, states, Disconnected)
	assert.ErrorIs(t, sc.Err, io.EOF)
	time.Sleep(30 * time.Millisecond)
	select {
	case sc := <-states:
		t.Fatalf("unexpected transition to %s", sc.To)
	default:
	}
	assert.Equal(t, uint64(1), c.Stats().Connects)

	require.NoError(t, c.Connect(context.Background()))
	expectState(t, states, Connecting)
	expectState(t, states, Connected)
	c.Disconnect()
}

func TestClient_DisconnectDuringHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "gnss/data")
		w.Write([]byte{0xD3})
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	states := make(chan StateChange, 8)
	c := NewClient(configFor(t, srv.Listener.Addr().String()), make(chan []byte, 4), states)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()
	expectState(t, states, Connecting)

	time.Sleep(50 * time.Millisecond)
	c.Disconnect()
	expectState(t, states, Disconnected)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	time.Sleep(400 * time.Millisecond)
	s, _ := c.State()
	assert.Equal(t, Disconnected, s)
	assert.Equal(t, uint64(0), c.Stats().Connects)

	// No late switch to Connected.
	select {
	case sc := <-states:
		t.Fatalf("unexpected transition to %s", sc.To)
	default:
	}
}

func TestFetchSourceTable_V2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "gnss/sourcetable")
		w.Write([]byte(sampleTable))
	}))
	defer srv.Close()

	st, err := FetchSourceTable(context.Background(), configFor(t, srv.Listener.Addr().String()))
	require.NoError(t, err)
	assert.Len(t, st.Mountpoints, 2)
}

func TestFetchSourceTable_Legacy(t *testing.T) {
	lc := newLegacyCaster(t, nil, sampleTable, false)

	st, err := FetchSourceTable(context.Background(), configFor(t, lc.ln.Addr().String()))
	require.NoError(t, err)
	assert.Len(t, st.Mountpoints, 2)
	_, ok := st.Find("FFMJ00DEU0")
	assert.True(t, ok)
}

func TestClient_LegacySourceTableMeansUnknownMountpoint(t *testing.T) {
	lc := newLegacyCaster(t, nil, sampleTable, false)

	err := NewClient(configFor(t, lc.ln.Addr().String()), make(chan []byte), nil).Connect(context.Background())
	assert.ErrorIs(t, err, ErrMountpointNotFound)
}

func TestFetchSourceTable_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close() // never answers
		}
	}()

	cfg := configFor(t, ln.Addr().String())
	cfg.Timeout = 100 * time.Millisecond
	start := time.Now()
	_, err = FetchSourceTable(context.Background(), cfg)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
