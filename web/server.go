// Package web serves session status, guidance lines, caster discovery, a
// websocket event stream and Prometheus metrics over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldline/swathguide/engine"
	"github.com/fieldline/swathguide/guidance"
	"github.com/fieldline/swathguide/ntrip"
)

// Controller is the part of a session the HTTP surface drives.
type Controller interface {
	Snapshot() engine.Snapshot
	Lines() []guidance.GuidanceLine
	SourceTable(ctx context.Context) (*ntrip.SourceTable, error)
	ConnectDevice()
	DisconnectDevice()
	ConnectCorrections(ctx context.Context) error
	DisconnectCorrections()
	StartGuidance() error
	StopGuidance()
}

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	// The UI is served from the tablet's own origin or a local file.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func Handler(ctl Controller, hub *Hub, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", get(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctl.Snapshot())
	}))

	mux.HandleFunc("/lines", get(func(w http.ResponseWriter, r *http.Request) {
		lines := ctl.Lines()
		if lines == nil {
			lines = []guidance.GuidanceLine{}
		}
		writeJSON(w, http.StatusOK, lines)
	}))

	mux.HandleFunc("/sourcetable", get(func(w http.ResponseWriter, r *http.Request) {
		table, err := ctl.SourceTable(r.Context())
		if err != nil {
			code := http.StatusBadGateway
			if errors.Is(err, engine.ErrNoCorrectionSource) {
				code = http.StatusNotFound
			}
			http.Error(w, err.Error(), code)
			return
		}
		writeJSON(w, http.StatusOK, table)
	}))

	mux.HandleFunc("/device/connect", post(func(w http.ResponseWriter, r *http.Request) {
		ctl.ConnectDevice()
		ok(w)
	}))
	mux.HandleFunc("/device/disconnect", post(func(w http.ResponseWriter, r *http.Request) {
		ctl.DisconnectDevice()
		ok(w)
	}))
	mux.HandleFunc("/corrections/connect", post(func(w http.ResponseWriter, r *http.Request) {
		if err := ctl.ConnectCorrections(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		ok(w)
	}))
	mux.HandleFunc("/corrections/disconnect", post(func(w http.ResponseWriter, r *http.Request) {
		ctl.DisconnectCorrections()
		ok(w)
	}))
	mux.HandleFunc("/guidance/start", post(func(w http.ResponseWriter, r *http.Request) {
		if err := ctl.StartGuidance(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		ok(w)
	}))
	mux.HandleFunc("/guidance/stop", post(func(w http.ResponseWriter, r *http.Request) {
		ctl.StopGuidance()
		ok(w)
	}))

	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			serveWS(hub, w, r)
		})
	}
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func get(h http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodGet, h)
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodPost, h)
}

func method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func ok(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{\"ok\":true}\n"))
}

// serveWS streams session events to one client until it goes away.
func serveWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %s", err.Error())
		return
	}
	defer conn.Close()

	id, events := hub.Subscribe(32)
	defer hub.Unsubscribe(id)

	// The client sends nothing; reading only notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, open := <-events:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
