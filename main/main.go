/*
	Copyright (c) 2015-2016 Christopher Young
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	main.go: Configuration, receiver and caster wiring, signal handling.
*/

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldline/swathguide/config"
	"github.com/fieldline/swathguide/engine"
	"github.com/fieldline/swathguide/feedback"
	"github.com/fieldline/swathguide/gps"
	"github.com/fieldline/swathguide/guidance"
	"github.com/fieldline/swathguide/ntrip"
	"github.com/fieldline/swathguide/telemetry"
	"github.com/fieldline/swathguide/ubx"
	"github.com/fieldline/swathguide/web"
)

// Position report interval for casters that need one but have none
// configured.
const defaultGGAInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/swathguide.yaml", "configuration file")
	debug := flag.Bool("debug", false, "log every fix, cue and ignored frame")
	listen := flag.String("listen", "", "HTTP listen address, overrides web.listen")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("main: config %s: %s", *configPath, err.Error())
	}
	if *debug {
		cfg.Log.Debug = true
	}
	if *listen != "" {
		cfg.Web.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("main: %s", err.Error())
	}
	log.Printf("main: stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	ntripCfg := ntrip.Config{
		Host:        cfg.NTRIP.Host,
		Port:        cfg.NTRIP.Port,
		Mountpoint:  cfg.NTRIP.Mountpoint,
		Username:    cfg.NTRIP.Username,
		Password:    cfg.NTRIP.Password,
		Timeout:     cfg.NTRIP.Timeout,
		GGAInterval: cfg.NTRIP.GGAInterval,
	}
	if ntripCfg.Host != "" && ntripCfg.GGAInterval == 0 && mountpointNeedsGGA(ctx, ntripCfg) {
		log.Printf("main: mountpoint %s expects position reports, sending every %s", ntripCfg.Mountpoint, defaultGGAInterval)
		ntripCfg.GGAInterval = defaultGGAInterval
	}

	session := engine.NewSession(engine.Config{
		Device:     newDialer(cfg.Device, cfg.Log.Debug),
		Connection: connectionConfig(cfg),
		NTRIP:      ntripCfg,
		Builder: guidance.Builder{
			Overlap:  *cfg.Guidance.Overlap,
			MaxLines: cfg.Guidance.MaxLines,
		},
		Tracker: guidance.Tracker{HeadingTolerance: cfg.Guidance.HeadingTolerance},
		Feedback: feedback.Policy{
			SilenceThreshold: cfg.Feedback.SilenceThreshold,
			Gain:             cfg.Feedback.Gain,
			MinInterval:      cfg.Feedback.MinInterval,
			MaxInterval:      cfg.Feedback.MaxInterval,
			Poll:             cfg.Feedback.Poll,
		},
		StaleAfter:       cfg.Feedback.StaleAfter,
		StateLogInterval: cfg.Log.StateInterval,
		Debug:            cfg.Log.Debug,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	if err := session.RegisterMetrics(reg); err != nil {
		return err
	}

	hub := web.NewHub()
	session.Subscribe(hub.Publish)

	var pub *telemetry.Publisher
	if cfg.MQTT.Broker != "" {
		p, err := telemetry.Dial(telemetry.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		})
		if err != nil {
			// Telemetry is optional; guidance runs without it.
			log.Printf("main: MQTT %s: %s", cfg.MQTT.Broker, err.Error())
		} else {
			pub = p
			session.Subscribe(pub.Listen)
		}
	}

	session.Start()
	if cfg.Field.Configured() {
		session.SetGuidance(cfg.Field.ReferenceLine(), cfg.Field.Boundary, cfg.Vehicle)
		if cfg.Guidance.AutoStart {
			if err := session.StartGuidance(); err != nil {
				log.Printf("main: guidance: %s", err.Error())
			}
		}
	}
	session.ConnectDevice()

	var wg sync.WaitGroup
	if cfg.NTRIP.AutoConnect {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.ConnectCorrections(ctx); err != nil {
				log.Printf("main: corrections: %s", err.Error())
			}
		}()
	}

	webErr := make(chan error, 1)
	if cfg.Web.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			webErr <- web.Serve(ctx, cfg.Web.Listen, web.Handler(session, hub, reg))
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-webErr:
	}

	log.Printf("main: shutting down")
	hub.Close()
	session.Close()
	if pub != nil {
		pub.Close()
	}
	wg.Wait()
	return err
}

func connectionConfig(cfg config.Config) gps.ConnectionConfig {
	cc := gps.ConnectionConfig{
		ReconnectDelay: cfg.Device.ReconnectDelay,
		Watchdog:       cfg.Device.Watchdog,
		Debug:          cfg.Log.Debug,
	}
	if cfg.Device.ConfigureUBX {
		cc.InitFrames = ubx.ReceiverConfig(cfg.Device.NavRateHz, cfg.Device.SilenceNMEA)
	}
	return cc
}

func newDialer(d config.DeviceConfig, debug bool) gps.Dialer {
	switch d.Transport {
	case config.TransportBLE:
		return &gps.BLEDialer{
			Address:     d.BLE.Address,
			Names:       d.BLE.Names,
			ServiceUUID: d.BLE.ServiceUUID,
			WriteUUID:   d.BLE.WriteUUID,
			NotifyUUID:  d.BLE.NotifyUUID,
			MTU:         d.BLE.MTU,
		}
	case config.TransportTCP:
		return &gps.TCPDialer{Addr: d.TCP.Addr}
	case config.TransportListen:
		return &gps.ListenDialer{Addr: d.TCP.Addr}
	}
	return &gps.SerialDialer{Port: d.Serial.Port, Bauds: d.Serial.Bauds, Debug: debug}
}

// mountpointNeedsGGA asks the caster whether the mountpoint expects the
// rover position. Discovery failures are not fatal.
func mountpointNeedsGGA(ctx context.Context, cfg ntrip.Config) bool {
	table, err := ntrip.FetchSourceTable(ctx, cfg)
	if err != nil {
		log.Printf("main: source table from %s: %s", cfg.Host, err.Error())
		return false
	}
	mp, ok := table.Find(cfg.Mountpoint)
	if !ok {
		log.Printf("main: mountpoint %s not in the source table of %s", cfg.Mountpoint, cfg.Host)
		return false
	}
	return mp.NMEA
}
