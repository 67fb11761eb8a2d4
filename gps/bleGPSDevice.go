/*
	Copyright (c) 2021 R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	bleGPSDevice.go: Receivers behind a Bluetooth LE serial bridge.
*/

package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/exp/slices"
	"tinygo.org/x/bluetooth"
)

// Nordic UART service, the usual BLE serial bridge profile.
const (
	DefaultServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultWriteUUID   = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultNotifyUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	// DefaultMTU is the ATT MTU assumed when none is configured. Writes are
	// split into MTU-3 byte chunks.
	DefaultMTU = 23
)

// BLEDialer connects to a receiver by MAC address or, when Address is empty,
// to the first advertising device whose name is in Names.
type BLEDialer struct {
	Adapter *bluetooth.Adapter
	Address string
	Names   []string

	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
	MTU         int

	enableOnce sync.Once
	enableErr  error
}

func (b *BLEDialer) Name() string {
	if b.Address != "" {
		return "ble:" + b.Address
	}
	return "ble"
}

func (b *BLEDialer) adapter() (*bluetooth.Adapter, error) {
	if b.Adapter == nil {
		b.Adapter = bluetooth.DefaultAdapter
	}
	b.enableOnce.Do(func() {
		b.enableErr = b.Adapter.Enable()
	})
	return b.Adapter, b.enableErr
}

func parseUUID(s, def string) (bluetooth.UUID, error) {
	if s == "" {
		s = def
	}
	return bluetooth.ParseUUID(s)
}

func (b *BLEDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	adapter, err := b.adapter()
	if err != nil {
		return nil, fmt.Errorf("bleGPSDevice: enable adapter: %w", err)
	}
	svcUUID, err := parseUUID(b.ServiceUUID, DefaultServiceUUID)
	if err != nil {
		return nil, err
	}
	writeUUID, err := parseUUID(b.WriteUUID, DefaultWriteUUID)
	if err != nil {
		return nil, err
	}
	notifyUUID, err := parseUUID(b.NotifyUUID, DefaultNotifyUUID)
	if err != nil {
		return nil, err
	}

	mac := b.Address
	if mac == "" {
		if mac, err = b.scan(ctx, adapter, svcUUID); err != nil {
			return nil, err
		}
	}
	address, err := bluetooth.ParseMAC(mac)
	if err != nil {
		return nil, err
	}

	device, err := adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: address}}, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	log.Printf("bleGPSDevice: Connected to : %s", mac)
	disconnect := func() error {
		log.Printf("bleGPSDevice: Disconnected from : %s", mac)
		return device.Disconnect()
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		disconnect()
		return nil, fmt.Errorf("bleGPSDevice: service %s: %v", svcUUID.String(), err)
	}

	uuids := []bluetooth.UUID{notifyUUID}
	if writeUUID != notifyUUID {
		uuids = append(uuids, writeUUID)
	}
	chars, err := services[0].DiscoverCharacteristics(uuids)
	if err != nil {
		disconnect()
		return nil, err
	}

	// bluetooth v0.5.0 has no central-side MTU exchange. BlueZ negotiates
	// the MTU while connecting, so MTU must match what the device accepts.
	mtu := b.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	port := newBLEPort(mtu-3, disconnect)
	var haveWrite, haveNotify bool
	for i := range chars {
		c := chars[i]
		if c.UUID() == writeUUID {
			port.write = c.WriteWithoutResponse
			haveWrite = true
		}
		if c.UUID() == notifyUUID {
			if err := c.EnableNotifications(port.notify); err != nil {
				disconnect()
				return nil, err
			}
			haveNotify = true
		}
	}
	if !haveWrite || !haveNotify {
		disconnect()
		return nil, errors.New("bleGPSDevice: missing UART characteristics")
	}
	return port, nil
}

// scan returns the address of the first device advertising svc whose name
// is allowed.
func (b *BLEDialer) scan(ctx context.Context, adapter *bluetooth.Adapter, svc bluetooth.UUID) (string, error) {
	found := make(chan string, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.Address == nil || !result.AdvertisementPayload.HasServiceUUID(svc) {
				return
			}
			if len(b.Names) > 0 && !slices.Contains(b.Names, result.LocalName()) {
				return
			}
			adapter.StopScan()
			select {
			case found <- result.Address.String():
			default:
			}
		})
	}()

	select {
	case mac := <-found:
		log.Printf("bleGPSDevice: Found device : %s", mac)
		<-scanErr
		return mac, nil
	case err := <-scanErr:
		if err != nil {
			return "", fmt.Errorf("bleGPSDevice: scan: %w", err)
		}
		return "", ErrNoDevice
	case <-ctx.Done():
		adapter.StopScan()
		<-scanErr
		return "", ctx.Err()
	}
}

// blePort turns notifications and write-without-response into a byte
// stream.
type blePort struct {
	chunk      int
	write      func([]byte) (int, error)
	disconnect func() error

	rx      chan []byte
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newBLEPort(chunk int, disconnect func() error) *blePort {
	if chunk <= 0 {
		chunk = DefaultMTU - 3
	}
	return &blePort{
		chunk:      chunk,
		disconnect: disconnect,
		rx:         make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

// notify may run in a context that must not block, so a full buffer drops
// the notification.
func (p *blePort) notify(value []byte) {
	b := make([]byte, len(value))
	copy(b, value)
	select {
	case p.rx <- b:
	default:
		log.Printf("bleGPSDevice: rx buffer full, dropping %d bytes", len(b))
	}
}

func (p *blePort) Read(buf []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case <-p.closed:
			return 0, io.EOF
		case p.pending = <-p.rx:
		}
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *blePort) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		select {
		case <-p.closed:
			return written, io.ErrClosedPipe
		default:
		}
		n := p.chunk
		if n > len(b) {
			n = len(b)
		}
		if _, err := p.write(b[:n]); err != nil {
			return written, err
		}
		written += n
		b = b[n:]
	}
	return written, nil
}

func (p *blePort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.disconnect != nil {
			err = p.disconnect()
		}
	})
	return err
}
