/*
	Copyright (c) 2022 R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	gps.go: Transport independent types for GNSS receiver connections.
*/

// Package gps connects to a GNSS receiver over Bluetooth LE, a serial port
// or TCP and keeps that connection alive.
package gps

import (
	"context"
	"errors"
	"io"
	"time"
)

// State is the lifecycle state of a device connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
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
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange is announced on every state transition. Err is set for
// transitions into Error and for unexpected disconnects.
type StateChange struct {
	Name string
	From State
	To   State
	Err  error
	Time time.Time
}

// Dialer opens the byte stream to a receiver. Reads deliver the receiver's
// output, writes go to its correction input. Close must unblock a pending
// Read.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	// Name identifies the device in logs and diagnostics.
	Name() string
}

var (
	// ErrUserDisconnect is recorded when the connection was closed by
	// Disconnect rather than by the device.
	ErrUserDisconnect = errors.New("gps: disconnected by user")
	// ErrWatchdog is recorded when a connected device stopped sending.
	ErrWatchdog = errors.New("gps: receive watchdog expired")
	// ErrNoDevice is returned by dialers that found nothing to connect to.
	ErrNoDevice = errors.New("gps: no device found")
)

// Stats are running counters of a DeviceConnection.
type Stats struct {
	BytesRX    uint64 `json:"bytes_rx"`
	BytesTX    uint64 `json:"bytes_tx"`
	TXDropped  uint64 `json:"tx_dropped"`
	Connects   uint64 `json:"connects"`
	DialErrors uint64 `json:"dial_errors"`
}
