/*
	Copyright (c) 2015-2016 Christopher Young,
	Copyright (c) 2022 Refactored R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	serialGPSDevice.go: USB/UART receivers.
*/

package gps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/ratelimit"

	"github.com/fieldline/swathguide/common"
	"github.com/fieldline/swathguide/ubx"
)

// SerialDialer opens a receiver on a serial port. With an empty Port the
// usual USB and UART device nodes are tried in turn.
type SerialDialer struct {
	Port  string
	Bauds []int
	// ProbeTimeout bounds the wait for receiver output at each baud rate.
	ProbeTimeout time.Duration
	Debug        bool
}

func (s *SerialDialer) Name() string {
	if s.Port == "" {
		return "serial"
	}
	return s.Port
}

// candidatePorts lists the device nodes a receiver commonly shows up on.
func candidatePorts() []string {
	all := []string{"/dev/ublox9", "/dev/ublox8", "/dev/ublox"}
	for i := 0; i < 10; i++ {
		all = append(all, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		all = append(all, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for i := 0; i < 4; i++ {
		all = append(all, fmt.Sprintf("/dev/ttyAMA%d", i))
	}
	return all
}

func (s *SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	ports := candidatePorts()
	if s.Port != "" {
		ports = []string{s.Port}
	}
	bauds := s.Bauds
	if len(bauds) == 0 {
		bauds = []int{115200, 38400, 9600}
	}

	rl := ratelimit.New(1, ratelimit.Per(500*time.Millisecond))
	for _, name := range ports {
		// test if serial port exists on OS level
		if _, err := os.Stat(name); err != nil {
			continue
		}
		for _, baud := range bauds {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			rl.Take()
			if p := s.open(name, baud); p != nil {
				return p, nil
			}
		}
	}
	return nil, ErrNoDevice
}

func (s *SerialDialer) open(name string, baud int) *serial.Port {
	timeout := s.ProbeTimeout
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: timeout})
	if err != nil {
		if s.Debug {
			log.Printf("serialGPSDevice: open %s@%d: %s", name, baud, err.Error())
		}
		return nil
	}

	buffer := make([]byte, 4096)
	n, err := p.Read(buffer)
	if n != 0 && err == nil && looksLikeGNSS(buffer[:n]) {
		log.Printf("serialGPSDevice: Detected receiver on %s with baud %d", name, baud)
		return p
	}
	p.Close()
	return nil
}

// looksLikeGNSS reports whether b holds a UBX sync pair or a complete NMEA
// sentence with a valid checksum.
func looksLikeGNSS(b []byte) bool {
	if bytes.Contains(b, []byte{ubx.Sync1, ubx.Sync2}) {
		return true
	}
	for _, line := range bytes.Split(b, []byte("\n")) {
		i := bytes.IndexByte(line, '$')
		if i < 0 {
			continue
		}
		if _, ok := common.ValidateNMEAChecksum(string(line[i:])); ok {
			return true
		}
	}
	return false
}
