/*
	Copyright (c) 2015-2016 Christopher Young,
	Copyright (c) 2022 Refactored R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	config.go: UBX-CFG frames written to a receiver after connect.
*/

package ubx

import "encoding/binary"

// nmeaStandard lists the NMEA standard message IDs (class 0xF0) silenced when
// the receiver is switched to binary navigation output.
var nmeaStandard = []byte{
	0x00, // GGA
	0x01, // GLL
	0x02, // GSA
	0x03, // GSV
	0x04, // RMC
	0x05, // VTG
	0x08, // ZDA
}

// CfgMsg builds a UBX-CFG-MSG frame setting the output rate of one message
// on all ports. Rate is per navigation solution, 0 disables.
//
//	                     msg   msg   Ports 1-6
//	                     Class ID    I2C   UART1 UART2 USB   SPI   Res
func CfgMsg(class, id, rate byte) []byte {
	return Encode(ClassCFG, IDCfgMsg, []byte{class, id, 0x00, rate, 0x00, rate, 0x00, 0x00})
}

// CfgRate builds a UBX-CFG-RATE frame for the given navigation rate, aligned
// to GPS time.
func CfgRate(hz int) []byte {
	if hz <= 0 {
		hz = 1
	}
	p := make([]byte, 6)
	binary.LittleEndian.PutUint16(p[0:2], uint16(1000/hz)) // measRate ms
	binary.LittleEndian.PutUint16(p[2:4], 1)               // navRate cycles
	binary.LittleEndian.PutUint16(p[4:6], 1)               // timeRef GPS
	return Encode(ClassCFG, IDCfgRate, p)
}

// ReceiverConfig returns the frames that switch a u-blox receiver to the
// navigation messages this package decodes. NAV-SAT is sent every 5th
// solution; everything else every solution.
func ReceiverConfig(navRateHz int, silenceNMEA bool) [][]byte {
	frames := [][]byte{
		CfgMsg(ClassNAV, IDNavPVT, 1),
		CfgMsg(ClassNAV, IDNavPosLLH, 1),
		CfgMsg(ClassNAV, IDNavVelNED, 1),
		CfgMsg(ClassNAV, IDNavStatus, 1),
		CfgMsg(ClassNAV, IDNavSat, 5),
	}
	if silenceNMEA {
		for _, id := range nmeaStandard {
			frames = append(frames, CfgMsg(0xF0, id, 0))
		}
	}
	return append(frames, CfgRate(navRateHz))
}
