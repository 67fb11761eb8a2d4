/*
	Copyright (c) 2022 R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	watchdog.go: Receive watchdog for device links
*/
package common

import (
	"sync/atomic"
	"time"
)

// WatchDog fires on C when it has been poked at least once and then not
// poked again within its duration. A link that never delivers data does not
// trip the watchdog; connect timeouts cover that case.
type WatchDog struct {
	t     *time.Timer
	d     time.Duration
	armed atomic.Bool
	fired atomic.Bool
	C     chan struct{}
}

func NewWatchDog(d time.Duration) *WatchDog {
	wd := &WatchDog{
		d: d,
		C: make(chan struct{}, 1),
	}
	wd.t = time.AfterFunc(d, func() {
		if wd.armed.Load() {
			wd.fired.Store(true)
			select {
			case wd.C <- struct{}{}:
			default:
			}
		}
	})
	return wd
}

func (w *WatchDog) IsTriggered() bool {
	return w.fired.Load()
}

// Poke re-arms the watchdog for another full duration.
func (w *WatchDog) Poke() {
	w.armed.Store(false)
	w.t.Stop()
	w.t.Reset(w.d)
	w.armed.Store(true)
}

// Stop disarms the watchdog without firing.
func (w *WatchDog) Stop() {
	w.armed.Store(false)
	w.t.Stop()
}
