/*
	Copyright (c) 2022 R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	exithelper.go: Coordinated shutdown of a group of goroutines
*/
package common

import (
	"sync"

	"github.com/tevino/abool/v2"
)

// ExitHelper lets a component start goroutines and later stop all of them
// deterministically. After Exit returns every goroutine started with Go has
// finished and the helper can be reused for a new set.
type ExitHelper struct {
	c chan struct{}
	w *sync.WaitGroup
	m sync.Mutex
	b *abool.AtomicBool
}

func NewExitHelper() *ExitHelper {
	return &ExitHelper{
		c: make(chan struct{}),
		w: new(sync.WaitGroup),
		b: abool.New(),
	}
}

// Go runs f in a new goroutine tracked by the helper. f must return once the
// channel it is given is closed.
func (a *ExitHelper) Go(f func(exit <-chan struct{})) {
	a.m.Lock()
	a.w.Add(1)
	c := a.c
	w := a.w
	a.m.Unlock()
	go func() {
		defer w.Done()
		f(c)
	}()
}

// C returns the channel closed on the next Exit.
func (a *ExitHelper) C() <-chan struct{} {
	a.m.Lock()
	defer a.m.Unlock()
	return a.c
}

func (a *ExitHelper) IsExit() bool {
	return a.b.IsSet()
}

// Exit closes the exit channel, waits for all tracked goroutines and re-arms
// the helper.
func (a *ExitHelper) Exit() {
	a.m.Lock()
	a.b.Set()
	close(a.c)
	w := a.w
	a.c = make(chan struct{})
	a.w = new(sync.WaitGroup)
	a.m.Unlock()

	w.Wait()
	a.b.UnSet()
}
