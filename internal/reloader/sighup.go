// Package reloader runs reload hooks on process signals.
package reloader

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// OnSIGHUP calls fn once per SIGHUP until stop is called. Signals that
// arrive while fn is running are coalesced into one more call.
func OnSIGHUP(fn func()) (stop func()) {
	return On(fn, syscall.SIGHUP)
}

// On calls fn for each of sigs until stop is called.
func On(fn func(), sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)
	go func() {
		for {
			select {
			case <-ch:
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
