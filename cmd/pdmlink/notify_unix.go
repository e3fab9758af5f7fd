//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/pdmlink/internal/trigger"
)

// notifyStats fires t on every SIGUSR1 until the returned func is called.
func notifyStats(t *trigger.Deferred) (stop func()) {
	sig := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sig, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-sig:
				t.Fire()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
