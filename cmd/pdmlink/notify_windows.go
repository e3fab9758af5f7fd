//go:build windows

package main

import "github.com/MrWong99/pdmlink/internal/trigger"

// notifyStats is a no-op: Windows has no SIGUSR1.
func notifyStats(*trigger.Deferred) (stop func()) { return func() {} }
