//go:build !tinygo

package hx711

import (
	"runtime"
	"sync"
)

// On hosts there are no interrupts to mask; the bus is serialised and the goroutine
// pinned to its thread for the duration of a read.
var busMu sync.Mutex

type criticalState struct{}

func enterCritical() criticalState {
	runtime.LockOSThread()
	busMu.Lock()
	return criticalState{}
}

func exitCritical(criticalState) {
	busMu.Unlock()
	runtime.UnlockOSThread()
}
