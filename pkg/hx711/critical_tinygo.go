//go:build tinygo

package hx711

import "runtime/interrupt"

type criticalState = interrupt.State

func enterCritical() criticalState {
	return interrupt.Disable()
}

func exitCritical(s criticalState) {
	interrupt.Restore(s)
}
