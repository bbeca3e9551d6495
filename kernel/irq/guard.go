// Package irq provides scoped control over the interrupt-masking state of
// the current core.
package irq

import "borealis/kernel/cpu"

var (
	// The following function vars are mocked by tests and are
	// automatically inlined by the compiler.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Guard captures the interrupt-enable state observed on the current core
// when interrupts were masked via Disable. Guards nest: an inner guard
// acquired while interrupts are already masked records that fact and its
// Restore becomes a no-op, so only the outermost Restore re-enables
// interrupt delivery. Guard acquisition and release never fail, never
// allocate and complete in constant time.
type Guard struct {
	wasEnabled bool
}

// Disable masks maskable interrupts on the current core and returns a Guard
// that remembers the state found at the time of the call. The caller must
// invoke Restore on the returned guard once its critical section completes.
func Disable() Guard {
	g := Guard{wasEnabled: interruptsEnabledFn()}
	disableInterruptsFn()
	return g
}

// Restore re-enables interrupt delivery if and only if interrupts were
// enabled when the guard was acquired. Restoring a guard acquired under an
// outer guard leaves interrupts masked for the outer critical section.
func (g Guard) Restore() {
	if g.wasEnabled {
		enableInterruptsFn()
	}
}
