package sync

import "borealis/kernel/irq"

var (
	// The following function vars are mocked by tests and are
	// automatically inlined by the compiler.
	irqDisableFn = irq.Disable
	irqRestoreFn = irq.Guard.Restore
)

// IrqSpinlock guards a value that is shared between regular kernel code and
// interrupt/exception handlers running on the same core. Acquire masks
// interrupt delivery on the acquiring core before it begins spinning on the
// lock flag. Without that ordering a handler could fire while the flag is
// held by the interrupted code, spin on it forever and never return control
// to the code that would have released it.
//
// The lock is not reentrant and must be released on the core that acquired
// it. Callers must not hold it across any operation that can block or
// suspend, and must keep critical sections short: acquisition spins
// unboundedly and cannot be cancelled.
type IrqSpinlock struct {
	lock Spinlock

	// guard stores the interrupt state captured by the current holder.
	// It is only accessed while the lock flag is held.
	guard irq.Guard
}

// Acquire masks interrupts on the current core and then busy-waits until the
// lock can be claimed. The interrupt state observed before masking is saved
// and reinstated by Release.
func (l *IrqSpinlock) Acquire() {
	g := irqDisableFn()
	l.lock.Acquire()
	l.guard = g
}

// TryToAcquire attempts to claim the lock without spinning. When the lock is
// already held it restores the interrupt state and returns false.
func (l *IrqSpinlock) TryToAcquire() bool {
	g := irqDisableFn()
	if !l.lock.TryToAcquire() {
		irqRestoreFn(g)
		return false
	}
	l.guard = g
	return true
}

// Release drops the lock flag first and restores the saved interrupt state
// last. Releasing in that order guarantees that a handler which fires the
// moment interrupts are unmasked observes the lock as free.
func (l *IrqSpinlock) Release() {
	g := l.guard
	l.lock.Release()
	irqRestoreFn(g)
}
