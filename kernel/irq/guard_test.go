package irq

import (
	"testing"

	"borealis/kernel/cpu"
)

// simIrqState replaces the cpu-level function vars with a simulated
// interrupt-enable flag and returns a pointer to it.
func simIrqState(initiallyEnabled bool) *bool {
	enabled := initiallyEnabled
	interruptsEnabledFn = func() bool { return enabled }
	disableInterruptsFn = func() { enabled = false }
	enableInterruptsFn = func() { enabled = true }
	return &enabled
}

func restoreCPUFns() {
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn = cpu.EnableInterrupts
}

func TestGuardRestoresObservedState(t *testing.T) {
	defer restoreCPUFns()

	specs := []struct {
		initiallyEnabled bool
	}{
		{true},
		{false},
	}

	for specIndex, spec := range specs {
		enabled := simIrqState(spec.initiallyEnabled)

		g := Disable()
		if *enabled {
			t.Errorf("[spec %d] expected interrupts to be masked after Disable", specIndex)
		}

		g.Restore()
		if *enabled != spec.initiallyEnabled {
			t.Errorf("[spec %d] expected Restore to leave interrupts enabled=%t; got %t", specIndex, spec.initiallyEnabled, *enabled)
		}
	}
}

func TestGuardNesting(t *testing.T) {
	defer restoreCPUFns()

	enabled := simIrqState(true)

	outer := Disable()
	inner := Disable()

	// Releasing the inner guard must not re-enable interrupts while the
	// outer critical section is still active.
	inner.Restore()
	if *enabled {
		t.Fatal("expected interrupts to remain masked after the inner guard was restored")
	}

	outer.Restore()
	if !*enabled {
		t.Fatal("expected the outermost Restore to re-enable interrupts")
	}
}
