// Package cpu provides access to the interrupt-masking and halt primitives
// of the processor. All functions in this package are implemented in
// assembly and operate on the core that executes them.
package cpu

// EnableInterrupts enables handling of maskable interrupts.
func EnableInterrupts()

// DisableInterrupts disables handling of maskable interrupts.
func DisableInterrupts()

// InterruptsEnabled returns true if the current core accepts maskable
// interrupts (I bit clear in DAIF).
func InterruptsEnabled() bool

// Halt masks interrupts and stops instruction execution.
func Halt()
