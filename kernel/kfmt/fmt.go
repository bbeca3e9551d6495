// Package kfmt provides a minimal, allocation-free Printf implementation
// that can be used by kernel code at any point after boot, including before
// the Go runtime has been fully bootstrapped.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf holds the digits of the number currently being formatted.
	// Printf is only ever invoked with the console lock held so sharing a
	// single buffer is safe and avoids a per-call allocation.
	numFmtBuf [maxBufSize]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer is a ring buffer that stores Printf output emitted
	// before a console sink has been registered.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While it
	// is nil, output is redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and drains any
// data accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the io.Writer that currently receives Printf output.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats its arguments to the currently active output sink. If no
// sink has been registered yet the output accumulates in a ring buffer that
// is drained on the first call to SetOutputSink.
//
// Only a subset of the fmt verbs is supported:
//
//	%s  string or byte slice
//	%d  base-10 integer
//	%x  base-16 integer, lower-case, zero-padded
//	%t  "true" or "false"
//
// An optional decimal width may precede the verb; %d and %s pad with spaces
// on the left, %x pads with zeroes. Pointer and interface verbs are not
// available: resolving them requires the reflect package whose use would
// trigger heap allocations inside the kernel.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		fmtLen       = len(format)
		nextArgIndex int
	)

	for index := 0; index < fmtLen; {
		ch := format[index]
		if ch != '%' {
			writeByte(w, ch)
			index++
			continue
		}

		index++
		if index == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		if format[index] == '%' {
			writeByte(w, '%')
			index++
			continue
		}

		padLen := 0
		for index < fmtLen && format[index] >= '0' && format[index] <= '9' {
			padLen = (padLen * 10) + int(format[index]-'0')
			index++
		}

		if index == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[index]
		index++

		if verb != 'd' && verb != 'x' && verb != 's' && verb != 't' {
			doWrite(w, errNoVerb)
			continue
		}

		if nextArgIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		arg := args[nextArgIndex]
		nextArgIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, padLen)
		case 'x':
			fmtInt(w, arg, 16, padLen)
		case 's':
			fmtString(w, arg, padLen)
		case 't':
			fmtBool(w, arg)
		}
	}

	// Check for unused args
	for ; nextArgIndex < len(args); nextArgIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, isBool := v.(bool)
	if !isBool {
		doWrite(w, errWrongArgType)
		return
	}

	if bVal {
		doWrite(w, trueValue)
		return
	}
	doWrite(w, falseValue)
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		// converting the string to a byte slice triggers a memory
		// allocation so we need to do this one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(w, ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types and base 10 and 16 output.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
		padCh    byte = ' '
	)

	if base == 16 {
		padCh = '0'
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	switch ival := v.(type) {
	case uint8:
		uval = uint64(ival)
	case uint16:
		uval = uint64(ival)
	case uint32:
		uval = uint64(ival)
	case uint64:
		uval = ival
	case uint:
		uval = uint64(ival)
	case uintptr:
		uval = uint64(ival)
	case int8:
		negative = ival < 0
		uval = abs64(int64(ival))
	case int16:
		negative = ival < 0
		uval = abs64(int64(ival))
	case int32:
		negative = ival < 0
		uval = abs64(int64(ival))
	case int64:
		negative = ival < 0
		uval = abs64(ival)
	case int:
		negative = ival < 0
		uval = abs64(int64(ival))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	// Fill numFmtBuf right to left so no reversal pass is needed.
	pos := maxBufSize
	for {
		pos--
		remainder := uval % uint64(base)
		if remainder < 10 {
			numFmtBuf[pos] = byte(remainder) + '0'
		} else {
			numFmtBuf[pos] = byte(remainder-10) + 'a'
		}

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	width := maxBufSize - pos
	if negative {
		width++
	}

	// Space padding precedes the sign; zero padding follows it.
	if padCh == ' ' {
		fmtRepeat(w, ' ', padLen-width)
		if negative {
			writeByte(w, '-')
		}
	} else {
		if negative {
			writeByte(w, '-')
		}
		fmtRepeat(w, '0', padLen-width)
	}

	doWrite(w, numFmtBuf[pos:])
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// writeByte emits a single byte through the shared singleByte buffer.
func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without this hack, the compiler cannot properly
// detect that p does not escape (due to the call to the yet unknown outputSink
// io.Writer) and plays it safe by flagging it as escaping. This causes all
// calls to Printf to call runtime.convT2E which triggers a memory allocation
// causing the kernel to crash if a call to Printf is made before the Go
// allocator is initialized.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
