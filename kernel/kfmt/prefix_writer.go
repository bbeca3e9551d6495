package kfmt

import "io"

// PrefixWriter wraps an io.Writer and emits a prefix at the start of every
// line that passes through it. Boot code uses it to tag multi-line status
// output with the subsystem that produced it, e.g. a "[boot] " prefix on the
// bring-up banner.
type PrefixWriter struct {
	// Sink receives the prefixed output.
	Sink io.Writer

	// Prefix is emitted at the start of every line.
	Prefix []byte

	// midLine tracks whether the last write ended between line feeds, in
	// which case the next write continues the current line unprefixed.
	midLine bool
}

// Write forwards p to the sink one line at a time, emitting the prefix ahead
// of each new line. The returned count covers the bytes of p only; injected
// prefix bytes are not included.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for start := 0; start < len(p); {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
		}
		w.midLine = true

		end := start
		for end < len(p) && p[end] != '\n' {
			end++
		}
		if end < len(p) {
			end++ // include the line feed
			w.midLine = false
		}

		n, err := w.Sink.Write(p[start:end])
		written += n
		if err != nil {
			return written, err
		}

		start = end
	}

	return written, nil
}
