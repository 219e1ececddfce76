// Package xerrors defines the error taxonomy shared by the parser, record
// builder, progress store, transport and watcher (spec §7). Centralizing
// the sentinels here lets every layer wrap with %w and lets the watcher's
// cycle-level catch point classify failures with errors.Is without an
// import cycle between internal/parser, internal/record and
// internal/watcher.
package xerrors

import (
	"errors"
	"strconv"
)

var (
	// ErrBadQuoting: a line's quoted chunks could not be recombined
	// because a quote was never closed.
	ErrBadQuoting = errors.New("bad quoting")

	// ErrBadArity: an access line did not split into exactly 10 chunks,
	// or an error line into at least 3.
	ErrBadArity = errors.New("bad arity")

	// ErrBadTimestamp: a timestamp chunk failed to parse.
	ErrBadTimestamp = errors.New("bad timestamp")

	// ErrBadInteger: a status or body_bytes_sent chunk failed to parse
	// as an integer.
	ErrBadInteger = errors.New("bad integer")

	// ErrTransportStall: draining the transport backlog exceeded the
	// fixed 180s timeout (spec §4.4).
	ErrTransportStall = errors.New("transport stall: drain timed out")

	// ErrTransportReject: the sink synchronously rejected a frame.
	ErrTransportReject = errors.New("transport rejected frame")

	// ErrProgressIO: a sidecar could not be read or written.
	ErrProgressIO = errors.New("progress store I/O error")

	// ErrLeftoverRolled: a *.1 file already existed in WATCH at rotation
	// time, meaning the previous roll was never fully consumed.
	ErrLeftoverRolled = errors.New("leftover rolled file blocks rotation")

	// ErrTruncation: a live file's observed size shrank below the
	// sidecar's last-known size.
	ErrTruncation = errors.New("live file truncated")
)

// Line wraps a per-line parse/build error with the 1-based line number and
// logical-log type it occurred in, so the watcher can log once and skip
// (spec §7: "log once, skip the line; do not abort the cycle").
type Line struct {
	Type string // "access" | "error"
	Num  int
	Err  error
}

func (e *Line) Error() string {
	return e.Type + " line " + strconv.Itoa(e.Num) + ": " + e.Err.Error()
}

func (e *Line) Unwrap() error { return e.Err }
