// Package record converts a parsed chunk vector into the canonical output
// record described in spec §3 and §4.2, grounded on
// original_source/nl2xlog.py's genACCESSorec/genERRORorec. Per DESIGN
// NOTES §9, the source's dynamic dict-shaped record becomes a closed
// tagged variant: Access | Error | Heartbeat, all implementing Frame.
package record

import (
	"strings"

	"github.com/trivago/tgo/tstrings"

	"github.com/kdresser/nl2xlog/internal/clock"
	"github.com/kdresser/nl2xlog/internal/xerrors"
)

// Header carries the fields common to every record, sourced from CLI
// configuration (spec §6: srcid, subid).
type Header struct {
	SrcID      string // _id
	SubID      string // _si
	ErrorLevel string // _el
	SubLevel   string // _sl
}

// Frame is the common interface for the three record variants.
type Frame interface {
	// Marshal serializes the record as ASCII-safe JSON with sorted
	// keys. When decorated is true the frame is prefixed with
	// "_ts|ae|" for sort-friendly transport framing (spec §4.2).
	Marshal(decorated bool) ([]byte, error)
	// Timestamp returns the record's blank-decimal _ts string.
	Timestamp() string
	// AE returns the 'a'/'e'/'h' discriminant.
	AE() string
}

func decorate(ts, ae string, body []byte, decorated bool) ([]byte, error) {
	if !decorated {
		return body, nil
	}
	out := make([]byte, 0, len(ts)+len(ae)+len(body)+2)
	out = append(out, ts...)
	out = append(out, '|')
	out = append(out, ae...)
	out = append(out, '|')
	out = append(out, body...)
	return out, nil
}

// Access is the structured record for an nginx access-log line.
type Access struct {
	Header
	RemoteAddr    string
	RemoteUser    *string
	TimeLocal     string
	TimeUTC       int64
	Request       *string
	Status        int
	BodyBytesSent int64
	HTTPReferer   *string
	HTTPUserAgent *string
}

// BuildAccess consumes the 10-chunk vector produced by parser.Parse for an
// access line and builds the canonical record. Expects exactly 10 chunks:
// remote_addr, ident, remote_user, date_lhs, date_rhs, request, status,
// body_bytes_sent, http_referer, http_user_agent (spec §4.2).
func BuildAccess(chunks []string, hdr Header, clk *clock.Service) (*Access, error) {
	if len(chunks) != 10 {
		return nil, xerrors.ErrBadArity
	}

	remoteAddr := chunks[0]
	remoteUser := nullable(chunks[2])
	timeLocal := chunks[3] + " " + chunks[4]
	request := nullableRequest(chunks[5])

	utc, err := clk.AccessLocalToUTC(timeLocal)
	if err != nil {
		return nil, xerrors.ErrBadTimestamp
	}

	// Integer chunks are parsed with the teacher's own fast byte-scanning
	// helper (producer/file.go uses the same tstrings.Btoi to read a
	// rotation counter out of a filename) rather than strconv.
	statusU, ok := tstrings.Btoi([]byte(chunks[6]))
	if !ok {
		return nil, xerrors.ErrBadInteger
	}
	status := int(statusU)

	bodyBytesU, ok := tstrings.Btoi([]byte(chunks[7]))
	if !ok {
		return nil, xerrors.ErrBadInteger
	}
	bodyBytes := int64(bodyBytesU)

	return &Access{
		Header:        hdr,
		RemoteAddr:    remoteAddr,
		RemoteUser:    remoteUser,
		TimeLocal:     timeLocal,
		TimeUTC:       utc,
		Request:       request,
		Status:        status,
		BodyBytesSent: bodyBytes,
		HTTPReferer:   nullable(chunks[8]),
		HTTPUserAgent: nullable(chunks[9]),
	}, nil
}

// nullable maps the sentinel absent values ("-", "", "_") to nil, and
// otherwise strips a trailing comma and surrounding quotes.
func nullable(s string) *string {
	trimmed := stripQuotesAndComma(s)
	if trimmed == "-" || trimmed == "" || trimmed == "_" {
		return nil
	}
	return &trimmed
}

// nullableRequest applies the request-specific blank rule: an empty or
// blank-quoted request becomes the literal token "_" rather than nil
// (spec scenario 2).
func nullableRequest(s string) *string {
	trimmed := stripQuotesAndComma(s)
	if trimmed == "" || trimmed == `""` || trimmed == `"_"` || trimmed == "_" {
		v := "_"
		return &v
	}
	return &trimmed
}

func stripQuotesAndComma(s string) string {
	s = strings.TrimSuffix(s, ",")
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func (a *Access) Timestamp() string { return clockBlankTS(a.TimeUTC) }
func (a *Access) AE() string        { return "a" }

func (a *Access) Marshal(decorated bool) ([]byte, error) {
	m := map[string]interface{}{
		"_ip":              nil,
		"_ts":              a.Timestamp(),
		"_id":              a.SrcID,
		"_si":              a.SubID,
		"_el":              a.ErrorLevel,
		"_sl":              a.SubLevel,
		"ae":               "a",
		"remote_addr":      a.RemoteAddr,
		"remote_user":      ptrOrNil(a.RemoteUser),
		"time_local":       a.TimeLocal,
		"time_utc":         a.TimeUTC,
		"status":           a.Status,
		"request":          ptrOrNil(a.Request),
		"body_bytes_sent":  a.BodyBytesSent,
		"http_referer":     ptrOrNil(a.HTTPReferer),
		"http_user_agent":  ptrOrNil(a.HTTPUserAgent),
	}
	body, err := marshalASCIISafe(m)
	if err != nil {
		return nil, err
	}
	return decorate(a.Timestamp(), "a", body, decorated)
}

// Error is the structured record for an nginx error-log line.
type Error struct {
	Header
	TimeLocal string
	TimeUTC   int64
	Status    string // "[warn]" | "[error]" | anything else, flagged but accepted
	Stuff     string // tab-joined residue
}

// BuildError consumes the chunk vector for an error line per spec §4.2: the
// first two tokens are the local date and time, the third is the status,
// and the remainder is tab-joined into "stuff".
func BuildError(chunks []string, hdr Header, clk *clock.Service) (*Error, error) {
	if len(chunks) < 3 {
		return nil, xerrors.ErrBadArity
	}

	timeLocal := chunks[0] + " " + chunks[1]
	utc, err := clk.ErrorLocalToUTC(timeLocal)
	if err != nil {
		return nil, xerrors.ErrBadTimestamp
	}

	status := chunks[2]
	// Per DESIGN NOTES §9: a status that is neither [warn] nor [error]
	// is accepted (not rejected), only flagged for the operator; the
	// watcher layer is responsible for emitting that flag via logging.

	stuff := strings.Join(chunks[3:], "\t")

	return &Error{
		Header:    hdr,
		TimeLocal: timeLocal,
		TimeUTC:   utc,
		Status:    status,
		Stuff:     stuff,
	}, nil
}

// IsKnownStatus reports whether the error status is one of the two nginx
// emits under normal operation.
func (e *Error) IsKnownStatus() bool {
	return e.Status == "[warn]" || e.Status == "[error]"
}

func (e *Error) Timestamp() string { return clockBlankTS(e.TimeUTC) }
func (e *Error) AE() string        { return "e" }

func (e *Error) Marshal(decorated bool) ([]byte, error) {
	m := map[string]interface{}{
		"_ip":        nil,
		"_ts":        e.Timestamp(),
		"_id":        e.SrcID,
		"_si":        e.SubID,
		"_el":        e.ErrorLevel,
		"_sl":        e.SubLevel,
		"ae":         "e",
		"time_local": e.TimeLocal,
		"time_utc":   e.TimeUTC,
		"status":     e.Status,
		"stuff":      e.Stuff,
	}
	body, err := marshalASCIISafe(m)
	if err != nil {
		return nil, err
	}
	return decorate(e.Timestamp(), "e", body, decorated)
}

// Heartbeat is the periodic liveness record (spec §3: "_sl='h', ae='h'").
type Heartbeat struct {
	Header
	DtUTC int64
	DtLoc int64
}

// BuildHeartbeat constructs a heartbeat record carrying the current UTC
// and local wall times.
func BuildHeartbeat(hdr Header, utc, loc int64) *Heartbeat {
	hdr.SubLevel = "h"
	return &Heartbeat{Header: hdr, DtUTC: utc, DtLoc: loc}
}

func (h *Heartbeat) Timestamp() string { return clockBlankTS(h.DtUTC) }
func (h *Heartbeat) AE() string        { return "h" }

func (h *Heartbeat) Marshal(decorated bool) ([]byte, error) {
	m := map[string]interface{}{
		"_ip":    nil,
		"_ts":    h.Timestamp(),
		"_id":    h.SrcID,
		"_si":    h.SubID,
		"_el":    h.ErrorLevel,
		"_sl":    "h",
		"ae":     "h",
		"dt_utc": h.DtUTC,
		"dt_loc": h.DtLoc,
	}
	body, err := marshalASCIISafe(m)
	if err != nil {
		return nil, err
	}
	return decorate(h.Timestamp(), "h", body, decorated)
}

func ptrOrNil(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func clockBlankTS(utc int64) string {
	return clock.BlankDecimalTS(utc)
}
