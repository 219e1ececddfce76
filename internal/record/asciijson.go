package record

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// marshalASCIISafe serializes v the way the source's
// json.dumps(logdict, ensure_ascii=True, sort_keys=True) does: a JSON object
// with keys in sorted order (guaranteed for map[string]any by
// encoding/json) and every non-ASCII rune escaped as \uXXXX (with surrogate
// pairs for runes outside the BMP).
func marshalASCIISafe(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return toASCII(raw), nil
}

func toASCII(raw []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(raw))
	for i := 0; i < len(raw); {
		b := raw[i]
		if b < utf8.RuneSelf {
			out.WriteByte(b)
			i++
			continue
		}
		r, size := utf8.DecodeRune(raw[i:])
		if r == utf8.RuneError && size == 1 {
			// Invalid byte: pass through rather than corrupt the stream.
			out.WriteByte(b)
			i++
			continue
		}
		writeUEscape(&out, r)
		i += size
	}
	return out.Bytes()
}

func writeUEscape(buf *bytes.Buffer, r rune) {
	if r <= 0xFFFF {
		writeHex4(buf, uint16(r))
		return
	}
	r -= 0x10000
	hi := uint16(0xD800 + (r >> 10))
	lo := uint16(0xDC00 + (r & 0x3FF))
	writeHex4(buf, hi)
	writeHex4(buf, lo)
}

const hexDigits = "0123456789abcdef"

func writeHex4(buf *bytes.Buffer, v uint16) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(v>>12)&0xF])
	buf.WriteByte(hexDigits[(v>>8)&0xF])
	buf.WriteByte(hexDigits[(v>>4)&0xF])
	buf.WriteByte(hexDigits[v&0xF])
}
