// Package parser splits one raw nginx access or error log line into a
// stable chunk vector, honoring the source's quirky quoting rules. Grounded
// on original_source/nl2xlog.py's parseLogrec: nginx occasionally emits a
// literal `HTTP/1.0"` inside a field, and the stray quote would otherwise
// unbalance the quoted-field recombination below.
package parser

import (
	"strings"

	"github.com/kdresser/nl2xlog/internal/xerrors"
)

const httpOneZeroQuote = `HTTP/1.0"`

// Discriminant identifies which logical log a line came from.
type Discriminant string

const (
	Access Discriminant = "access"
	Error  Discriminant = "error"
)

// Parse splits raw into a chunk vector per spec §4.1. The chunk vector
// preserves original field order and the original interior spacing of
// quoted chunks (including the surrounding quote characters).
func Parse(raw string) ([]string, error) {
	line := collapseBlanks(raw)
	line = hideStrayHTTPQuote(line)

	words := strings.Split(line, " ")
	chunks := make([]string, 0, len(words))

	quoted := false
	var current strings.Builder

	for _, word := range words {
		if quoted {
			current.WriteByte(' ')
			current.WriteString(word)
			if endsQuoted(word) {
				chunks = append(chunks, current.String())
				current.Reset()
				quoted = false
			}
			continue
		}

		if len(word) > 0 && word[0] == '"' {
			if endsQuoted(word) {
				chunks = append(chunks, word)
			} else {
				current.Reset()
				current.WriteString(word)
				quoted = true
			}
			continue
		}

		chunks = append(chunks, word)
	}

	if quoted {
		// Ran out of words with a quote never closed.
		return nil, xerrors.ErrBadQuoting
	}

	for _, chk := range chunks {
		if len(chk) > 0 && chk[0] == '"' {
			if !endsQuoted(chk) {
				return nil, xerrors.ErrBadQuoting
			}
		}
	}

	return chunks, nil
}

func endsQuoted(s string) bool {
	return strings.HasSuffix(s, `"`) || strings.HasSuffix(s, `",`)
}

// collapseBlanks replaces one run of two spaces with one, then rewrites a
// quoted single space (`" "`, surrounded by spaces) to `"_"` so a quoted
// blank request can't be mistaken for a field separator. This mirrors
// parseLogrec's single `.replace('  ', ' ')` pass rather than collapsing
// every run down to one space.
func collapseBlanks(raw string) string {
	line := strings.ReplaceAll(raw, "  ", " ")
	line = strings.ReplaceAll(line, ` " " `, ` "_" `)
	return line
}

// hideStrayHTTPQuote handles nginx's quirk where a literal `HTTP/1.0"` can
// appear embedded inside another field (spec §4.1 step 2). If preceded by a
// space it is a legitimate token (e.g. the trailing `"` closing the request
// field) and is kept: it is lowercased and then immediately restored, before
// Parse splits the line, so the split sees it unchanged; otherwise it is a
// stray artifact and is removed outright.
func hideStrayHTTPQuote(line string) string {
	if !strings.Contains(line, httpOneZeroQuote) {
		return line
	}

	lowered := strings.ToLower(httpOneZeroQuote)

	// Mirrors the source's loop: the first occurrence's preceding
	// character decides the fate of every occurrence of the stray quote
	// in the line (the source performs a global string.replace inside
	// the loop body, which removes all matching instances of the
	// uppercase form in one step regardless of how many were found).
	idx := strings.Index(line, httpOneZeroQuote)
	if idx > 0 && line[idx-1] == ' ' {
		line = strings.ReplaceAll(line, httpOneZeroQuote, lowered)
		line = strings.ReplaceAll(line, lowered, httpOneZeroQuote)
	} else {
		line = strings.ReplaceAll(line, httpOneZeroQuote, "")
	}
	return line
}
