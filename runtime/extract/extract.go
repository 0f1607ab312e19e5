// Package extract incrementally parses planner JSON while it streams from the
// model. When the action is a final response, the extractor locates the
// answer string and emits its characters as text deltas so the terminal
// answer streams to the user before the JSON document closes. Non-terminal
// actions emit nothing.
package extract

import (
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

type state int

const (
	stateSeekNextNode state = iota
	stateSeekNodeColon
	stateSeekNodeValue
	stateReadNodeValue
	stateReadNodeNull
	stateSeekArgs
	stateSeekArgsColon
	stateSeekArgsBrace
	stateSeekAnswerKey
	stateSeekAnswerColon
	stateSeekAnswerQuote
	stateStreamAnswer
	stateDone
	stateInert // non-terminal action, nothing will ever be emitted
)

// Extractor is the incremental answer-streaming state machine. Feed it raw
// model output chunks in order; it is single-consumer and not safe for
// concurrent use.
type Extractor struct {
	buf      strings.Builder
	pos      int
	st       state
	terminal bool
	node     strings.Builder
}

// New constructs an extractor for one model response.
func New() *Extractor {
	return &Extractor{}
}

// IsTerminal reports whether a final_response action was detected.
func (e *Extractor) IsTerminal() bool { return e.terminal }

// Done reports whether the answer string has fully streamed.
func (e *Extractor) Done() bool { return e.st == stateDone }

// Feed consumes the next raw chunk and returns the text deltas it unlocked.
// Deltas are batched per chunk; most calls return zero or one delta.
func (e *Extractor) Feed(chunk string) []string {
	if chunk == "" || e.st == stateInert || e.st == stateDone {
		return nil
	}
	e.buf.WriteString(chunk)
	buf := e.buf.String()

	var delta strings.Builder
	for e.pos < len(buf) {
		switch e.st {
		case stateSeekNextNode:
			idx := strings.Index(buf[e.pos:], `"next_node"`)
			if idx < 0 {
				e.pos = holdBack(buf, e.pos, len(`"next_node"`))
				return flush(&delta)
			}
			e.pos += idx + len(`"next_node"`)
			e.st = stateSeekNodeColon

		case stateSeekNodeColon:
			if !e.skipTo(buf, ':') {
				return flush(&delta)
			}
			e.st = stateSeekNodeValue

		case stateSeekNodeValue:
			c := buf[e.pos]
			switch {
			case c == ' ' || c == '\t' || c == '\n' || c == '\r':
				e.pos++
			case c == '"':
				e.pos++
				e.st = stateReadNodeValue
			case c == 'n':
				e.st = stateReadNodeNull
			default:
				e.st = stateInert
				return nil
			}

		case stateReadNodeNull:
			// Legacy producers emit next_node: null for the final response.
			if len(buf)-e.pos < len("null") {
				return flush(&delta)
			}
			if buf[e.pos:e.pos+len("null")] != "null" {
				e.st = stateInert
				return nil
			}
			e.pos += len("null")
			e.terminal = true
			e.st = stateSeekArgs

		case stateReadNodeValue:
			c := buf[e.pos]
			if c != '"' {
				e.node.WriteByte(c)
				e.pos++
				continue
			}
			e.pos++
			if e.node.String() == "final_response" {
				e.terminal = true
				e.st = stateSeekArgs
			} else {
				e.st = stateInert
				return nil
			}

		case stateSeekArgs:
			idx := strings.Index(buf[e.pos:], `"args"`)
			if idx < 0 {
				e.pos = holdBack(buf, e.pos, len(`"args"`))
				return flush(&delta)
			}
			e.pos += idx + len(`"args"`)
			e.st = stateSeekArgsColon

		case stateSeekArgsColon:
			if !e.skipTo(buf, ':') {
				return flush(&delta)
			}
			e.st = stateSeekArgsBrace

		case stateSeekArgsBrace:
			if !e.skipTo(buf, '{') {
				return flush(&delta)
			}
			e.st = stateSeekAnswerKey

		case stateSeekAnswerKey:
			ansIdx := strings.Index(buf[e.pos:], `"answer"`)
			rawIdx := strings.Index(buf[e.pos:], `"raw_answer"`)
			idx, keyLen := ansIdx, len(`"answer"`)
			if rawIdx >= 0 && (ansIdx < 0 || rawIdx < ansIdx) {
				idx, keyLen = rawIdx, len(`"raw_answer"`)
			}
			if idx < 0 {
				e.pos = holdBack(buf, e.pos, len(`"raw_answer"`))
				return flush(&delta)
			}
			e.pos += idx + keyLen
			e.st = stateSeekAnswerColon

		case stateSeekAnswerColon:
			if !e.skipTo(buf, ':') {
				return flush(&delta)
			}
			e.st = stateSeekAnswerQuote

		case stateSeekAnswerQuote:
			if !e.skipTo(buf, '"') {
				return flush(&delta)
			}
			e.st = stateStreamAnswer

		case stateStreamAnswer:
			if !e.streamAnswer(buf, &delta) {
				return flush(&delta)
			}

		case stateDone:
			// Trailing bytes after the closing quote (the "} tail) are not
			// answer text.
			return flush(&delta)
		}
	}
	return flush(&delta)
}

// streamAnswer emits answer characters until the unescaped closing quote. It
// returns false when more input is needed.
func (e *Extractor) streamAnswer(buf string, delta *strings.Builder) bool {
	for e.pos < len(buf) {
		c := buf[e.pos]
		switch {
		case c == '"':
			e.pos++
			e.st = stateDone
			return true
		case c == '\\':
			consumed, ok := e.decodeEscape(buf, delta)
			if !ok {
				return false // escape split across chunks
			}
			e.pos += consumed
		case c < utf8.RuneSelf:
			delta.WriteByte(c)
			e.pos++
		default:
			r, size := utf8.DecodeRuneInString(buf[e.pos:])
			if r == utf8.RuneError && size == 1 {
				// Hold back an incomplete trailing UTF-8 sequence; pass truly
				// invalid bytes through.
				if exp := runeLen(c); exp > 0 && len(buf)-e.pos < exp {
					return false
				}
				delta.WriteByte(c)
				e.pos++
				continue
			}
			delta.WriteString(buf[e.pos : e.pos+size])
			e.pos += size
		}
	}
	return false
}

// decodeEscape decodes the JSON escape at e.pos (a backslash). It reports the
// bytes consumed and whether the escape was complete.
func (e *Extractor) decodeEscape(buf string, delta *strings.Builder) (int, bool) {
	if e.pos+1 >= len(buf) {
		return 0, false
	}
	switch buf[e.pos+1] {
	case '"':
		delta.WriteByte('"')
	case '\\':
		delta.WriteByte('\\')
	case '/':
		delta.WriteByte('/')
	case 'n':
		delta.WriteByte('\n')
	case 't':
		delta.WriteByte('\t')
	case 'r':
		delta.WriteByte('\r')
	case 'b':
		delta.WriteByte('\b')
	case 'f':
		delta.WriteByte('\f')
	case 'u':
		if e.pos+6 > len(buf) {
			return 0, false
		}
		code, err := strconv.ParseUint(buf[e.pos+2:e.pos+6], 16, 32)
		if err != nil {
			// Malformed escape: pass it through verbatim.
			delta.WriteString(buf[e.pos : e.pos+6])
			return 6, true
		}
		r := rune(code)
		if !utf16.IsSurrogate(r) {
			delta.WriteRune(r)
			return 6, true
		}
		rest := buf[e.pos+6:]
		if escapePrefix(rest) {
			return 0, false // possible surrogate pair split across chunks
		}
		if len(rest) >= 6 && rest[0] == '\\' && rest[1] == 'u' {
			low, lerr := strconv.ParseUint(rest[2:6], 16, 32)
			if lerr == nil {
				if combined := utf16.DecodeRune(r, rune(low)); combined != utf8.RuneError {
					delta.WriteRune(combined)
					return 12, true
				}
			}
		}
		// Unpaired surrogate decodes to the replacement rune.
		delta.WriteRune(utf8.RuneError)
		return 6, true
	default:
		// Unknown escape: pass both bytes through.
		delta.WriteString(buf[e.pos : e.pos+2])
	}
	return 2, true
}

// escapePrefix reports whether rest could still grow into a \uXXXX escape,
// meaning the caller must wait for more input before deciding on a surrogate
// pair.
func escapePrefix(rest string) bool {
	if len(rest) >= 6 {
		return false
	}
	if len(rest) == 0 {
		return true
	}
	if rest[0] != '\\' {
		return false
	}
	if len(rest) == 1 {
		return true
	}
	if rest[1] != 'u' {
		return false
	}
	for i := 2; i < len(rest); i++ {
		if !isHexDigit(rest[i]) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// skipTo advances past whitespace to the expected byte. It reports false when
// more input is needed and drops to inert on an unexpected byte.
func (e *Extractor) skipTo(buf string, want byte) bool {
	for e.pos < len(buf) {
		c := buf[e.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			e.pos++
			continue
		}
		if c == want {
			e.pos++
			return true
		}
		e.st = stateInert
		return false
	}
	return false
}

// holdBack keeps the last keyLen-1 bytes unscanned so a key split across
// chunks is still found. It never rewinds before the current position.
func holdBack(buf string, cur, keyLen int) int {
	pos := len(buf) - keyLen + 1
	if pos < cur {
		return cur
	}
	return pos
}

// runeLen returns the expected UTF-8 sequence length for a leading byte, or
// zero when the byte cannot start a sequence.
func runeLen(c byte) int {
	switch {
	case c&0xE0 == 0xC0:
		return 2
	case c&0xF0 == 0xE0:
		return 3
	case c&0xF8 == 0xF0:
		return 4
	}
	return 0
}

func flush(delta *strings.Builder) []string {
	if delta.Len() == 0 {
		return nil
	}
	return []string{delta.String()}
}
