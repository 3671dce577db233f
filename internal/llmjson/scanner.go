package llmjson

import (
	"encoding/json"
)

// Scanner pulls complete JSON objects out of an accumulating text buffer,
// typically the token stream of a model completion. Write appends text;
// Next returns the next balanced top-level {...} span that parses as JSON.
// Prose between objects is discarded.
//
// Scanner is not safe for concurrent use.
type Scanner struct {
	buf      []byte
	pos      int  // next byte to examine
	start    int  // start of the current object, -1 when outside one
	depth    int  // brace depth inside the current object
	inString bool // inside a JSON string literal
	escape   bool // previous byte was a backslash inside a string
}

// NewScanner returns an empty Scanner
func NewScanner() *Scanner {
	return &Scanner{start: -1}
}

// Write appends p to the buffer. It never fails.
func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// WriteString appends str to the buffer
func (s *Scanner) WriteString(str string) {
	s.buf = append(s.buf, str...)
}

// Next returns the next complete object, or false when the buffer holds no
// further complete object yet. Balanced spans that still fail to parse after
// repair are skipped.
func (s *Scanner) Next() (json.RawMessage, bool) {
	for {
		span, ok := s.nextSpan()
		if !ok {
			return nil, false
		}
		if raw, err := parseObject(span); err == nil {
			return raw, true
		}
	}
}

// Pending reports whether an object has started but not yet closed
func (s *Scanner) Pending() bool {
	return s.start >= 0
}

func (s *Scanner) nextSpan() ([]byte, bool) {
	for s.pos < len(s.buf) {
		c := s.buf[s.pos]
		s.pos++

		if s.start < 0 {
			if c == '{' {
				s.start = s.pos - 1
				s.depth = 1
			}
			continue
		}

		if s.inString {
			switch {
			case s.escape:
				s.escape = false
			case c == '\\':
				s.escape = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				span := make([]byte, s.pos-s.start)
				copy(span, s.buf[s.start:s.pos])
				s.compact()
				return span, true
			}
		}
	}
	return nil, false
}

// compact drops consumed bytes so a long stream does not grow the buffer
func (s *Scanner) compact() {
	s.buf = append(s.buf[:0], s.buf[s.pos:]...)
	s.pos = 0
	s.start = -1
	s.depth = 0
}

// spans returns every balanced top-level object span in text, in order
func spans(text string) [][]byte {
	sc := NewScanner()
	sc.WriteString(text)
	var out [][]byte
	for {
		span, ok := sc.nextSpan()
		if !ok {
			return out
		}
		out = append(out, span)
	}
}
