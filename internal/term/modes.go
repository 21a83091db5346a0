package term

import (
	"bytes"
	"strconv"
)

// DEC private modes the registry and client care about.
const (
	modeAppCursor      = 1
	modeAltScreen47    = 47
	modeAltScreen1047  = 1047
	modeAltScreen1049  = 1049
	modeMouseNormal    = 1000
	modeMouseButton    = 1002
	modeMouseAny       = 1003
	modeMouseSGR       = 1006
	modeBracketedPaste = 2004
)

// maxTail bounds the carry buffer: longer than any DECSET/DECRST we parse
// ("\x1b[?1000;1002;1003;1006h" is 22 bytes).
const maxTail = 24

// ModeState is the last-seen value of each tracked mode.
type ModeState struct {
	AppCursor       bool
	AltScreen       bool
	BracketedPaste  bool
	MouseNormal     bool
	MouseButton     bool
	MouseAny        bool
	MouseSGR        bool
}

// RehydrateSequences returns the escape codes that restore every active
// mode except alternate screen; the reattach path re-enters that mode
// live and forces the app to repaint.
func (m ModeState) RehydrateSequences() []byte {
	var buf bytes.Buffer
	if m.AppCursor {
		buf.WriteString("\x1b[?1h")
	}
	if m.MouseNormal {
		buf.WriteString("\x1b[?1000h")
	}
	if m.MouseButton {
		buf.WriteString("\x1b[?1002h")
	}
	if m.MouseAny {
		buf.WriteString("\x1b[?1003h")
	}
	if m.MouseSGR {
		buf.WriteString("\x1b[?1006h")
	}
	if m.BracketedPaste {
		buf.WriteString("\x1b[?2004h")
	}
	return buf.Bytes()
}

// ModeScanner detects DEC private mode set/reset sequences (CSI ? Pm h/l)
// in a byte stream, carrying a short tail across chunk boundaries so a
// sequence split between two chunks is still seen. Lookback is bounded:
// anything longer than maxTail cannot be a mode sequence and is dropped.
type ModeScanner struct {
	state ModeState
	tail  []byte
}

// State returns the last-seen mode values.
func (s *ModeScanner) State() ModeState {
	return s.state
}

// Reset clears state and any carried tail.
func (s *ModeScanner) Reset() {
	s.state = ModeState{}
	s.tail = s.tail[:0]
}

// Scan consumes one chunk of terminal output.
func (s *ModeScanner) Scan(p []byte) {
	buf := p
	if len(s.tail) > 0 {
		buf = make([]byte, 0, len(s.tail)+len(p))
		buf = append(buf, s.tail...)
		buf = append(buf, p...)
		s.tail = s.tail[:0]
	}

	i := 0
	for i < len(buf) {
		j := bytes.IndexByte(buf[i:], 0x1b)
		if j < 0 {
			return
		}
		start := i + j

		n, complete := s.parseAt(buf[start:])
		if !complete {
			rest := buf[start:]
			if len(rest) <= maxTail {
				s.tail = append(s.tail[:0], rest...)
			}
			return
		}
		if n == 0 {
			// ESC that is not a private mode sequence — step past it
			i = start + 1
			continue
		}
		i = start + n
	}
}

// parseAt tries to parse a CSI ? Pm h/l sequence at b[0] == ESC.
// Returns consumed length and whether parsing could finish with the bytes
// available. n == 0 with complete == true means "not a mode sequence".
func (s *ModeScanner) parseAt(b []byte) (n int, complete bool) {
	if len(b) < 2 {
		return 0, false
	}
	if b[1] != '[' {
		return 0, true
	}
	if len(b) < 3 {
		return 0, false
	}
	if b[2] != '?' {
		return 0, true
	}

	pos := 3
	paramStart := pos
	var params []int
	for {
		if pos >= len(b) {
			return 0, false
		}
		c := b[pos]
		switch {
		case c >= '0' && c <= '9':
			pos++
		case c == ';':
			v, err := strconv.Atoi(string(b[paramStart:pos]))
			if err != nil {
				return 0, true
			}
			params = append(params, v)
			pos++
			paramStart = pos
		case c == 'h' || c == 'l':
			if pos > paramStart {
				v, err := strconv.Atoi(string(b[paramStart:pos]))
				if err != nil {
					return 0, true
				}
				params = append(params, v)
			}
			s.apply(params, c == 'h')
			return pos + 1, true
		default:
			// Some other CSI sequence — not ours
			return 0, true
		}
		if pos > maxTail {
			return 0, true
		}
	}
}

func (s *ModeScanner) apply(params []int, set bool) {
	for _, p := range params {
		switch p {
		case modeAppCursor:
			s.state.AppCursor = set
		case modeAltScreen47, modeAltScreen1047, modeAltScreen1049:
			s.state.AltScreen = set
		case modeBracketedPaste:
			s.state.BracketedPaste = set
		case modeMouseNormal:
			s.state.MouseNormal = set
		case modeMouseButton:
			s.state.MouseButton = set
		case modeMouseAny:
			s.state.MouseAny = set
		case modeMouseSGR:
			s.state.MouseSGR = set
		}
	}
}

// altScreenParams reports whether every parameter of a private mode
// sequence addresses the alternate screen.
func altScreenParams(params []int) bool {
	if len(params) == 0 {
		return false
	}
	for _, p := range params {
		if p != modeAltScreen47 && p != modeAltScreen1047 && p != modeAltScreen1049 {
			return false
		}
	}
	return true
}

// FilterAltScreen strips alternate-screen enter/exit sequences from a
// complete rehydrate payload. Used on the alt-screen reattach path, where
// the controller writes the enter sequence itself before the rest.
func FilterAltScreen(seq []byte) []byte {
	var out bytes.Buffer
	i := 0
	for i < len(seq) {
		j := bytes.IndexByte(seq[i:], 0x1b)
		if j < 0 {
			out.Write(seq[i:])
			break
		}
		start := i + j
		out.Write(seq[i:start])

		n, params := parsePrivateMode(seq[start:])
		if n > 0 && altScreenParams(params) {
			i = start + n
			continue
		}
		if n > 0 {
			out.Write(seq[start : start+n])
			i = start + n
			continue
		}
		out.WriteByte(seq[start])
		i = start + 1
	}
	return out.Bytes()
}

// parsePrivateMode parses a complete CSI ? Pm h/l at b[0] == ESC,
// returning its length and parameters, or 0 when b does not start one.
func parsePrivateMode(b []byte) (int, []int) {
	if len(b) < 4 || b[1] != '[' || b[2] != '?' {
		return 0, nil
	}
	pos := 3
	paramStart := pos
	var params []int
	for pos < len(b) && pos <= maxTail {
		c := b[pos]
		switch {
		case c >= '0' && c <= '9':
			pos++
		case c == ';':
			v, err := strconv.Atoi(string(b[paramStart:pos]))
			if err != nil {
				return 0, nil
			}
			params = append(params, v)
			pos++
			paramStart = pos
		case c == 'h' || c == 'l':
			if pos > paramStart {
				v, err := strconv.Atoi(string(b[paramStart:pos]))
				if err != nil {
					return 0, nil
				}
				params = append(params, v)
			}
			return pos + 1, params
		default:
			return 0, nil
		}
	}
	return 0, nil
}
