package policy

import (
	"bytes"
	"fmt"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// DecodeAttributeLine splits one attribute line (without its line
// terminator) into name and unescaped value.
func DecodeAttributeLine(line []byte) (name, value string, err error) {
	return decodeAttributeLine(line, true)
}

func decodeAttributeLine(line []byte, unescape bool) (string, string, error) {
	eq := bytes.IndexByte(line, '=')
	if eq < 0 {
		return "", "", newProtocolError(ErrMalformedLine, line)
	}
	if eq == 0 {
		return "", "", newProtocolError(fmt.Errorf("%w: empty attribute name", ErrMalformedLine), line)
	}
	name := string(line[:eq])
	raw := string(line[eq+1:])
	if !unescape {
		return name, raw, nil
	}
	value, err := Unescape(raw)
	if err != nil {
		return "", "", newProtocolError(err, line)
	}
	return name, value, nil
}

// Unescape decodes %XX sequences. A '%' that is not followed by two hex
// digits is an error.
func Unescape(s string) (string, error) {
	n := strings.IndexByte(s, '%')
	if n < 0 {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:n])
	for i := n; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w at offset %d", ErrInvalidEscape, i)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("%w at offset %d", ErrInvalidEscape, i)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

// Escape encodes the bytes that cannot appear literally in an attribute
// value: '%', '=', control characters, DEL and anything above 0x7F.
func Escape(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	buf := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			buf = append(buf, '%', upperhex[c>>4], upperhex[c&15])
			continue
		}
		buf = append(buf, c)
	}
	return string(buf)
}

func shouldEscape(c byte) bool {
	return c == '%' || c == '=' || c < 0x20 || c >= 0x7f
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// EncodeAction renders the response block for an action.
func EncodeAction(a Action) ([]byte, error) {
	return AppendAction(nil, a)
}

// AppendAction appends the response block for an action to dst. The
// argument is not escaped; an action that would break framing is refused.
func AppendAction(dst []byte, a Action) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return dst, err
	}
	dst = append(dst, "action="...)
	dst = append(dst, a.Verb...)
	if a.Argument != "" {
		dst = append(dst, ' ')
		dst = append(dst, a.Argument...)
	}
	return append(dst, '\n', '\n'), nil
}

// EncodeRequest renders a request block with escaped values, as a client
// would send it.
func EncodeRequest(r *Request) []byte {
	var buf bytes.Buffer
	for name, value := range r.All() {
		buf.WriteString(name)
		buf.WriteByte('=')
		buf.WriteString(Escape(value))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// ParseAction parses a response line ("action=VERB [argument]") without its
// line terminator.
func ParseAction(line string) (Action, error) {
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, "action=")
	if !ok {
		return Action{}, fmt.Errorf("%w: missing action= prefix in %q", ErrInvalidAction, line)
	}
	verb, arg, _ := strings.Cut(rest, " ")
	if verb == "" {
		return Action{}, fmt.Errorf("%w: empty verb", ErrInvalidAction)
	}
	return Action{Verb: verb, Argument: arg}, nil
}
