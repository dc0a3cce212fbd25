package policy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Default request limits. Postfix requests are a few hundred bytes; these
// leave room for long certificate subjects and SMTPUTF8 addresses.
const (
	DefaultMaxLineLength  = 8 * 1024
	DefaultMaxRequestSize = 64 * 1024
	DefaultMaxAttributes  = 256

	minLineLength = 64
)

// Limits bounds the memory one request may use.
type Limits struct {
	MaxLineLength  int // longest single line including its terminator
	MaxRequestSize int // total bytes in one attribute block
	MaxAttributes  int // attribute lines in one block
}

// DefaultLimits returns the limits used when a field is zero.
func DefaultLimits() Limits {
	return Limits{
		MaxLineLength:  DefaultMaxLineLength,
		MaxRequestSize: DefaultMaxRequestSize,
		MaxAttributes:  DefaultMaxAttributes,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxLineLength <= 0 {
		l.MaxLineLength = DefaultMaxLineLength
	}
	if l.MaxLineLength < minLineLength {
		l.MaxLineLength = minLineLength
	}
	if l.MaxRequestSize <= 0 {
		l.MaxRequestSize = DefaultMaxRequestSize
	}
	if l.MaxLineLength > l.MaxRequestSize {
		l.MaxLineLength = l.MaxRequestSize
	}
	if l.MaxAttributes <= 0 {
		l.MaxAttributes = DefaultMaxAttributes
	}
	return l
}

// Reader assembles attribute blocks from a byte stream.
type Reader struct {
	br       *bufio.Reader
	limits   Limits
	rawValue bool
}

// NewReader returns a Reader with the given limits. With rawValues set,
// attribute values are returned exactly as received instead of being
// %XX-decoded.
func NewReader(r io.Reader, limits Limits, rawValues bool) *Reader {
	limits = limits.withDefaults()
	return &Reader{
		br:       bufio.NewReaderSize(r, limits.MaxLineLength),
		limits:   limits,
		rawValue: rawValues,
	}
}

// Limits returns the effective limits.
func (r *Reader) Limits() Limits {
	return r.limits
}

// ReadRequest reads one attribute block. It returns ErrConnectionClosed when
// the stream ends cleanly between blocks.
func (r *Reader) ReadRequest() (*Request, error) {
	req := NewRequest()
	size := 0
	lines := 0

	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if lines == 0 {
					return nil, ErrConnectionClosed
				}
				return nil, ErrTruncatedRequest
			}
			return nil, err
		}

		size += len(line)
		if size > r.limits.MaxRequestSize {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrRequestTooLarge, r.limits.MaxRequestSize)
		}
		lines++

		line = trimEOL(line)
		if len(line) == 0 {
			return req, nil
		}

		if lines > r.limits.MaxAttributes {
			return nil, fmt.Errorf("%w: more than %d attributes", ErrRequestTooLarge, r.limits.MaxAttributes)
		}

		name, value, err := decodeAttributeLine(line, !r.rawValue)
		if err != nil {
			return nil, err
		}
		req.Set(name, value)
	}
}

// readLine returns the next line including its terminator. The slice is only
// valid until the next read. A stream ending mid-line yields
// ErrTruncatedRequest; ending exactly on a line boundary yields io.EOF.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	switch {
	case err == nil:
		return line, nil
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, fmt.Errorf("%w: line longer than %d bytes", ErrRequestTooLarge, r.limits.MaxLineLength)
	case errors.Is(err, io.EOF):
		if len(line) > 0 {
			return nil, newProtocolError(ErrTruncatedRequest, line)
		}
		return nil, io.EOF
	default:
		return nil, err
	}
}

func trimEOL(line []byte) []byte {
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
