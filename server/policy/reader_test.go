package policy

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequest(t *testing.T) {
	r := NewReader(strings.NewReader(
		"request=smtpd_access_policy\nprotocol_state=RCPT\nsender=a%40b%3dexample.com\nrecipient=b@example.com\n\n"), Limits{}, false)

	req, err := r.ReadRequest()
	require.NoError(t, err)

	assert.Equal(t, []string{"request", "protocol_state", "sender", "recipient"}, req.Names())
	assert.Equal(t, "a@b=example.com", req.Sender())
	assert.Equal(t, "RCPT", req.ProtocolState())

	_, err = r.ReadRequest()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReadRequestSequence(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString("request=smtpd_access_policy\nrecipient=u")
		b.WriteByte(byte('0' + i))
		b.WriteString("@example.com\n\n")
	}
	r := NewReader(strings.NewReader(b.String()), Limits{}, false)

	for i := 0; i < 5; i++ {
		req, err := r.ReadRequest()
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, "u"+string(rune('0'+i))+"@example.com", req.Recipient())
	}
	_, err := r.ReadRequest()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReadRequestCRLF(t *testing.T) {
	r := NewReader(strings.NewReader("request=smtpd_access_policy\r\nsender=x@example.com\r\n\r\n"), Limits{}, false)
	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "x@example.com", req.Sender())
}

func TestReadRequestEmptyBlock(t *testing.T) {
	r := NewReader(strings.NewReader("\n"), Limits{}, false)
	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, 0, req.Len())
}

func TestReadRequestDuplicateLastWins(t *testing.T) {
	r := NewReader(strings.NewReader("sender=first@example.com\nrecipient=r@example.com\nsender=last@example.com\n\n"), Limits{}, false)
	req, err := r.ReadRequest()
	require.NoError(t, err)

	assert.Equal(t, "last@example.com", req.Sender())
	assert.Equal(t, []string{"sender", "recipient"}, req.Names())
}

func TestReadRequestRawValues(t *testing.T) {
	r := NewReader(strings.NewReader("sender=a%40b\nhelo_name=100%\n\n"), Limits{}, true)
	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "a%40b", req.Sender())
	assert.Equal(t, "100%", req.HeloName())
}

func TestReadRequestErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"missing equals", "request=smtpd_access_policy\ngarbage\n\n", ErrMalformedLine},
		{"bad escape", "sender=%G1\n\n", ErrInvalidEscape},
		{"eof mid line", "request=smtpd_access_policy\nsender=a@exa", ErrTruncatedRequest},
		{"eof mid block", "request=smtpd_access_policy\n", ErrTruncatedRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tt.input), Limits{}, false)
			_, err := r.ReadRequest()
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, isFramingError(err))
		})
	}
}

func TestReadRequestLimits(t *testing.T) {
	limits := Limits{MaxLineLength: 128, MaxRequestSize: 512, MaxAttributes: 4}

	t.Run("line too long", func(t *testing.T) {
		r := NewReader(strings.NewReader("sender="+strings.Repeat("a", 200)+"\n\n"), limits, false)
		_, err := r.ReadRequest()
		assert.ErrorIs(t, err, ErrRequestTooLarge)
	})

	t.Run("too many attributes", func(t *testing.T) {
		r := NewReader(strings.NewReader("a=1\nb=2\nc=3\nd=4\ne=5\n\n"), limits, false)
		_, err := r.ReadRequest()
		assert.ErrorIs(t, err, ErrRequestTooLarge)
	})

	t.Run("exactly at attribute limit", func(t *testing.T) {
		r := NewReader(strings.NewReader("a=1\nb=2\nc=3\nd=4\n\n"), limits, false)
		req, err := r.ReadRequest()
		require.NoError(t, err)
		assert.Equal(t, 4, req.Len())
	})

	t.Run("block too large", func(t *testing.T) {
		line := "x=" + strings.Repeat("v", 100) + "\n"
		r := NewReader(strings.NewReader(strings.Repeat(line, 4)+"\n"), Limits{MaxLineLength: 128, MaxRequestSize: 300, MaxAttributes: 100}, false)
		_, err := r.ReadRequest()
		assert.ErrorIs(t, err, ErrRequestTooLarge)
	})
}

// endlessReader produces an attribute line that never ends.
type endlessReader struct{ n int64 }

func (e *endlessReader) Read(p []byte) (int, error) {
	if e.n == 0 {
		e.n += int64(copy(p, "sender="))
		return 7, nil
	}
	for i := range p {
		p[i] = 'a'
	}
	e.n += int64(len(p))
	return len(p), nil
}

// endlessLines produces valid short attribute lines forever, never a blank one.
type endlessLines struct{ n int64 }

func (e *endlessLines) Read(p []byte) (int, error) {
	const line = "x=y\n"
	n := 0
	for n+len(line) <= len(p) {
		n += copy(p[n:], line)
	}
	if n == 0 {
		return 0, io.ErrShortBuffer
	}
	e.n += int64(n)
	return n, nil
}

func TestReadRequestBoundedOnAdversarialInput(t *testing.T) {
	limits := Limits{MaxLineLength: 1024, MaxRequestSize: 4096, MaxAttributes: 100000}

	long := &endlessReader{}
	_, err := NewReader(long, limits, false).ReadRequest()
	require.ErrorIs(t, err, ErrRequestTooLarge)
	assert.LessOrEqual(t, long.n, int64(2*limits.MaxLineLength), "reader consumed %d bytes", long.n)

	many := &endlessLines{}
	_, err = NewReader(many, limits, false).ReadRequest()
	require.ErrorIs(t, err, ErrRequestTooLarge)
	assert.LessOrEqual(t, many.n, int64(limits.MaxRequestSize+limits.MaxLineLength), "reader consumed %d bytes", many.n)
}

func TestLimitsDefaults(t *testing.T) {
	l := Limits{}.withDefaults()
	assert.Equal(t, DefaultLimits(), l)

	l = Limits{MaxLineLength: 10, MaxRequestSize: 32}.withDefaults()
	assert.Equal(t, 32, l.MaxLineLength, "line length is capped by the request size")

	l = Limits{MaxLineLength: 10}.withDefaults()
	assert.Equal(t, minLineLength, l.MaxLineLength)
}

func TestProtocolErrorTruncatesLine(t *testing.T) {
	line := strings.Repeat("z", 500)
	_, _, err := DecodeAttributeLine([]byte(line))
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Len(t, pe.Line, maxErrorLine)
}
