package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/policyd/server/policy"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDumpAnswersDunnoAndNumbersConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, &dumper{out: out}, false) }()

	query := func(sender string) {
		c, err := policy.Dial(ctx, "inet:"+ln.Addr().String())
		require.NoError(t, err)
		defer c.Close()

		req := policy.NewRequest()
		req.Set(policy.AttrRequest, policy.RequestTypeAccessPolicy)
		req.Set(policy.AttrSender, sender)
		act, err := c.Query(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, policy.Dunno(), act)
	}
	query("first@example.com")
	query("100%=off@example.com")

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "End of request on connection #1")
	}, time.Second, 10*time.Millisecond)

	got := out.String()
	assert.Contains(t, got, "Request on connection #0\nrequest=smtpd_access_policy\nsender=first@example.com\nEnd of request on connection #0\n")
	assert.Contains(t, got, "sender=100%=off@example.com\n", "values are printed decoded")

	cancel()
	ln.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the listener closed")
	}
}
