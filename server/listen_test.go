package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenAddr(t *testing.T) {
	tests := []struct {
		addr    string
		network string
		address string
		wantErr bool
	}{
		{"unix:/var/spool/postfix/private/policy", "unix", "/var/spool/postfix/private/policy", false},
		{"/run/policyd.sock", "unix", "/run/policyd.sock", false},
		{"inet:127.0.0.1:10023", "tcp", "127.0.0.1:10023", false},
		{"tcp:[::1]:10023", "tcp", "[::1]:10023", false},
		{" 127.0.0.1:10040 ", "tcp", "127.0.0.1:10040", false},
		{"", "", "", true},
		{"unix:", "", "", true},
		{"inet:localhost", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			network, address, err := ParseListenAddr(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.network, network)
			assert.Equal(t, tt.address, address)
		})
	}
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.sock")

	// A socket file left behind by a previous process.
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()
	_, err = os.Lstat(path)
	require.NoError(t, err)

	ln, err := Listen(context.Background(), "unix:"+path, 0o660)
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())
}

func TestListenRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := Listen(context.Background(), path, 0)
	assert.ErrorContains(t, err, "is not a socket")
}

func TestListenTCP(t *testing.T) {
	ln, err := Listen(context.Background(), "inet:127.0.0.1:0", 0)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, "tcp", ln.Addr().Network())
}
