package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"github.com/migadu/policyd/logger"
)

// ParseListenAddr converts a Postfix-style service address into a network
// and address for net.Listen / net.Dial. Accepted forms:
//
//	unix:/var/spool/postfix/private/policy
//	/var/spool/postfix/private/policy
//	inet:127.0.0.1:10023
//	tcp:127.0.0.1:10023
//	127.0.0.1:10023
func ParseListenAddr(addr string) (network, address string, err error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return "", "", errors.New("empty address")
	case strings.HasPrefix(addr, "unix:"):
		network, address = "unix", strings.TrimPrefix(addr, "unix:")
	case strings.HasPrefix(addr, "/"):
		network, address = "unix", addr
	case strings.HasPrefix(addr, "inet:"):
		network, address = "tcp", strings.TrimPrefix(addr, "inet:")
	case strings.HasPrefix(addr, "tcp:"):
		network, address = "tcp", strings.TrimPrefix(addr, "tcp:")
	default:
		network, address = "tcp", addr
	}

	if network == "unix" {
		if address == "" {
			return "", "", fmt.Errorf("empty socket path in %q", addr)
		}
		return network, address, nil
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return network, address, nil
}

// Listen opens a listener for a Postfix-style address. A stale unix socket
// left behind by a previous run is removed first, and socketMode (when
// non-zero) is applied to the new socket so the postfix user can connect.
func Listen(ctx context.Context, addr string, socketMode os.FileMode) (net.Listener, error) {
	network, address, err := ParseListenAddr(addr)
	if err != nil {
		return nil, err
	}

	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
	}

	lc := net.ListenConfig{}
	if network == "tcp" {
		lc.Control = reuseAddrControl
	}
	listener, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	if network == "unix" && socketMode != 0 {
		if err := os.Chmod(address, socketMode); err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to chmod socket %s: %w", address, err)
		}
	}
	return listener, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	logger.Debug("Removing stale socket", "path", path)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	return nil
}
