//go:build !unix

package server

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
