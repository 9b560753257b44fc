//go:build !unix

package network

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
