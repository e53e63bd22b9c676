package main

import (
	"errors"
	"net"
	"os"
	"strings"
)

const unixPrefix = "unix:"

// newListener listens on a tcp address or on a unix socket given as
// unix:/path/to/socket
func newListener(addr string) (net.Listener, error) {
	if p, ok := strings.CutPrefix(addr, unixPrefix); ok {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return net.Listen("unix", p)
	}
	return net.Listen("tcp", addr)
}

func printListener(lis net.Listener) string {
	if lis.Addr().Network() == "unix" {
		return unixPrefix + lis.Addr().String()
	}
	return lis.Addr().String()
}
