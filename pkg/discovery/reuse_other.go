//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package discovery

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
