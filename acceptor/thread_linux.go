//go:build linux

package acceptor

import "golang.org/x/sys/unix"

func currentThreadID() uint64 { return uint64(unix.Gettid()) }
