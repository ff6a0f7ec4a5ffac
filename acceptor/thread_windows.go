//go:build windows

package acceptor

import "golang.org/x/sys/windows"

func currentThreadID() uint64 { return uint64(windows.GetCurrentThreadId()) }
