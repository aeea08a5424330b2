//go:build unix || darwin || linux
// +build unix darwin linux

package runner

import "syscall"

// setNonblock toggles O_NONBLOCK on a raw pipe descriptor. The worker
// drains with the pipe in non-blocking mode and restores blocking mode
// before returning, so a stalled subprocess can never hang the dispatch
// loop.
func setNonblock(fd uintptr, nonblocking bool) error {
	return syscall.SetNonblock(int(fd), nonblocking)
}

// readFd reads directly from the descriptor, retrying interrupted calls.
func readFd(fd uintptr, p []byte) (int, error) {
	for {
		n, err := syscall.Read(int(fd), p)
		if err == syscall.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// errWouldBlock reports the drain-terminating "nothing available" errno.
func errWouldBlock(err error) bool {
	return err == syscall.EAGAIN || err == syscall.EWOULDBLOCK
}
