//go:build windows
// +build windows

package runner

import "errors"

var errNotSupported = errors.New("non-blocking pipe reads are not supported on windows")

func setNonblock(fd uintptr, nonblocking bool) error {
	return errNotSupported
}

func readFd(fd uintptr, p []byte) (int, error) {
	return 0, errNotSupported
}

func errWouldBlock(err error) bool {
	return false
}
