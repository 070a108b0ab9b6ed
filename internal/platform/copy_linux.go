//go:build linux

package platform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var kernelCopiers = []kernelCopier{
	{method: CopyFileRange, copy: copyFileRange},
	{method: Sendfile, copy: sendfile},
}

func copyFileRange(src, dst *os.File, size int64) (int64, error) {
	var roff, woff int64
	return pump(size, func(n int) (int, error) {
		return unix.CopyFileRange(int(src.Fd()), &roff, int(dst.Fd()), &woff, n, 0)
	})
}

func sendfile(src, dst *os.File, size int64) (int64, error) {
	var off int64
	return pump(size, func(n int) (int, error) {
		return unix.Sendfile(int(dst.Fd()), int(src.Fd()), &off, n)
	})
}

// pump repeats step until size bytes have moved or step reports end of
// file.
func pump(size int64, step func(n int) (int, error)) (int64, error) {
	var total int64
	for total < size {
		n, err := step(int(min(size-total, 1<<30)))
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += int64(n)
	}
	return total, nil
}

// reserve preallocates dst. fallocate is advisory and not every
// filesystem supports it.
func reserve(dst *os.File, size int64) {
	if size > 0 {
		_ = unix.Fallocate(int(dst.Fd()), 0, 0, size)
	}
}

func fallback(err error) bool {
	return errors.Is(err, unix.ENOSYS) ||
		errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EOPNOTSUPP)
}
