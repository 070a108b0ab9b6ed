package meta

import "golang.org/x/sys/unix"

var errUnsupported = unix.ENOTSUP
