//go:build darwin

package meta

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// fillFromStat copies the platform stat fields into rec.
func fillFromStat(rec *Record, stat *syscall.Stat_t) {
	rec.UID = stat.Uid
	rec.GID = stat.Gid
	rec.Dev = uint64(stat.Dev) //nolint:gosec // G115: dev_t is int32 on darwin, always non-negative
	rec.Ino = stat.Ino
	rec.Nlink = uint64(stat.Nlink)
	rec.MTime = stat.Mtimespec.Sec
	rec.MTimeNsec = stat.Mtimespec.Nsec
	if rec.Kind == KindDevice {
		rdev := uint64(stat.Rdev) //nolint:gosec // G115: dev_t is int32 on darwin, always non-negative
		rec.DevMajor = unix.Major(rdev)
		rec.DevMinor = unix.Minor(rdev)
	}
}
