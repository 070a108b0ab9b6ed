//go:build linux

package meta

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// fillFromStat copies the platform stat fields into rec.
func fillFromStat(rec *Record, stat *syscall.Stat_t) {
	rec.UID = stat.Uid
	rec.GID = stat.Gid
	rec.Dev = stat.Dev
	rec.Ino = stat.Ino
	rec.Nlink = uint64(stat.Nlink) //nolint:gosec // G115: nlink_t width varies by arch
	rec.MTime = stat.Mtim.Sec
	rec.MTimeNsec = stat.Mtim.Nsec
	if rec.Kind == KindDevice {
		rdev := uint64(stat.Rdev) //nolint:gosec // G115: rdev is non-negative
		rec.DevMajor = unix.Major(rdev)
		rec.DevMinor = unix.Minor(rdev)
	}
}
