package meta

import (
	"errors"
	"log/slog"

	"github.com/pkg/xattr"
)

// ACLName is the attribute holding the POSIX access ACL. It is recorded in
// Record.ACL instead of Record.Xattrs.
const ACLName = "system.posix_acl_access"

// readXattrs captures the attributes of path without following symlinks.
// Filesystems without xattr support yield nothing.
func readXattrs(path string) (map[string][]byte, []byte) {
	names, err := xattr.LList(path)
	if err != nil {
		if !isUnsupported(err) {
			slog.Debug("list xattrs", "path", path, "error", err)
		}
		return nil, nil
	}
	var (
		attrs map[string][]byte
		acl   []byte
	)
	for _, name := range names {
		val, err := xattr.LGet(path, name)
		if err != nil {
			slog.Debug("get xattr", "path", path, "name", name, "error", err)
			continue
		}
		if name == ACLName {
			acl = val
			continue
		}
		if attrs == nil {
			attrs = make(map[string][]byte, len(names))
		}
		attrs[name] = val
	}
	return attrs, acl
}

// ApplyXattrs writes rec's extended attributes and ACL onto path. Failures
// are joined and returned; callers treat them as best-effort.
func ApplyXattrs(path string, rec *Record) error {
	var errs []error
	for name, val := range rec.Xattrs {
		if err := xattr.LSet(path, name, val); err != nil {
			errs = append(errs, err)
		}
	}
	if len(rec.ACL) > 0 {
		if err := xattr.LSet(path, ACLName, rec.ACL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isUnsupported(err error) bool {
	var xerr *xattr.Error
	if errors.As(err, &xerr) {
		return errors.Is(xerr.Err, xattr.ENOATTR) || errors.Is(xerr.Err, errUnsupported)
	}
	return false
}
