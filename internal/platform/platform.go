// Package platform moves file content between local files using the
// fastest mechanism the kernel offers.
package platform

import "os"

type CopyMethod int

const (
	ReadWrite CopyMethod = iota
	CopyFileRange
	Sendfile
)

var methodNames = [...]string{"read_write", "copy_file_range", "sendfile"}

func (m CopyMethod) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "unknown"
	}
	return methodNames[m]
}

type CopyResult struct {
	BytesWritten int64
	Method       CopyMethod
}

// CopyParams describes a whole-file copy from SrcPath into Dst, which must
// be empty and positioned at offset 0.
type CopyParams struct {
	Dst     *os.File
	SrcPath string
	Size    int64
}

// kernelCopier moves size bytes from src to dst without leaving either
// file's offset changed when it fails before writing anything.
type kernelCopier struct {
	method CopyMethod
	copy   func(src, dst *os.File, size int64) (int64, error)
}

// CopyFile copies params.SrcPath into params.Dst. Kernel copiers are tried
// in order; one that is unsupported for this pair of files hands over to
// the next, ending with a buffered read/write loop.
func CopyFile(params CopyParams) (CopyResult, error) {
	src, err := os.Open(params.SrcPath)
	if err != nil {
		return CopyResult{}, err
	}
	defer src.Close()

	reserve(params.Dst, params.Size)
	for _, k := range kernelCopiers {
		n, err := k.copy(src, params.Dst, params.Size)
		if err == nil || n > 0 || !fallback(err) {
			return CopyResult{BytesWritten: n, Method: k.method}, err
		}
	}
	return copyReadWrite(src, params.Dst)
}
