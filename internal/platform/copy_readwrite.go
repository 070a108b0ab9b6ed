package platform

import (
	"io"
	"os"
	"sync"
)

const bufferSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// copyReadWrite drains src from its current offset. A file that grew since
// its size was recorded is still copied whole.
func copyReadWrite(src, dst *os.File) (CopyResult, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)

	// Hide ReaderFrom/WriterTo so the pooled buffer is what gets used.
	n, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, *bufp)
	return CopyResult{BytesWritten: n, Method: ReadWrite}, err
}
