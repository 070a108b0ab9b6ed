package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
)

const ringSize = 60

// Reader exposes point-in-time counters.
type Reader interface {
	Snapshot() Snapshot
}

// ReadTicker is a Reader that also samples throughput once per Tick.
type ReadTicker interface {
	Reader
	Tick()
	RollingSpeed(seconds int) float64
	RollingFilesPerSec(seconds int) float64
	SparklineData(n int) []float64
}

// Collector tracks backup, restore and verify counters using lock-free
// atomic counters.
type Collector struct {
	filesScanned      atomic.Int64
	filesNew          atomic.Int64
	filesChanged      atomic.Int64
	filesDeleted      atomic.Int64
	filesUnchanged    atomic.Int64
	filesFailed       atomic.Int64
	bytesRead         atomic.Int64
	incrementsWritten atomic.Int64
	incrementBytes    atomic.Int64
	filesRestored     atomic.Int64
	bytesRestored     atomic.Int64
	hardlinks         atomic.Int64
	filesVerified     atomic.Int64
	verifyFailed      atomic.Int64
	startTime         time.Time

	// Ring buffer, written only by Tick.
	mu          sync.Mutex
	throughput  [ringSize]int64 // bytes delta per second
	filesPerSec [ringSize]int64 // files delta per second
	ringIdx     int
	ringCount   int // samples written, capped at ringSize
	lastBytes   int64
	lastFiles   int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesScanned      int64
	FilesNew          int64
	FilesChanged      int64
	FilesDeleted      int64
	FilesUnchanged    int64
	FilesFailed       int64
	BytesRead         int64
	IncrementsWritten int64
	IncrementBytes    int64
	FilesRestored     int64
	BytesRestored     int64
	Hardlinks         int64
	FilesVerified     int64
	VerifyFailed      int64
	Elapsed           time.Duration
}

func (c *Collector) AddFilesScanned(n int64)   { c.filesScanned.Add(n) }
func (c *Collector) AddFilesNew(n int64)       { c.filesNew.Add(n) }
func (c *Collector) AddFilesChanged(n int64)   { c.filesChanged.Add(n) }
func (c *Collector) AddFilesDeleted(n int64)   { c.filesDeleted.Add(n) }
func (c *Collector) AddFilesUnchanged(n int64) { c.filesUnchanged.Add(n) }
func (c *Collector) AddFilesFailed(n int64)    { c.filesFailed.Add(n) }
func (c *Collector) AddBytesRead(n int64)      { c.bytesRead.Add(n) }
func (c *Collector) AddFilesRestored(n int64)  { c.filesRestored.Add(n) }
func (c *Collector) AddBytesRestored(n int64)  { c.bytesRestored.Add(n) }
func (c *Collector) AddHardlinks(n int64)      { c.hardlinks.Add(n) }
func (c *Collector) AddFilesVerified(n int64)  { c.filesVerified.Add(n) }
func (c *Collector) AddVerifyFailed(n int64)   { c.verifyFailed.Add(n) }

// AddIncrement counts one increment file of the given size.
func (c *Collector) AddIncrement(size int64) {
	c.incrementsWritten.Add(1)
	c.incrementBytes.Add(size)
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesScanned:      c.filesScanned.Load(),
		FilesNew:          c.filesNew.Load(),
		FilesChanged:      c.filesChanged.Load(),
		FilesDeleted:      c.filesDeleted.Load(),
		FilesUnchanged:    c.filesUnchanged.Load(),
		FilesFailed:       c.filesFailed.Load(),
		BytesRead:         c.bytesRead.Load(),
		IncrementsWritten: c.incrementsWritten.Load(),
		IncrementBytes:    c.incrementBytes.Load(),
		FilesRestored:     c.filesRestored.Load(),
		BytesRestored:     c.bytesRestored.Load(),
		Hardlinks:         c.hardlinks.Load(),
		FilesVerified:     c.filesVerified.Load(),
		VerifyFailed:      c.verifyFailed.Load(),
		Elapsed:           c.Elapsed(),
	}
}

// Tick snapshots byte and file deltas into the ring buffer. Called once a
// second by the presenter.
func (c *Collector) Tick() {
	currentBytes := c.bytesRead.Load() + c.bytesRestored.Load()
	currentFiles := c.filesScanned.Load() + c.filesRestored.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = currentBytes - c.lastBytes
	c.filesPerSec[c.ringIdx] = currentFiles - c.lastFiles
	c.lastBytes = currentBytes
	c.lastFiles = currentFiles

	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.throughput[:], seconds)
}

// RollingFilesPerSec returns average files/sec over the last n seconds.
func (c *Collector) RollingFilesPerSec(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.filesPerSec[:], seconds)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := min(n, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns up to n per-second throughput samples, oldest
// first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count <= 0 {
		return nil
	}
	data := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		data[i] = float64(c.throughput[idx])
	}
	return data
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"scanned=%d new=%d changed=%d deleted=%d unchanged=%d failed=%d read=%d increments=%d",
		s.FilesScanned, s.FilesNew, s.FilesChanged, s.FilesDeleted,
		s.FilesUnchanged, s.FilesFailed, s.BytesRead, s.IncrementsWritten,
	)
}

// FormatBytes returns a human-readable binary byte count.
func FormatBytes(b int64) string {
	return units.BytesSize(float64(b))
}
