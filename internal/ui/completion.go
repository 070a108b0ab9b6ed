package ui

import (
	"fmt"

	"github.com/bamsammich/backtrack/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  files 48,917  new 12  changed 3  deleted 1  increments 16 (2.1MiB)  time 3m 17s  errors 0
func CompletionSummary(op Op, snap stats.Snapshot) string {
	failed := snap.FilesFailed + snap.VerifyFailed
	icon := "✓"
	if failed > 0 {
		icon = "✗"
	}

	var base string
	switch op {
	case OpRestore:
		base = fmt.Sprintf("done %s  files %s  size %s  links %s",
			icon,
			FormatCount(snap.FilesRestored),
			FormatBytes(snap.BytesRestored),
			FormatCount(snap.Hardlinks),
		)
	case OpVerify:
		base = fmt.Sprintf("done %s  paths %s", icon, FormatCount(snap.FilesVerified))
	default:
		base = fmt.Sprintf("done %s  files %s  new %s  changed %s  deleted %s  increments %s (%s)",
			icon,
			FormatCount(snap.FilesScanned),
			FormatCount(snap.FilesNew),
			FormatCount(snap.FilesChanged),
			FormatCount(snap.FilesDeleted),
			FormatCount(snap.IncrementsWritten),
			FormatBytes(snap.IncrementBytes),
		)
	}

	return base + fmt.Sprintf("  time %s  errors %d", FormatDuration(snap.Elapsed), failed)
}
