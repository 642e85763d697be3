package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fclairamb/boxsync/internal/metadata"
	"github.com/fclairamb/boxsync/internal/reconcile"
	"github.com/fclairamb/boxsync/internal/store"
	"github.com/fclairamb/boxsync/internal/sync"
)

const (
	// Time duration constants for relative time formatting.
	hoursPerDay  = 24
	daysPerWeek  = 7
	daysPerMonth = 30

	// shortHashLen is how much of a content hash ls -l shows.
	shortHashLen = 12
)

// displayMetadata prints one index entry.
func displayMetadata(w io.Writer, md *metadata.FileMetadata) {
	fmt.Fprintf(w, "Path:     %s\n", md.Path)
	fmt.Fprintf(w, "Hash:     %s\n", md.ContentHash)
	fmt.Fprintf(w, "Size:     %d bytes\n", md.Size)
	fmt.Fprintf(w, "Modified: %s (%s)\n", md.ModifiedAt.Format(time.RFC3339), formatTimeSince(md.ModifiedAt))
	fmt.Fprintf(w, "Mode:     %s\n", md.Mode)
}

// displayList prints index entries, one per line.
func displayList(w io.Writer, rows []*metadata.FileMetadata, long bool) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No files")
		return
	}

	for _, md := range rows {
		if !long {
			fmt.Fprintln(w, md.Path)
			continue
		}
		fmt.Fprintf(w, "%s %10d  %-16s %s  %s\n",
			md.Mode, md.Size, formatTimeSince(md.ModifiedAt), shortHash(md.ContentHash), md.Path)
	}
}

func shortHash(h string) string {
	if len(h) > shortHashLen {
		return h[:shortHashLen]
	}
	return h
}

// displayScanResult prints what a scan changed in the index.
func displayScanResult(w io.Writer, res *store.ScanResult) {
	if !res.Changed() {
		fmt.Fprintf(w, "Index up to date (%d files)\n", res.Unchanged)
	} else {
		fmt.Fprintf(w, "Scan: %d added, %d updated, %d removed, %d unchanged\n",
			len(res.Added), len(res.Updated), len(res.Removed), res.Unchanged)
	}

	printPaths(w, "+", res.Added)
	printPaths(w, "~", res.Updated)
	printPaths(w, "-", res.Removed)
	if len(res.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped %d entries: %s\n", len(res.Skipped), strings.Join(res.Skipped, ", "))
	}
}

// displayVerifyResult prints the outcome of a verification.
func displayVerifyResult(w io.Writer, res *store.VerifyResult) {
	if res.OK() {
		fmt.Fprintf(w, "All %d files match the index\n", res.Checked)
		return
	}

	fmt.Fprintf(w, "Checked %d files: %d corrupt, %d missing\n", res.Checked, len(res.Corrupt), len(res.Missing))
	printPaths(w, "corrupt:", res.Corrupt)
	printPaths(w, "missing:", res.Missing)
}

// displaySweepResult prints the orphans found by gc.
func displaySweepResult(w io.Writer, res *store.SweepResult, dryRun bool) {
	if len(res.Orphans) == 0 {
		fmt.Fprintln(w, "No orphan files")
		return
	}

	printPaths(w, "orphan:", res.Orphans)
	if dryRun {
		fmt.Fprintf(w, "%d orphan files would be removed\n", len(res.Orphans))
		return
	}
	fmt.Fprintf(w, "Removed %d of %d orphan files\n", res.Removed, len(res.Orphans))
}

// displayPlan prints the operations of a dry run.
func displayPlan(w io.Writer, plan *reconcile.Plan, all bool) {
	pending := plan.Pending()
	if len(pending) == 0 {
		fmt.Fprintln(w, "Everything in sync")
	}

	for _, op := range plan.Operations {
		if op.Action == reconcile.Noop && !all {
			continue
		}
		mark := ""
		if op.Conflict {
			mark = " (conflict)"
		}
		fmt.Fprintf(w, "  %-13s %s%s\n", op.Action, op.Path, mark)
	}

	if len(pending) > 0 {
		fmt.Fprintf(w, "%d operations, %d conflicts\n", len(pending), plan.Conflicts())
	}
}

// displaySyncResult prints the summary of a sync run.
func displaySyncResult(w io.Writer, res *sync.Result) {
	fmt.Fprintf(w, "Sync %s finished in %s\n", res.RunID, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  uploaded:       %d\n", res.Uploaded)
	fmt.Fprintf(w, "  downloaded:     %d\n", res.Downloaded)
	fmt.Fprintf(w, "  deleted local:  %d\n", res.DeletedLocal)
	fmt.Fprintf(w, "  deleted remote: %d\n", res.DeletedRemote)
	fmt.Fprintf(w, "  unchanged:      %d\n", res.Unchanged)
	if res.Conflicts > 0 {
		fmt.Fprintf(w, "  conflicts:      %d\n", res.Conflicts)
	}

	if res.Failed() == 0 {
		return
	}
	fmt.Fprintf(w, "  failed:         %d\n", res.Failed())
	for _, f := range res.Failures {
		fmt.Fprintf(w, "    %s %s: %v\n", f.Action, f.Path, f.Err)
	}
}

func printPaths(w io.Writer, prefix string, paths []string) {
	for _, p := range paths {
		fmt.Fprintf(w, "  %s %s\n", prefix, p)
	}
}

// formatTimeSince formats a time duration in a human-readable way.
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case duration < hoursPerDay*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case duration < daysPerWeek*hoursPerDay*time.Hour:
		days := int(duration.Hours() / hoursPerDay)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	case duration < daysPerMonth*hoursPerDay*time.Hour:
		weeks := int(duration.Hours() / hoursPerDay / daysPerWeek)
		if weeks == 1 {
			return "1 week ago"
		}
		return fmt.Sprintf("%d weeks ago", weeks)
	default:
		months := int(duration.Hours() / hoursPerDay / daysPerMonth)
		if months == 1 {
			return "1 month ago"
		}
		return fmt.Sprintf("%d months ago", months)
	}
}
