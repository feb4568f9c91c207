// Command reconcile summarizes the saga reconciliation journal. It lists
// every compensation whose undo step failed, since those left currency or
// items out of balance and need an operator to settle them by hand.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/talgya/archipelago/internal/config"
	"github.com/talgya/archipelago/internal/economy"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	def := config.Defaults()
	var (
		configPath = flag.String("config", "", "path to islands.yaml (overrides the journal defaults)")
		dir        = flag.String("dir", "", "journal directory (default from config)")
		prefix     = flag.String("prefix", "", "journal file prefix (default from config)")
		since      = flag.Duration("since", 0, "only entries newer than this age, e.g. 24h (0 = all)")
	)
	flag.Parse()

	cfg := def
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dir == "" {
		*dir = cfg.Journal.Dir
	}
	if *prefix == "" {
		*prefix = cfg.Journal.Prefix
	}

	files, err := economy.JournalFiles(*dir, *prefix)
	if err != nil {
		slog.Error("failed to list journal", "dir", *dir, "error", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Printf("No journal files under %s.\n", *dir)
		return
	}

	var entries []economy.Entry
	for _, path := range files {
		got, err := economy.ReadJournal(path)
		if err != nil {
			// A crash can truncate the newest file; keep what decoded.
			slog.Warn("journal file partially read", "file", path, "entries", len(got), "error", err)
		}
		entries = append(entries, got...)
	}

	var cutoff time.Time
	if *since > 0 {
		cutoff = time.Now().Add(-*since)
	}
	rep := summarize(entries, cutoff)
	rep.write(os.Stdout, len(files))
	if len(rep.Fatal) > 0 {
		os.Exit(2)
	}
}

// report is the digest of a set of journal entries.
type report struct {
	Total  int
	ByKind map[string]int
	BySaga map[string]int
	Fatal  []economy.Entry
}

// summarize counts entries at or after cutoff (zero means all) and collects
// the fatal ones in time order.
func summarize(entries []economy.Entry, cutoff time.Time) report {
	rep := report{ByKind: make(map[string]int), BySaga: make(map[string]int)}
	for _, e := range entries {
		if !cutoff.IsZero() && e.At.Before(cutoff) {
			continue
		}
		rep.Total++
		rep.ByKind[e.Kind]++
		rep.BySaga[e.Saga]++
		if e.Kind == economy.KindFatal {
			rep.Fatal = append(rep.Fatal, e)
		}
	}
	sort.SliceStable(rep.Fatal, func(i, j int) bool { return rep.Fatal[i].At.Before(rep.Fatal[j].At) })
	return rep
}

func (r report) write(w io.Writer, files int) {
	fmt.Fprintf(w, "%d entries across %d journal files\n", r.Total, files)

	fmt.Fprintln(w, "\nBy kind:")
	for _, k := range sortedKeys(r.ByKind) {
		fmt.Fprintf(w, "  %-14s %d\n", k, r.ByKind[k])
	}
	fmt.Fprintln(w, "\nBy operation:")
	for _, k := range sortedKeys(r.BySaga) {
		fmt.Fprintf(w, "  %-22s %d\n", k, r.BySaga[k])
	}

	if len(r.Fatal) == 0 {
		fmt.Fprintln(w, "\nNo failed compensations.")
		return
	}
	fmt.Fprintf(w, "\n%d failed compensations need manual reconciliation:\n", len(r.Fatal))
	for _, e := range r.Fatal {
		fmt.Fprintf(w, "  %s  %s  %s/%s  cause=%q undo_error=%q\n",
			e.At.UTC().Format(time.RFC3339), e.ID, e.Saga, e.Step, e.Cause, e.UndoError)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
