package economy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Journal entry kinds.
const (
	KindCompensated = "compensated"
	KindFatal       = "fatal_inconsistency"
)

// Entry is one reconciliation record.
type Entry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	Saga      string    `json:"saga"`
	Step      string    `json:"step"`
	Cause     string    `json:"cause,omitempty"`
	UndoError string    `json:"undo_error,omitempty"`
}

// Journal receives reconciliation records.
type Journal interface {
	Record(e Entry) error
}

// ZstdJournal appends entries as zstd-compressed JSON lines, one file per
// UTC hour: <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type ZstdJournal struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewZstdJournal creates a journal rooted at baseDir. Files are opened lazily.
func NewZstdJournal(baseDir, prefix string) *ZstdJournal {
	return &ZstdJournal{baseDir: baseDir, prefix: prefix}
}

// Record implements Journal. Each entry is flushed through the encoder so a
// crash loses at most the entry being written.
func (j *ZstdJournal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	hour := e.At.UTC().Format("2006-01-02-15")
	if e.At.IsZero() {
		hour = time.Now().UTC().Format("2006-01-02-15")
	}
	if hour != j.curHour {
		if err := j.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.enc.Flush()
}

// Close finishes the current frame and closes the file.
func (j *ZstdJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *ZstdJournal) pathForHour(hour string) string {
	return filepath.Join(j.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", j.prefix, hour))
}

func (j *ZstdJournal) rotateLocked(hour string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriter(enc)
	j.curHour = hour
	return nil
}

func (j *ZstdJournal) closeLocked() error {
	if j.f == nil {
		return nil
	}
	var firstErr error
	if err := j.w.Flush(); err != nil {
		firstErr = err
	}
	if err := j.enc.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	j.f, j.enc, j.w, j.curHour = nil, nil, nil, ""
	return firstErr
}

// ReadJournal decodes every entry of one journal file. A truncated final
// frame (crash mid-write) returns the entries decoded so far with the error.
func ReadJournal(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	r := bufio.NewReader(dec)
	for {
		line, err := r.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			var e Entry
			if jerr := json.Unmarshal(line, &e); jerr != nil {
				return out, fmt.Errorf("%s: %w", filepath.Base(path), jerr)
			}
			out = append(out, e)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// JournalFiles lists the journal files under dir for prefix, oldest first.
func JournalFiles(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
