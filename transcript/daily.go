package transcript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	timestampLayout = "2006/01/02 15:04:05"
	fileDateLayout  = "02-Jan-2006"
)

// RotatingFile appends timestamped lines to one file per UTC day inside dir
// (named like 15-Oct-2026.log) and removes files older than the retention.
type RotatingFile struct {
	dir           string
	retentionDays int

	mu          sync.Mutex
	currentDate string
	currentPath string
	file        *os.File
}

// NewRotatingFile creates dir if needed and prunes expired files.
// retentionDays <= 0 keeps seven days.
func NewRotatingFile(dir string, retentionDays int) (*RotatingFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, errors.New("transcript: directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create directory %q: %w", trimmed, err)
	}
	if err := cleanupOldFiles(trimmed, time.Now().UTC(), retentionDays); err != nil {
		return nil, fmt.Errorf("transcript: cleanup %s: %w", trimmed, err)
	}
	return &RotatingFile{dir: trimmed, retentionDays: retentionDays}, nil
}

// Purpose: Append one line to the file for now's date.
// Key aspects: Rotates when the UTC date changes; pruning runs on rotation.
// Upstream: DailyFile.Append, process log fanout.
// Downstream: os.File.WriteString.
func (f *RotatingFile) WriteLine(line string, now time.Time) error {
	now = now.UTC()
	date := now.Format(fileDateLayout)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil || f.currentDate != date {
		if err := f.rotateLocked(date, now); err != nil {
			return err
		}
	}
	if _, err := f.file.WriteString(now.Format(timestampLayout) + " " + line + "\n"); err != nil {
		return fmt.Errorf("transcript: write %s: %w", f.currentPath, err)
	}
	return nil
}

// Path returns the file currently written to, or "" before the first line.
func (f *RotatingFile) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentPath
}

func (f *RotatingFile) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.currentDate = ""
	f.currentPath = ""
	return err
}

func (f *RotatingFile) rotateLocked(date string, now time.Time) error {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("transcript: create directory %q: %w", f.dir, err)
	}
	path := filepath.Join(f.dir, fileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open %s: %w", path, err)
	}
	f.file = file
	f.currentDate = date
	f.currentPath = path
	return cleanupOldFiles(f.dir, now, f.retentionDays)
}

// DailyFile is a Sink writing each bot's lines under <root>/<bot>/.
type DailyFile struct {
	root          string
	retentionDays int

	mu     sync.Mutex
	files  map[string]*RotatingFile
	closed bool
}

// NewDailyFile creates root if needed.
func NewDailyFile(root string, retentionDays int) (*DailyFile, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errors.New("transcript: directory is empty")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create directory %q: %w", trimmed, err)
	}
	return &DailyFile{root: trimmed, retentionDays: retentionDays, files: make(map[string]*RotatingFile)}, nil
}

func (d *DailyFile) Append(_ context.Context, e Entry) error {
	f, err := d.fileFor(e.Bot)
	if err != nil {
		return err
	}
	return f.WriteLine(formatEntry(e), e.At)
}

func (d *DailyFile) fileFor(bot string) (*RotatingFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("transcript: daily file sink is closed")
	}
	if f, ok := d.files[bot]; ok {
		return f, nil
	}
	f, err := NewRotatingFile(filepath.Join(d.root, bot), d.retentionDays)
	if err != nil {
		return nil, err
	}
	d.files[bot] = f
	return f, nil
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	var errs []error
	for _, f := range d.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// formatEntry renders "<session8> #<seq> <line>", marking prompts with "> ".
func formatEntry(e Entry) string {
	session := e.Session
	if len(session) > 8 {
		session = session[:8]
	}
	marker := ""
	if e.Prompt {
		marker = "> "
	}
	return fmt.Sprintf("%s #%d %s%s", session, e.Seq, marker, e.Line)
}

func fileNameForDate(now time.Time) string {
	return now.UTC().Format(fileDateLayout) + ".log"
}

func parseFileDate(name string) (time.Time, bool) {
	if filepath.Ext(name) != ".log" {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(fileDateLayout, strings.TrimSuffix(name, ".log"), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func cleanupOldFiles(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	cutoff := dateOnly(now.UTC()).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := parseFileDate(entry.Name())
		if !ok {
			continue
		}
		if date.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
