// Package fstab reads and rewrites the persistent mount configuration
// file, snapshotting every prior version to a timestamped backup first.
package fstab

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Entry is one mount line.
type Entry struct {
	Spec    string // device, e.g. UUID=...
	File    string // mount point
	VfsType string
	Options string
	Freq    int
	Passno  int
}

// String renders the entry in fstab form.
func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s %s %d %d", e.Spec, e.File, e.VfsType, e.Options, e.Freq, e.Passno)
}

// ParseLine parses one fstab line. Comments and blank lines return ok=false.
func ParseLine(line string) (Entry, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Entry{}, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 4 {
		return Entry{}, false
	}
	e := Entry{
		Spec:    fields[0],
		File:    fields[1],
		VfsType: fields[2],
		Options: fields[3],
	}
	if len(fields) > 4 {
		e.Freq, _ = strconv.Atoi(fields[4])
	}
	if len(fields) > 5 {
		e.Passno, _ = strconv.Atoi(fields[5])
	}
	return e, true
}

// File is an fstab at a concrete path.
type File struct {
	Path string
}

// New returns a File for the given path.
func New(path string) *File {
	return &File{Path: path}
}

// Entries parses all mount lines.
func (f *File) Entries() ([]Entry, error) {
	lines, err := f.lines()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range lines {
		if e, ok := ParseLine(line); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// EntriesFor returns the entries whose mount point equals mountpoint.
func (f *File) EntriesFor(mountpoint string) ([]Entry, error) {
	entries, err := f.Entries()
	if err != nil {
		return nil, err
	}
	var matched []Entry
	for _, e := range entries {
		if e.File == mountpoint {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// Upsert removes every line mounting at e.File and appends e, taking a
// backup first. Last writer wins; lines are never merged.
func (f *File) Upsert(e Entry) error {
	return f.rewrite(func(lines []string) []string {
		kept := dropMountPoint(lines, e.File)
		return append(kept, e.String())
	})
}

// Remove deletes every line mounting at mountpoint, taking a backup
// first. It returns the number of lines removed.
func (f *File) Remove(mountpoint string) (int, error) {
	removed := 0
	err := f.rewrite(func(lines []string) []string {
		kept := dropMountPoint(lines, mountpoint)
		removed = len(lines) - len(kept)
		return kept
	})
	return removed, err
}

// Backup copies the current file to <path>.bak.<unix-ts>, never
// overwriting an earlier backup. A missing fstab needs no backup.
func (f *File) Backup() (string, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", f.Path, err)
	}

	base := fmt.Sprintf("%s.bak.%d", f.Path, time.Now().Unix())
	name := base
	for n := 1; ; n++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s.%d", base, n)
	}
	if err := os.WriteFile(name, data, 0644); err != nil {
		return "", fmt.Errorf("writing backup %s: %w", name, err)
	}
	return name, nil
}

// Contents returns the raw file for diagnostics.
func (f *File) Contents() (string, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *File) lines() ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

func (f *File) rewrite(transform func([]string) []string) error {
	lines, err := f.lines()
	if err != nil {
		return err
	}
	if _, err := f.Backup(); err != nil {
		return err
	}
	out := transform(lines)
	content := ""
	if len(out) > 0 {
		content = strings.Join(out, "\n") + "\n"
	}
	if err := os.WriteFile(f.Path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", f.Path, err)
	}
	return nil
}

// dropMountPoint keeps comments and unrelated lines, dropping entries
// whose mount point matches.
func dropMountPoint(lines []string, mountpoint string) []string {
	var kept []string
	for _, line := range lines {
		if e, ok := ParseLine(line); ok && e.File == mountpoint {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}
