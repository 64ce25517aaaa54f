// Package inbox drains a watched folder of TDDF files: each file is claimed,
// decoded locally or uploaded to a tddf server, and moved to processed/ once
// it succeeds.
package inbox

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Folder names under the inbox root.
const (
	DirInbox     = "inbox"
	DirLogs      = "logs"
	DirProcessed = "processed"

	// ClaimSuffix marks a file that an uploader is working on.
	ClaimSuffix = ".processing"
)

// Layout is the folder structure of one inbox root.
type Layout struct {
	Root      string
	Inbox     string
	Logs      string
	Processed string
}

// NewLayout returns the layout under root without touching the filesystem.
func NewLayout(root string) Layout {
	return Layout{
		Root:      root,
		Inbox:     filepath.Join(root, DirInbox),
		Logs:      filepath.Join(root, DirLogs),
		Processed: filepath.Join(root, DirProcessed),
	}
}

// Ensure creates any missing folders.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Inbox, l.Logs, l.Processed} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "inbox: create %s", dir)
		}
	}
	return nil
}

// Pending lists the files waiting in the inbox, by name. Hidden files and
// files claimed by another run are skipped.
func (l Layout) Pending() ([]string, error) {
	entries, err := os.ReadDir(l.Inbox)
	if err != nil {
		return nil, eris.Wrapf(err, "inbox: read %s", l.Inbox)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ClaimSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Claim renames an inbox file to its claimed name. A file that vanished or
// was claimed first by someone else returns an error matching os.ErrNotExist.
func (l Layout) Claim(name string) (string, error) {
	src := filepath.Join(l.Inbox, name)
	dst := src + ClaimSuffix
	if err := os.Rename(src, dst); err != nil {
		return "", eris.Wrapf(err, "inbox: claim %s", name)
	}
	return dst, nil
}

// Unclaim restores a claimed file to its original name so a later run retries it.
func (l Layout) Unclaim(claimed string) (string, error) {
	orig := strings.TrimSuffix(claimed, ClaimSuffix)
	if err := os.Rename(claimed, orig); err != nil {
		return claimed, eris.Wrapf(err, "inbox: unclaim %s", filepath.Base(claimed))
	}
	return orig, nil
}

// MoveToProcessed moves a claimed file into processed/ under its original
// name, adding " (1)", " (2)", ... before the extension when the name is taken.
func (l Layout) MoveToProcessed(claimed string) (string, error) {
	name := strings.TrimSuffix(filepath.Base(claimed), ClaimSuffix)
	dst := uniquePath(l.Processed, name)
	if err := os.Rename(claimed, dst); err != nil {
		return "", eris.Wrapf(err, "inbox: move %s to processed", name)
	}
	return dst, nil
}

// uniquePath returns the first candidate that cannot be stat'ed. Any stat
// error ends the search so a broken dir surfaces at rename time.
func uniquePath(dir, name string) string {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err != nil {
		return p
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		p = filepath.Join(dir, stem+" ("+strconv.Itoa(n)+")"+ext)
		if _, err := os.Stat(p); err != nil {
			return p
		}
	}
}
