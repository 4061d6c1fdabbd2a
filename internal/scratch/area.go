// Package scratch manages per-worker download directories and detects
// when the portal has finished writing an artifact into one.
package scratch

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// Area is the scratch root of one run. Every worker session gets its own
// subdirectory so concurrent downloads never collide, and the whole area
// is purged at the end of the run whether or not it succeeded.
type Area struct {
	fs   afero.Fs
	root string
}

// NewArea binds an area to root on fs. The directory is created (and
// emptied of any leftovers from a previous run) on first use via Clean.
func NewArea(fs afero.Fs, root string) *Area {
	return &Area{fs: fs, root: root}
}

// Root returns the scratch root path.
func (a *Area) Root() string {
	return a.root
}

// Clean ensures the root exists and is empty. Called once at run start so
// stale artifacts from an aborted run are never routed.
func (a *Area) Clean() error {
	if err := a.fs.RemoveAll(a.root); err != nil {
		return eris.Wrapf(err, "scratch: clean %s", a.root)
	}
	if err := a.fs.MkdirAll(a.root, 0o755); err != nil {
		return eris.Wrapf(err, "scratch: create %s", a.root)
	}
	return nil
}

// WorkerDir creates (if absent) and returns the private directory for the
// numbered worker session.
func (a *Area) WorkerDir(id int) (string, error) {
	dir := filepath.Join(a.root, fmt.Sprintf("worker_%d", id))
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "scratch: create worker dir %s", dir)
	}
	return dir, nil
}

// WorkerDirs lists the existing worker directories in the area.
func (a *Area) WorkerDirs() ([]string, error) {
	entries, err := afero.ReadDir(a.fs, a.root)
	if err != nil {
		return nil, eris.Wrapf(err, "scratch: list %s", a.root)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(a.root, e.Name()))
		}
	}
	return dirs, nil
}

// Purge removes the whole area. Safe to call on a missing root.
func (a *Area) Purge() error {
	if err := a.fs.RemoveAll(a.root); err != nil {
		return eris.Wrapf(err, "scratch: purge %s", a.root)
	}
	return nil
}
