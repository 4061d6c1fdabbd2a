package scratch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// inProgressSuffixes mark files still being written by the transport (or
// by the browser the portal hands the download to).
var inProgressSuffixes = []string{".partial", ".crdownload", ".tmp"}

// Spec describes the artifact Await is waiting for.
type Spec struct {
	// Extensions the expected file may carry, including the dot. A
	// candidate matches when it ends in any of them; date-range requests
	// wait on both the archive extension and the report's own, since not
	// every transport delivers ranges as archives.
	Extensions []string
	// Token, when set, restricts candidates to filenames containing it
	// (case-insensitive).
	Token string
	// After, when set, restricts candidates to files modified at or after
	// it. Archives carry no fund token, so without this an earlier fund's
	// archive in the same directory would satisfy the next fund's wait.
	After time.Time
	// Timeout bounds the whole wait. Default 45s.
	Timeout time.Duration
	// PollInterval between directory scans. Default 300ms.
	PollInterval time.Duration
	// StableInterval between the two size samples of the completeness
	// check. Default 200ms.
	StableInterval time.Duration
}

func (s Spec) withDefaults() Spec {
	if s.Timeout <= 0 {
		s.Timeout = 45 * time.Second
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 300 * time.Millisecond
	}
	if s.StableInterval <= 0 {
		s.StableInterval = 200 * time.Millisecond
	}
	return s
}

// Await polls dir until a file matching spec is completely written, and
// returns its path. A timeout is a typed outcome (ok=false, nil error),
// not a failure: the caller decides whether to retry the task or record a
// fund-level error. The returned error is non-nil only for context
// cancellation.
func Await(ctx context.Context, fs afero.Fs, dir string, spec Spec) (string, bool, error) {
	spec = spec.withDefaults()
	deadline := time.Now().Add(spec.Timeout)

	for {
		if path, ok := scanOnce(ctx, fs, dir, spec); ok {
			return path, true, nil
		}

		if time.Now().After(deadline) {
			return "", false, nil
		}

		select {
		case <-ctx.Done():
			return "", false, eris.Wrap(ctx.Err(), "scratch: await artifact")
		case <-time.After(spec.PollInterval):
		}
	}
}

// scanOnce looks for one complete candidate in dir.
func scanOnce(ctx context.Context, fs afero.Fs, dir string, spec Spec) (string, bool) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return "", false
	}

	var candidates []os.FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if !matchesExtension(name, spec.Extensions) {
			continue
		}
		if hasInProgressSuffix(name) {
			continue
		}
		if spec.Token != "" && !strings.Contains(name, strings.ToLower(spec.Token)) {
			continue
		}
		if !spec.After.IsZero() && e.ModTime().Before(spec.After) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return "", false
	}

	// Most recently modified first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ModTime().After(candidates[j].ModTime())
	})

	for _, c := range candidates {
		path := filepath.Join(dir, c.Name())
		if isComplete(ctx, fs, path, spec.StableInterval) {
			return path, true
		}
	}
	return "", false
}

// isComplete reports whether the file at path has finished transferring.
// A sidecar marker rules it out immediately; otherwise the size must be
// nonzero and stable across two samples, because the marker can disappear
// fractionally before the final bytes are flushed.
func isComplete(ctx context.Context, fs afero.Fs, path string, stableInterval time.Duration) bool {
	for _, suffix := range inProgressSuffixes {
		if exists, _ := afero.Exists(fs, path+suffix); exists {
			return false
		}
	}

	info, err := fs.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}
	size1 := info.Size()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(stableInterval):
	}

	info, err = fs.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == size1
}

func matchesExtension(name string, extensions []string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(name, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func hasInProgressSuffix(name string) bool {
	for _, suffix := range inProgressSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
