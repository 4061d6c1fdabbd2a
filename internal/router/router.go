// Package router attributes downloaded artifacts to funds and files them
// into their configured destinations with collision-safe versioned names.
package router

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/bloko-capital/fundsync/internal/catalog"
	"github.com/bloko-capital/fundsync/internal/report"
)

// monthNames are the directory segments of the archival subpath.
var monthNames = map[time.Month]string{
	time.January: "Janeiro", time.February: "Fevereiro", time.March: "Marco",
	time.April: "Abril", time.May: "Maio", time.June: "Junho",
	time.July: "Julho", time.August: "Agosto", time.September: "Setembro",
	time.October: "Outubro", time.November: "Novembro", time.December: "Dezembro",
}

// archiveSubdir is the fixed per-fund folder that receives document
// reports under the fund archive root.
const archiveSubdir = "06. Carteiras"

// Paths holds the configured destination roots.
type Paths struct {
	// FundRoot is the base of the per-fund archival tree.
	FundRoot string
	// Monitor is the flat monitoring directory for document reports.
	Monitor string
	// Spreadsheet is the flat destination for spreadsheet reports.
	Spreadsheet string
	// Structured is the flat destination for structured reports.
	Structured string
}

// Router files artifacts. Safe for use from a single goroutine; the
// orchestrator routes strictly after all worker sessions are closed.
type Router struct {
	fs    afero.Fs
	cat   *catalog.Catalog
	paths Paths
	log   *zap.Logger
}

// New creates a router over fs for the given catalog and destinations.
func New(fs afero.Fs, cat *catalog.Catalog, paths Paths) *Router {
	return &Router{fs: fs, cat: cat, paths: paths, log: zap.L().Named("router")}
}

// RouteArchive extracts a batch archive, attributes each member to a fund
// and files the matched ones. One malformed or unmatched member never
// abandons the rest of the batch: it is logged and skipped. Returns the
// number of files routed.
func (r *Router) RouteArchive(archivePath string, typ report.Type, refDate time.Time) (int, error) {
	extractDir := filepath.Join(filepath.Dir(archivePath), "extract_"+uuid.NewString())
	if err := r.fs.MkdirAll(extractDir, 0o755); err != nil {
		return 0, eris.Wrapf(err, "router: create extraction dir %s", extractDir)
	}
	defer func() {
		if err := r.fs.RemoveAll(extractDir); err != nil {
			r.log.Warn("failed to remove extraction dir", zap.String("dir", extractDir), zap.Error(err))
		}
	}()

	extracted, err := r.extractArchive(archivePath, extractDir)
	if err != nil {
		return 0, err
	}

	// The archive is consumed; only extracted members are filed.
	if err := r.fs.Remove(archivePath); err != nil {
		r.log.Warn("failed to remove archive", zap.String("archive", archivePath), zap.Error(err))
	}

	ext := strings.ToLower(typ.Extension())
	routed := 0
	for _, path := range extracted {
		name := filepath.Base(path)
		if !strings.HasSuffix(strings.ToLower(name), ext) {
			continue
		}

		fund, ok := r.cat.Match(name)
		if !ok {
			r.log.Info("no fund matches archive member, skipping", zap.String("file", name))
			continue
		}

		date, ok := ExtractDate(name)
		if !ok {
			date = refDate
		}

		if err := r.place(path, fund, typ, date); err != nil {
			r.log.Warn("failed to route archive member",
				zap.String("file", name),
				zap.String("fund", fund.Name),
				zap.Error(err),
			)
			continue
		}
		routed++
	}

	return routed, nil
}

// RouteFile files a single loose artifact already attributed to a fund.
// The file's own embedded date wins over the task's reference date.
func (r *Router) RouteFile(path string, fund catalog.Fund, typ report.Type, refDate time.Time) error {
	date, ok := ExtractDate(filepath.Base(path))
	if !ok {
		date = refDate
	}
	return r.place(path, fund, typ, date)
}

// place moves the artifact to its first destination and copies it to any
// additional ones. Move first: the extraction dir is torn down right
// after routing, and only one destination needs the original.
func (r *Router) place(path string, fund catalog.Fund, typ report.Type, date time.Time) error {
	dests := r.destinations(typ, date, fund)
	if len(dests) == 0 {
		return eris.Errorf("router: no destination configured for %s reports", typ)
	}

	base := typ.BaseName(fund.Name, date)
	ext := typ.Extension()

	var first string
	for i, dir := range dests {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "router: create destination %s", dir)
		}

		target, err := r.versionedPath(dir, base, ext)
		if err != nil {
			return err
		}

		if i == 0 {
			if err := r.move(path, target); err != nil {
				return eris.Wrapf(err, "router: move %s", filepath.Base(path))
			}
			first = target
			r.log.Info("artifact filed",
				zap.String("fund", fund.Name),
				zap.String("type", typ.String()),
				zap.String("target", filepath.Base(target)),
			)
		} else {
			if err := r.copy(first, target); err != nil {
				return eris.Wrapf(err, "router: copy to %s", dir)
			}
		}
	}
	return nil
}

// destinations resolves the output directories for one artifact.
// Document reports go to the fund's dated archival path plus the flat
// monitoring dir; the other types each have a single flat destination.
func (r *Router) destinations(typ report.Type, date time.Time, fund catalog.Fund) []string {
	var dests []string
	switch typ {
	case report.Document:
		if r.paths.FundRoot != "" && fund.Folder != "" {
			month := fmt.Sprintf("%02d - %s", int(date.Month()), monthNames[date.Month()])
			dests = append(dests, filepath.Join(
				r.paths.FundRoot, fund.Folder, archiveSubdir,
				fmt.Sprintf("%d", date.Year()), month,
			))
		}
		if r.paths.Monitor != "" {
			dests = append(dests, r.paths.Monitor)
		}
	case report.Spreadsheet:
		if r.paths.Spreadsheet != "" {
			dests = append(dests, r.paths.Spreadsheet)
		}
	case report.Structured:
		if r.paths.Structured != "" {
			dests = append(dests, r.paths.Structured)
		}
	}
	return dests
}

// versionedPath finds a free name in dir: "base.ext", then "base (1).ext",
// "base (2).ext" and so on. Existing files are never overwritten.
func (r *Router) versionedPath(dir, base, ext string) (string, error) {
	target := filepath.Join(dir, base+ext)
	for version := 1; ; version++ {
		exists, err := afero.Exists(r.fs, target)
		if err != nil {
			return "", eris.Wrapf(err, "router: stat %s", target)
		}
		if !exists {
			return target, nil
		}
		target = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, version, ext))
	}
}

// move renames src to dst, falling back to copy+remove when the rename
// crosses filesystems.
func (r *Router) move(src, dst string) error {
	if err := r.fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := r.copy(src, dst); err != nil {
		return err
	}
	return r.fs.Remove(src)
}

func (r *Router) copy(src, dst string) error {
	in, err := r.fs.Open(src)
	if err != nil {
		return eris.Wrapf(err, "router: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := r.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return eris.Wrapf(err, "router: create %s", dst)
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, in); err != nil {
		return eris.Wrapf(err, "router: copy to %s", dst)
	}
	return nil
}

// extractArchive unpacks a ZIP member by member. A single corrupt member
// is logged and skipped. Returns the extracted file paths.
func (r *Router) extractArchive(archivePath, destDir string) ([]string, error) {
	f, err := r.fs.Open(archivePath)
	if err != nil {
		return nil, eris.Wrapf(err, "router: open archive %s", archivePath)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return nil, eris.Wrapf(err, "router: stat archive %s", archivePath)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, eris.Wrapf(err, "router: read archive %s", archivePath)
	}

	var extracted []string
	for _, member := range zr.File {
		path, err := r.extractMember(member, destDir)
		if err != nil {
			r.log.Warn("skipping archive member",
				zap.String("member", member.Name),
				zap.Error(err),
			)
			continue
		}
		if path != "" {
			extracted = append(extracted, path)
		}
	}
	return extracted, nil
}

// extractMember writes one zip member to destDir. Returns empty path for
// directory entries.
func (r *Router) extractMember(member *zip.File, destDir string) (string, error) {
	// Zip-slip guard.
	destPath := filepath.Join(destDir, member.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("illegal member path %q", member.Name)
	}

	if member.FileInfo().IsDir() {
		if err := r.fs.MkdirAll(destPath, 0o755); err != nil {
			return "", eris.Wrap(err, "create directory")
		}
		return "", nil
	}

	if err := r.fs.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "create parent directory")
	}

	rc, err := member.Open()
	if err != nil {
		return "", eris.Wrap(err, "open member")
	}
	defer rc.Close() //nolint:errcheck

	out, err := r.fs.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", eris.Wrap(err, "create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "write file")
	}
	return destPath, nil
}
