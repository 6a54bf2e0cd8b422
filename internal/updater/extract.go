package updater

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/playdeck/agent/internal/config"
	"github.com/playdeck/agent/internal/logging"
)

// IncomingSuffix is appended to the live config path when the archive
// carries a file that would overwrite it.
const IncomingSuffix = ".incoming"

// ApplyResult describes an extracted archive.
type ApplyResult struct {
	Files int
	// TemplatePath is the config template shipped in the archive, or ""
	// when it had none.
	TemplatePath string
}

type entry struct {
	file *zip.File
	dest string
}

// Apply extracts archivePath over workDir. Every entry is checked before
// the first byte is written, so a corrupt or hostile archive changes
// nothing. Files are written to a temporary sibling and renamed, which
// also works for the running executable on Unix.
func (c *Controller) Apply(archivePath, workDir string) (ApplyResult, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: open %s: %w", ErrExtractFailed, archivePath, err)
	}

	entries, err := plan(r.File, workDir)
	if err != nil {
		r.Close()
		return ApplyResult{}, fmt.Errorf("%w: %w", ErrExtractFailed, err)
	}

	live := ""
	if c.opts.ConfigPath != "" {
		live, _ = filepath.Abs(c.opts.ConfigPath)
	}
	rootTemplate, _ := filepath.Abs(filepath.Join(workDir, config.FileName))

	var res ApplyResult
	for _, e := range entries {
		if e.file.FileInfo().IsDir() {
			if err := os.MkdirAll(e.dest, 0o755); err != nil {
				r.Close()
				return res, fmt.Errorf("%w: %w", ErrExtractFailed, err)
			}
			continue
		}

		dest := e.dest
		if live != "" && dest == live {
			dest = live + IncomingSuffix
			log.Info("archive config diverted", logging.KeyPath, dest)
			res.TemplatePath = dest
		} else if dest == rootTemplate && res.TemplatePath == "" {
			res.TemplatePath = dest
		}

		if err := writeEntry(e.file, dest); err != nil {
			r.Close()
			return res, fmt.Errorf("%w: %s: %w", ErrExtractFailed, e.file.Name, err)
		}
		res.Files++
	}

	if err := r.Close(); err != nil {
		log.Warn("close update archive", logging.KeyError, err)
	}
	if err := os.Remove(archivePath); err != nil {
		log.Warn("remove update archive", logging.KeyPath, archivePath, logging.KeyError, err)
	}
	log.Info("update extracted", "files", res.Files, logging.KeyPath, workDir)
	return res, nil
}

// plan validates every entry and resolves its absolute destination.
func plan(files []*zip.File, workDir string) ([]entry, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("archive is empty")
	}
	root, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}

	out := make([]entry, 0, len(files))
	for _, f := range files {
		dest, err := safeJoin(root, f.Name)
		if err != nil {
			return nil, err
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("entry %q is a symlink", f.Name)
		}
		if !f.FileInfo().IsDir() {
			if err := readThrough(f); err != nil {
				return nil, fmt.Errorf("entry %q: %w", f.Name, err)
			}
		}
		out = append(out, entry{file: f, dest: dest})
	}
	return out, nil
}

// safeJoin rejects names that are absolute or climb out of root.
func safeJoin(root, name string) (string, error) {
	if name == "" || strings.Contains(name, "\x00") {
		return "", fmt.Errorf("invalid entry name %q", name)
	}
	clean := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" || strings.HasPrefix(clean, string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	dest := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the target directory", name)
	}
	return dest, nil
}

// readThrough decompresses f fully; the zip reader checks the CRC at EOF.
func readThrough(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func writeEntry(f *zip.File, dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".new-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err := io.Copy(tmp, rc); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
