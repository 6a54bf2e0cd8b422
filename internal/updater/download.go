package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/playdeck/agent/internal/logging"
	"github.com/playdeck/agent/pkg/api"
)

const (
	ArchiveName = "agent_update.zip"
	partSuffix  = ".part"
)

// Download fetches the archive named by m into WorkDir. The bytes land in
// a .part file first and only become agent_update.zip once every check
// passed; on failure nothing is left behind.
func (c *Controller) Download(ctx context.Context, m *api.VersionManifest) (path string, err error) {
	rawURL, err := c.opts.Server.UpdateURL(m)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	final := filepath.Join(c.opts.WorkDir, ArchiveName)
	part := final + partSuffix
	os.Remove(part)

	if m.Size > 0 {
		free, ferr := c.opts.FreeSpace(ctx, c.opts.WorkDir)
		if ferr != nil {
			log.Warn("cannot determine free disk space", logging.KeyPath, c.opts.WorkDir, logging.KeyError, ferr)
		} else if need := uint64(m.Size) * 2; free < need {
			return "", fmt.Errorf("%w: need %d bytes free for archive and extraction, have %d", ErrDownloadFailed, need, free)
		}
	}

	log.Info("downloading update", "url", rawURL, logging.KeyVersion, m.Version)
	resp, err := c.opts.Server.OpenDownload(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if m.Size > 0 && resp.ContentLength >= 0 && resp.ContentLength != m.Size {
		return "", fmt.Errorf("%w: server announced %d bytes, manifest says %d", ErrDownloadFailed, resp.ContentLength, m.Size)
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(part)
		}
	}()

	hasher := sha256.New()
	var body io.Reader = resp.Body
	if m.Size > 0 {
		// One extra byte so an oversized body is detected, not truncated.
		body = io.LimitReader(resp.Body, m.Size+1)
	}
	n, err := io.Copy(f, io.TeeReader(body, hasher))
	if err != nil {
		return "", fmt.Errorf("%w: after %d bytes: %w", ErrDownloadFailed, n, err)
	}
	if err = f.Sync(); err != nil {
		return "", fmt.Errorf("%w: sync: %w", ErrDownloadFailed, err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("%w: close: %w", ErrDownloadFailed, err)
	}

	if err = verifyDownload(n, resp.ContentLength, m, hex.EncodeToString(hasher.Sum(nil))); err != nil {
		return "", err
	}
	if err = os.Rename(part, final); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	log.Info("update downloaded", logging.KeyPath, final, "bytes", n)
	return final, nil
}

func verifyDownload(n, contentLength int64, m *api.VersionManifest, sum string) error {
	switch {
	case n == 0:
		return fmt.Errorf("%w: empty response body", ErrDownloadFailed)
	case contentLength >= 0 && n != contentLength:
		return fmt.Errorf("%w: got %d of %d bytes", ErrDownloadFailed, n, contentLength)
	case m.Size > 0 && n != m.Size:
		return fmt.Errorf("%w: got %d bytes, manifest says %d", ErrDownloadFailed, n, m.Size)
	case m.Checksum != "" && !strings.EqualFold(strings.TrimSpace(m.Checksum), sum):
		return fmt.Errorf("%w: checksum mismatch: expected %s, got %s", ErrDownloadFailed, m.Checksum, sum)
	}
	return nil
}
