package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("config")

var (
	// ErrBackupFailed means the backup copy could not be completed or
	// verified. Nothing may be overwritten after it.
	ErrBackupFailed = errors.New("config backup failed")
	// ErrPersistFailed means the config file could not be rewritten. The
	// backup is then the only recovery path.
	ErrPersistFailed = errors.New("config persist failed")
)

const placeholderPrefix = "<unset: provide a value for "

// Document is the raw key/value form of a config file. Keys keep the
// exact spelling they have on disk.
type Document map[string]any

// Placeholder returns the marker written for a key an update introduced
// but the operator has not filled in yet.
func Placeholder(key string) string {
	return placeholderPrefix + key + ">"
}

// IsPlaceholder reports whether s is a marker produced by Placeholder.
func IsPlaceholder(s string) bool {
	return strings.HasPrefix(s, placeholderPrefix) && strings.HasSuffix(s, ">")
}

// MergeResult is the outcome of merging an incoming document into the
// current one.
type MergeResult struct {
	Document Document
	// Added lists keys that exist only in the incoming document, sorted.
	Added []string
}

// Store owns the on-disk config file and its backup.
type Store struct {
	perm os.FileMode
}

func NewStore() *Store {
	return &Store{perm: 0o644}
}

// BackupPath derives the sibling backup name: agent.config.json becomes
// agent.config.backup.json, a name without extension gets ".backup".
func (s *Store) BackupPath(path string) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	if ext == "" || ext == base {
		return path + ".backup"
	}
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+".backup"+ext)
}

// Backup copies path to BackupPath(path) and verifies the copy is byte
// identical before returning.
func (s *Store) Backup(path string) (string, error) {
	backupPath := s.BackupPath(path)

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}
	defer src.Close()

	srcHash := sha256.New()
	if err := writeAtomic(backupPath, s.filePerm(), io.TeeReader(src, srcHash)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}

	dstSum, err := fileSHA256(backupPath)
	if err != nil {
		return "", fmt.Errorf("%w: verify %s: %w", ErrBackupFailed, backupPath, err)
	}
	if !bytes.Equal(srcHash.Sum(nil), dstSum) {
		return "", fmt.Errorf("%w: %s does not match %s", ErrBackupFailed, backupPath, path)
	}

	log.Info("config backup created", logging.KeyPath, backupPath)
	return backupPath, nil
}

// Merge reads both documents and combines them with MergeDocuments. It
// does not write anything.
func (s *Store) Merge(currentPath, incomingPath string) (MergeResult, error) {
	current, err := ReadDocument(currentPath)
	if err != nil {
		return MergeResult{}, err
	}
	incoming, err := ReadDocument(incomingPath)
	if err != nil {
		return MergeResult{}, err
	}
	return MergeDocuments(current, incoming), nil
}

// MergeDocuments keeps every key of current with its current value and
// adds keys found only in incoming with a placeholder value.
func MergeDocuments(current, incoming Document) MergeResult {
	merged := make(Document, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}

	var added []string
	for k := range incoming {
		if _, ok := current[k]; ok {
			continue
		}
		merged[k] = Placeholder(k)
		added = append(added, k)
	}
	sort.Strings(added)

	for _, k := range added {
		log.Info("new config key added with placeholder", "key", k)
	}
	return MergeResult{Document: merged, Added: added}
}

// Persist overwrites path with doc, pretty-printed. The write goes to a
// temporary sibling first and is renamed into place.
func (s *Store) Persist(path string, doc Document) error {
	data, err := EncodeDocument(doc, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	if err := writeAtomic(path, s.filePerm(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	log.Info("config persisted", logging.KeyPath, path)
	return nil
}

func (s *Store) filePerm() os.FileMode {
	if s == nil || s.perm == 0 {
		return 0o644
	}
	return s.perm
}

// ReadDocument reads and decodes a config file. Missing or malformed
// files yield ErrConfigUnreadable.
func ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigUnreadable, err)
	}
	doc, err := DecodeDocument(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigUnreadable, path, err)
	}
	return doc, nil
}

// DecodeDocument parses YAML for .yaml/.yml and JSON otherwise. The top
// level must be an object. JSON numbers are kept as json.Number so
// integers survive a round trip unchanged.
func DecodeDocument(data []byte, ext string) (Document, error) {
	var doc Document
	if isYAML(ext) {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, errors.New("trailing data after config object")
		}
	}
	if doc == nil {
		return nil, errors.New("config document is empty or not an object")
	}
	return doc, nil
}

// EncodeDocument renders doc for the given extension with two-space
// indentation and a trailing newline.
func EncodeDocument(doc Document, ext string) ([]byte, error) {
	if isYAML(ext) {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(normalize(doc)); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	// Placeholders and URLs must stay readable, so no HTML escaping.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isYAML(ext string) bool {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// writeAtomic streams r into a temp file next to path, fsyncs it and
// renames it over path.
func writeAtomic(path string, perm os.FileMode, r io.Reader) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func fileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
