package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("audit")

const (
	EventAgentStart    = "agent_start"
	EventAgentStop     = "agent_stop"
	EventConfigChange  = "config_change"
	EventUpdateApplied = "update_applied"
	EventUpdateFailed  = "update_failed"
	EventLogRotated    = "log_rotated"
)

const (
	FileName   = "audit.jsonl"
	genesis    = "genesis"
	maxSize    = 20 << 20
	maxBackups = 3
)

// These entries are fsynced before Record returns.
var durable = map[string]bool{
	EventAgentStop:     true,
	EventConfigChange:  true,
	EventUpdateApplied: true,
}

// ErrChainBroken is returned by Verify when an entry does not link to
// its predecessor or its hash does not match its content.
var ErrChainBroken = errors.New("audit hash chain broken")

type Entry struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// Logger appends hash-chained JSON lines. A nil *Logger discards
// everything, so callers never need to check whether auditing is on.
type Logger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	written  int64
	prevHash string
	maxSize  int64
	dropped  atomic.Int64
	now      func() time.Time
}

// NewLogger opens dir/audit.jsonl and continues the chain from its last
// entry, if any.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &Logger{
		path:     filepath.Join(dir, FileName),
		prevHash: genesis,
		maxSize:  maxSize,
		now:      time.Now,
	}
	if last, err := lastHash(l.path); err == nil && last != "" {
		l.prevHash = last
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	log.Debug("audit log opened", logging.KeyPath, l.path)
	return l, nil
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record appends one entry. The chain only advances when the write
// succeeds.
func (l *Logger) Record(event string, details map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.dropped.Add(1)
		return
	}

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyEvent, event, logging.KeyError, err)
		l.dropped.Add(1)
		return
	}

	if l.written > 0 && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
		entry.PrevHash = l.prevHash
		if data, err = seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	if err := l.write(data); err != nil {
		log.Error("failed to write audit entry", logging.KeyEvent, event, logging.KeyError, err)
		l.dropped.Add(1)
		return
	}
	l.prevHash = entry.Hash

	if durable[event] {
		if err := l.file.Sync(); err != nil {
			log.Warn("failed to sync audit entry", logging.KeyEvent, event, logging.KeyError, err)
		}
	}
}

// Dropped is the number of entries that could not be written, or -1 for
// a nil logger.
func (l *Logger) Dropped() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Verify walks the file at path and checks every link and hash. It
// returns the number of valid entries.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	prev := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return n, fmt.Errorf("%w: line %d: %w", ErrChainBroken, n+1, err)
		}
		if prev != "" && e.PrevHash != prev {
			return n, fmt.Errorf("%w: line %d links to %s, want %s", ErrChainBroken, n+1, e.PrevHash, prev)
		}
		want, err := hashOf(e)
		if err != nil {
			return n, err
		}
		if want != e.Hash {
			return n, fmt.Errorf("%w: line %d hash mismatch", ErrChainBroken, n+1)
		}
		prev = e.Hash
		n++
	}
	return n, sc.Err()
}

// seal fills in entry.Hash and returns the encoded line.
func seal(entry *Entry) ([]byte, error) {
	h, err := hashOf(*entry)
	if err != nil {
		return nil, err
	}
	entry.Hash = h
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// hashOf length-prefixes every field so no two entries share a preimage.
func hashOf(e Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{e.Timestamp, e.Event, e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(b))
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) write(data []byte) error {
	n, err := l.file.Write(data)
	l.written += int64(n)
	return err
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

// rotate shifts audit.jsonl to audit.jsonl.1 and starts the new file with
// a sentinel linked to the last entry of the old one.
func (l *Logger) rotate() error {
	l.file.Close()
	l.file = nil

	os.Remove(l.numbered(maxBackups))
	for i := maxBackups - 1; i >= 1; i-- {
		os.Rename(l.numbered(i), l.numbered(i+1))
	}
	if err := os.Rename(l.path, l.numbered(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation rename failed", logging.KeyError, err)
	}
	if err := l.open(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Event:     EventLogRotated,
		Details:   map[string]any{"previousFile": filepath.Base(l.numbered(1))},
		PrevHash:  l.prevHash,
	}
	data, err := seal(&sentinel)
	if err != nil {
		return err
	}
	if err := l.write(data); err != nil {
		return err
	}
	l.prevHash = sentinel.Hash
	return nil
}

func (l *Logger) numbered(i int) string {
	return fmt.Sprintf("%s.%d", l.path, i)
}

// lastHash returns the hash of the final complete line in path.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	const tail = 64 * 1024
	off := info.Size() - tail
	if off < 0 {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return "", err
	}

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.Hash != "" {
			last = e.Hash
		}
	}
	return last, sc.Err()
}
