package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// GenesisHash anchors the chain: the first entry of a fresh log links to it.
const GenesisHash = "sha256:" + "0000000000000000000000000000000000000000000000000000000000000000"

const activeName = "audit.jsonl"

// HashLine returns the chain hash of one serialized entry.
func HashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Options tune log rotation. Zero values disable size and count rotation.
type Options struct {
	MaxBytes int64 // rotate the active segment past this size
	MaxFiles int   // prune oldest rotated segments beyond this count
}

// Log is an append-only JSONL audit log. Each entry carries the hash of
// the previous serialized line, so any in-place edit, deletion, or
// reordering breaks verification from that point on. The chain continues
// across rotation: the first entry of a new segment links to the last
// entry of the previous one.
type Log struct {
	mu       sync.Mutex
	dir      string
	opts     Options
	f        *os.File
	size     int64
	seq      int
	lastHash string
	now      func() time.Time
}

// Open creates or resumes the audit log in dir. On resume it recovers the
// chain tail from the last line of the active segment so new entries keep
// the chain intact.
func Open(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(dir, activeName)

	last, size, err := tailHash(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	// Seed the rotation sequence past any existing segments so restart
	// within the same second cannot reuse a name.
	segs, err := rotatedSegments(dir)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("list audit segments: %w", err)
	}

	return &Log{
		dir:      dir,
		opts:     opts,
		f:        f,
		size:     size,
		seq:      len(segs),
		lastHash: last,
		now:      time.Now,
	}, nil
}

// tailHash returns the hash of the last line of path, or GenesisHash for a
// missing or empty file.
func tailHash(path string) (string, int64, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read audit log: %w", err)
	}
	last := GenesisHash
	for _, line := range splitLines(raw) {
		last = HashLine(line)
	}
	return last, int64(len(raw)), nil
}

// Record links, serializes, and appends one entry. Serialized under the
// log mutex so the chain order matches the file order.
func (l *Log) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(timeLayout)
	}
	e.PrevHash = l.lastHash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	if l.opts.MaxBytes > 0 && l.size+int64(len(line))+1 > l.opts.MaxBytes && l.size > 0 {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.f.Write(append(line, '\n'))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	l.size += int64(n)
	l.lastHash = HashLine(line)
	return nil
}

// rotate renames the active segment to a timestamped name and starts a
// fresh one. lastHash is untouched, so the chain spans the boundary.
func (l *Log) rotate() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close audit segment: %w", err)
	}
	// The sequence keeps names unique when rotations land in the same second.
	l.seq++
	rotated := filepath.Join(l.dir, fmt.Sprintf("audit-%s-%06d.jsonl", l.now().UTC().Format("20060102T150405"), l.seq))
	if err := os.Rename(filepath.Join(l.dir, activeName), rotated); err != nil {
		return fmt.Errorf("rotate audit segment: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(l.dir, activeName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open audit segment: %w", err)
	}
	l.f = f
	l.size = 0

	if l.opts.MaxFiles > 0 {
		l.prune()
	}
	return nil
}

// prune removes the oldest rotated segments beyond MaxFiles. Removal only
// shortens history; it never edits surviving segments, so verification of
// the remaining chain still holds from the oldest surviving entry.
func (l *Log) prune() {
	segs, err := rotatedSegments(l.dir)
	if err != nil || len(segs) <= l.opts.MaxFiles {
		return
	}
	for _, s := range segs[:len(segs)-l.opts.MaxFiles] {
		os.Remove(s)
	}
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// LastHash returns the current chain tail.
func (l *Log) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Dir returns the log directory.
func (l *Log) Dir() string { return l.dir }

// rotatedSegments lists rotated segment paths, oldest first. The
// timestamped names sort chronologically.
func rotatedSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "audit-") && strings.HasSuffix(name, ".jsonl") {
			segs = append(segs, filepath.Join(dir, name))
		}
	}
	sort.Strings(segs)
	return segs, nil
}

// segmentPaths lists every segment in chain order: rotated oldest first,
// active segment last.
func segmentPaths(dir string) ([]string, error) {
	segs, err := rotatedSegments(dir)
	if err != nil {
		return nil, err
	}
	active := filepath.Join(dir, activeName)
	if _, err := os.Stat(active); err == nil {
		segs = append(segs, active)
	}
	return segs, nil
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, []byte(line))
	}
	return lines
}
