// Package ledger answers "has this product already been published?".
//
// The artifact directory is the source of truth: every artifact name ends in
// "_<id>.<ext>". Alongside it an append-only ledger file records each id as it
// is published, one per line. Opening the ledger unions both views and appends
// any id that exists on disk but is missing from the file, so a ledger that was
// lost or never existed is rebuilt from the directory.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Delimiter separates the segments of an artifact file name.
const Delimiter = "_"

// IDFromFilename extracts the product id from an artifact name of the form
// <date>_<id>.<ext> or <date>_<query>_<id>.<ext>. The id is the token directly
// before the extension.
func IDFromFilename(name string) (string, bool) {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	tokens := strings.Split(stem, Delimiter)
	if len(tokens) < 2 {
		return "", false
	}
	id := tokens[len(tokens)-1]
	if id == "" {
		return "", false
	}
	return id, true
}

// Ledger is the set of product ids already turned into artifacts.
type Ledger struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	file   *os.File
	logger *zap.Logger
}

// Open scans dir for artifacts ending in ext, merges the ids with those in the
// ledger file at path, and opens the file for appending.
func Open(dir, ext, path string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fromDir, err := scanDir(dir, ext)
	if err != nil {
		return nil, err
	}
	fromFile, err := readLedger(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	l := &Ledger{seen: fromFile, file: f, logger: logger}
	var missing []string
	for _, id := range fromDir {
		if _, ok := l.seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	for _, id := range missing {
		if err := l.Record(id); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if len(missing) > 0 {
		logger.Info("ledger reconciled with artifact directory", zap.Int("added", len(missing)))
	}
	logger.Debug("ledger opened", zap.Int("ids", len(l.seen)), zap.String("path", path))
	return l, nil
}

// Seen reports whether id was already published. Matching is exact.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of known ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Record appends id to the ledger and makes it durable. Recording a known id
// is a no-op.
func (l *Ledger) Record(id string) error {
	if id == "" || strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("invalid ledger id %q", id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return nil
	}
	if l.file == nil {
		return errors.New("ledger is closed")
	}
	if _, err := l.file.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.seen[id] = struct{}{}
	return nil
}

// Close releases the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

func scanDir(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts in %s: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		if id, ok := IDFromFilename(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func readLedger(path string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			seen[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	return seen, nil
}
