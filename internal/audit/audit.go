package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/agentq/internal/shared"
)

// Entry is one line of audit.jsonl.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Log appends supervisory actions to <home>/logs/audit.jsonl.
type Log struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	count int64
	now   func() time.Time
}

// Path returns the audit file location under homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

// Open creates the logs directory if needed and opens the file for append.
func Open(homeDir string) (*Log, error) {
	path := Path(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{path: path, file: f, now: time.Now}, nil
}

func (l *Log) Close() error {
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

// Count returns the number of entries written since Open.
func (l *Log) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Record appends one entry. Secrets in subject and detail are redacted
// before they reach disk. Write failures are dropped; auditing never blocks
// the caller's operation.
func (l *Log) Record(action, subject, actor, detail string) {
	if l == nil {
		return
	}
	ev := Entry{
		Action:  action,
		Subject: shared.Redact(subject),
		Actor:   actor,
		Detail:  shared.Redact(detail),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	ev.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := l.file.Write(append(b, '\n')); err == nil {
		l.count++
	}
}

// Tail returns the newest n entries of the audit file at homeDir, oldest
// first. Lines that do not parse are skipped. A missing file yields nil.
func Tail(homeDir string, n int) ([]Entry, error) {
	f, err := os.Open(Path(homeDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}
