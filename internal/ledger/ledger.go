// Package ledger records the failure signatures healer has already handled.
//
// The ledger is a UTF-8 text file with one signature per line. It only ever
// grows: signatures are appended and fsynced, never rewritten or removed. The
// last complete line is the most recent failure and is what the extractor
// builds its context from.
package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Signature identifies one failure occurrence inside a dbt log.
type Signature string

// ErrInvalidSignature is returned when a signature cannot be stored as one line.
var ErrInvalidSignature = errors.New("invalid failure signature")

const maxLogLineSize = 10 * 1024 * 1024 // 10MB

// Ledger is an append-only signature file. It is safe for concurrent use
// within one process; cross-process exclusion is the caller's job.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// Open returns the ledger at path, creating the parent directory and an empty
// file when they do not exist.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing ledger: %w", err)
	}
	return &Ledger{path: path}, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Signatures returns every recorded signature in append order.
func (l *Ledger) Signatures() ([]Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// HasSeen reports whether sig was recorded before.
func (l *Ledger) HasSeen(sig Signature) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sigs, err := l.read()
	if err != nil {
		return false, err
	}
	for _, s := range sigs {
		if s == sig {
			return true, nil
		}
	}
	return false, nil
}

// Last returns the most recently recorded signature. ok is false when the
// ledger is empty.
func (l *Ledger) Last() (sig Signature, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sigs, err := l.read()
	if err != nil {
		return "", false, err
	}
	if len(sigs) == 0 {
		return "", false, nil
	}
	return sigs[len(sigs)-1], true, nil
}

// Record appends sig. It does not check for duplicates; use HasSeen or
// ScanNew for that.
func (l *Ledger) Record(sig Signature) error {
	if err := validate(sig); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.append([]Signature{sig})
}

// ScanNew reads the dbt log at logPath and records every signature the
// ledger has not seen, in log order. It returns the newly recorded
// signatures. A missing log is not an error.
func (l *Ledger) ScanNew(logPath string) ([]Signature, error) {
	f, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening dbt log: %w", err)
	}
	defer f.Close()

	l.mu.Lock()
	defer l.mu.Unlock()

	known, err := l.read()
	if err != nil {
		return nil, err
	}
	seen := make(map[Signature]bool, len(known))
	for _, s := range known {
		seen[s] = true
	}

	var fresh []Signature
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineSize)
	for scanner.Scan() {
		sig, ok := ParseDelimiter(scanner.Text())
		if !ok || seen[sig] {
			continue
		}
		seen[sig] = true
		fresh = append(fresh, sig)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dbt log: %w", err)
	}

	if len(fresh) == 0 {
		return nil, nil
	}
	if err := l.append(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// read returns the complete lines of the ledger. A trailing line without a
// newline is a torn write and is ignored, as are blank lines.
func (l *Ledger) read() ([]Signature, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	} else {
		return nil, nil
	}

	lines := strings.Split(string(data), "\n")
	sigs := make([]Signature, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		sigs = append(sigs, Signature(line))
	}
	return sigs, nil
}

// append writes sigs after discarding any torn tail, then fsyncs.
func (l *Ledger) append(sigs []Signature) error {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening ledger for append: %w", err)
	}
	defer f.Close()

	end, err := completeLength(f)
	if err != nil {
		return err
	}
	if err := f.Truncate(end); err != nil {
		return fmt.Errorf("truncating torn ledger tail: %w", err)
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("seeking ledger end: %w", err)
	}

	var buf bytes.Buffer
	for _, s := range sigs {
		buf.WriteString(string(s))
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("appending to ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}
	return nil
}

// completeLength returns the byte length of f up to and including its last
// newline.
func completeLength(f *os.File) (int64, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("reading ledger: %w", err)
	}
	return int64(bytes.LastIndexByte(data, '\n') + 1), nil
}

func validate(sig Signature) error {
	if strings.TrimSpace(string(sig)) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSignature)
	}
	if strings.ContainsAny(string(sig), "\r\n") {
		return fmt.Errorf("%w: contains a line break", ErrInvalidSignature)
	}
	return nil
}
