package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal collects the status lines of the device layer. Every line goes to
// the standard logger, a ring of recent entries and any subscribers; when
// enabled it is also appended to timestamped text files with automatic
// rotation. Errors are written to a separate errors file as well.
type Journal struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file    *os.File
	errFile *os.File
	rows    int

	recent []Entry
	next   int
	full   bool

	subs []func(Entry)
}

// Entry is one status line.
type Entry struct {
	Stamp   time.Time `json:"stamp"`
	Error   bool      `json:"error"`
	Message string    `json:"message"`
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Stamp.Format("2006-01-02 15:04:05.000"), e.Message)
}

// Config holds journal configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Recent  int    `yaml:"recent" json:"recent"` // entries kept in memory
}

const (
	maxRowsPerFile = 100_000
	defaultRecent  = 200
)

// New creates a new Journal.
func New(cfg Config) *Journal {
	if cfg.Path == "" {
		cfg.Path = "logs"
	}
	if cfg.Recent <= 0 {
		cfg.Recent = defaultRecent
	}
	return &Journal{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		recent:  make([]Entry, cfg.Recent),
	}
}

// Infof records a status line.
func (j *Journal) Infof(format string, args ...any) { j.add(false, fmt.Sprintf(format, args...)) }

// Errorf records a status line that reports a failure.
func (j *Journal) Errorf(format string, args ...any) { j.add(true, fmt.Sprintf(format, args...)) }

// Subscribe registers fn to receive every new entry. fn is called with the
// journal locked and must not block or log back into the journal.
func (j *Journal) Subscribe(fn func(Entry)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.subs = append(j.subs, fn)
}

// SetEnabled allows toggling file output at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on {
		j.closeFiles()
	}
}

// IsEnabled returns whether file output is active.
func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// Recent returns up to n of the newest entries, oldest first. n <= 0 returns
// everything held in memory.
func (j *Journal) Recent(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	size := j.next
	if j.full {
		size = len(j.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if j.full {
			idx = (j.next + i) % len(j.recent)
		}
		out = append(out, j.recent[idx])
	}
	return out
}

// Close flushes and closes the current log files.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFiles()
}

func (j *Journal) add(isErr bool, msg string) {
	e := Entry{Stamp: time.Now(), Error: isErr, Message: msg}
	if isErr {
		log.Printf("[status] ERROR %s", msg)
	} else {
		log.Printf("[status] %s", msg)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.recent[j.next] = e
	j.next = (j.next + 1) % len(j.recent)
	if j.next == 0 {
		j.full = true
	}

	for _, fn := range j.subs {
		fn(e)
	}

	if j.enabled {
		j.write(e)
	}
}

func (j *Journal) write(e Entry) {
	if j.file == nil || j.rows >= maxRowsPerFile {
		if err := j.rotateFiles(e.Stamp); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	line := e.String() + "\n"
	if _, err := j.file.WriteString(line); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	if e.Error {
		if _, err := j.errFile.WriteString(line); err != nil {
			log.Printf("[logger] write failed: %v", err)
		}
	}
	j.rows++
}

func (j *Journal) rotateFiles(now time.Time) error {
	j.closeFiles()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	stamp := now.Format("20060102_150405")
	logPath := filepath.Join(j.dir, fmt.Sprintf("log_%s.txt", stamp))
	errPath := filepath.Join(j.dir, fmt.Sprintf("errors_%s.txt", stamp))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", logPath, err)
	}
	ef, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		f.Close()
		return fmt.Errorf("create %s: %w", errPath, err)
	}

	j.file = f
	j.errFile = ef
	j.rows = 0

	started := fmt.Sprintf("log started: %s\n", now.Format(time.RFC3339))
	f.WriteString(started)
	ef.WriteString(started)

	log.Printf("[logger] opened %s", logPath)
	return nil
}

func (j *Journal) closeFiles() {
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	if j.errFile != nil {
		j.errFile.Close()
		j.errFile = nil
	}
}
