// Package wal is an append-only JSON-lines journal of enforcement decisions.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryDecided   EntryType = "decided"
	EntryDenied    EntryType = "denied"
	EntryExecuting EntryType = "executing"
	EntryExecuted  EntryType = "executed"
	EntryFailed    EntryType = "failed"
	EntrySkipped   EntryType = "skipped"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp        time.Time       `json:"timestamp"`
	Sequence         int64           `json:"sequence"`
	Type             EntryType       `json:"type"`
	RecommendationID string          `json:"recommendation_id,omitempty"`
	Data             json.RawMessage `json:"data"`
	Error            string          `json:"error,omitempty"`
}

// Config controls file naming and retention
type Config struct {
	FilePrefix    string `mapstructure:"file_prefix"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DefaultConfig returns the journal defaults
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "cureiam",
		RetentionDays: 30,
	}
}

// WAL writes journal entries. It is safe for concurrent use.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	config   Config
	now      func() time.Time
}

// Open creates or opens a journal in dir with the default config
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates a new journal file in dir. Sequence numbers
// continue from the highest found in existing files.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &WAL{
		dir:    dir,
		config: config,
		now:    time.Now,
	}
	w.sequence = lastSequence(w.files())

	filename := fmt.Sprintf("%s-%s.wal", config.FilePrefix, time.Now().UTC().Format("20060102-150405.000000000"))
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	return w, nil
}

// Dir returns the journal directory
func (w *WAL) Dir() string { return w.dir }

// Sequence returns the sequence number of the last appended entry
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry
func (w *WAL) Append(entryType EntryType, recommendationID string, data any) error {
	return w.append(entryType, recommendationID, data, nil)
}

// AppendError adds an entry carrying the error that caused it
func (w *WAL) AppendError(entryType EntryType, recommendationID string, data any, errToLog error) error {
	return w.append(entryType, recommendationID, data, errToLog)
}

func (w *WAL) append(entryType EntryType, recommendationID string, data any, errToLog error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	entry := Entry{
		Timestamp:        w.now().UTC(),
		Sequence:         w.sequence,
		Type:             entryType,
		RecommendationID: recommendationID,
		Data:             jsonData,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}
	return w.writeEntry(entry)
}

func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) files() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// lastSequence returns the highest sequence across files, 0 when none
func lastSequence(files []string) int64 {
	var highest int64
	for _, path := range files {
		r, err := NewReader(path)
		if err != nil {
			continue
		}
		for {
			entry, err := r.Next()
			if err != nil {
				break
			}
			highest = max(highest, entry.Sequence)
		}
		_ = r.Close()
	}
	return highest
}

// Reader reads entries from one journal file
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the journal file at path
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &Reader{
		scanner: scanner,
		file:    file,
	}, nil
}

// Next reads the next entry, returning io.EOF at the end of the file
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry newer than since, oldest file first
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig is Replay for journals written with a non-default prefix
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	files := findAllWALFiles(dir, config.FilePrefix)
	slices.Sort(files)

	for _, path := range files {
		if err := replayFile(path, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
