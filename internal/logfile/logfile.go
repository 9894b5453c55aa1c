// Package logfile owns the durable on-disk representation of a session:
// one newline-delimited JSON file per session id, first line metadata,
// every following line one envelope in strictly increasing sequence order.
// The file is append-only with a single writer (the owning session);
// concurrent reads only happen while the session is not live.
package logfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vincent-163/claude-code-multi/internal/domain"
	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// Ext is the file extension for session log files.
const Ext = ".ndjson"

// Long tool results can exceed bufio's default 64 KiB line limit.
const maxLineBytes = 4 * 1024 * 1024

// Metadata is the reserved first line of every session log file.
type Metadata struct {
	ID         string `json:"id"`
	WorkDir    string `json:"work_dir"`
	Model      string `json:"model,omitempty"`
	ResumeFrom string `json:"resume_from,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// Info is a cheap summary of a log file, recovered without retaining
// the full envelope history. Used for listing dead sessions.
type Info struct {
	Meta          Metadata
	LastSeq       uint64
	LastTimestamp int64
}

// File is an append handle for one session's log file.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Path returns the log file path for a session id.
func Path(dir, id string) string {
	return filepath.Join(dir, id+Ext)
}

// Create writes a fresh log file whose first line is the metadata record.
// The directory is created if needed. Fails if the file already exists.
func Create(dir string, meta Metadata) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = time.Now().Unix()
	}

	path := Path(dir, meta.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	line, err := json.Marshal(meta)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	return &File{f: f, path: path}, nil
}

// Open reopens an existing log file for appending, used on resumption.
func Open(dir, id string) (*File, error) {
	path := Path(dir, id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("log file %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &File{f: f, path: path}, nil
}

// Append serializes one envelope and writes it as a single line.
func (f *File) Append(env envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return errors.New("log file closed")
	}
	if _, err := f.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	return nil
}

// Close releases the underlying file handle. Safe to call twice.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// Load reads a log file back into metadata and envelopes. Malformed lines
// (a torn trailing write, manual editing) are skipped individually; each
// line is independently parseable so earlier records survive corruption.
func Load(path string) (Metadata, []envelope.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, nil, fmt.Errorf("log file %s: %w", path, domain.ErrNotFound)
		}
		return Metadata{}, nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var meta Metadata
	if scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			return Metadata{}, nil, fmt.Errorf("parse metadata line: %w", err)
		}
	}

	var envs []envelope.Envelope
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		envs = append(envs, env)
	}
	if err := scanner.Err(); err != nil {
		return Metadata{}, nil, fmt.Errorf("read log file: %w", err)
	}

	return meta, envs, nil
}

// ReadInfo streams a log file and returns its summary. Only the last
// valid envelope is retained, so summarizing a long-lived session does
// not materialize its history.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("log file %s: %w", path, domain.ErrNotFound)
		}
		return Info{}, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var meta Metadata
	if scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			return Info{}, fmt.Errorf("parse metadata line: %w", err)
		}
	}

	info := Info{Meta: meta, LastTimestamp: meta.CreatedAt}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		info.LastSeq = env.Seq
		info.LastTimestamp = env.Timestamp
	}
	if err := scanner.Err(); err != nil {
		return Info{}, fmt.Errorf("read log file: %w", err)
	}

	if info.Meta.ID == "" {
		info.Meta.ID = strings.TrimSuffix(filepath.Base(path), Ext)
	}
	return info, nil
}

// ScanDir lists the log files under dir together with their modification
// times. Returns an empty slice when the directory does not exist yet.
func ScanDir(dir string) (paths []string, modTimes []time.Time, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("scan session dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Ext) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
		modTimes = append(modTimes, fi.ModTime())
	}
	return paths, modTimes, nil
}

// Delete permanently removes a session's log file.
func Delete(dir, id string) error {
	err := os.Remove(Path(dir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("log file %s: %w", id, domain.ErrNotFound)
	}
	return err
}
