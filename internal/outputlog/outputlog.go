// Package outputlog persists per-worker PTY output: an append-only
// byte log per (session, worker) with an in-memory write buffer,
// size-capped file, and offset-based reads for incremental sync.
//
// Offsets are measured in bytes over (flushed file + pending buffer).
// Truncation is the only path that moves the starting byte of the log,
// and it never leaves a partial UTF-8 sequence at the front.
package outputlog

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/agentconsole/agentconsole/internal/metrics"
)

// Defaults for the flush and truncation policy.
const (
	DefaultFlushThreshold = 16 * 1024
	DefaultFlushInterval  = 250 * time.Millisecond
	DefaultFileMaxSize    = 10 * 1024 * 1024

	// truncateKeepRatio is the fraction of FileMaxSize retained after
	// a truncation pass.
	truncateKeepRatio = 0.8
)

// Options tunes a Manager. Zero values fall back to the defaults.
type Options struct {
	FlushThreshold int
	FlushInterval  time.Duration
	FileMaxSize    int64
}

// Manager owns the output logs under a root directory
// (outputs/<session_id>/<worker_id>.log).
type Manager struct {
	root           string
	flushThreshold int
	flushInterval  time.Duration
	fileMaxSize    int64

	mu      sync.Mutex
	workers map[logKey]*workerLog
}

type logKey struct {
	sessionID string
	workerID  string
}

// workerLog is the per-worker state: pending buffer plus flush timer.
// The mutex guards buffer <-> flush; there is one writer (the PTY
// pump) and any number of concurrent readers.
type workerLog struct {
	mu    sync.Mutex
	path  string
	buf   []byte
	timer *time.Timer
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string, opts Options) *Manager {
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FileMaxSize <= 0 {
		opts.FileMaxSize = DefaultFileMaxSize
	}
	return &Manager{
		root:           dir,
		flushThreshold: opts.FlushThreshold,
		flushInterval:  opts.FlushInterval,
		fileMaxSize:    opts.FileMaxSize,
		workers:        make(map[logKey]*workerLog),
	}
}

func (m *Manager) get(sessionID, workerID string) *workerLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := logKey{sessionID, workerID}
	wl, ok := m.workers[k]
	if !ok {
		wl = &workerLog{
			path: filepath.Join(m.root, sessionID, workerID+".log"),
		}
		m.workers[k] = wl
	}
	return wl
}

// Append adds data to the worker's buffer. When the buffer reaches the
// flush threshold it is flushed immediately; otherwise a flush timer is
// armed if not already running.
func (m *Manager) Append(sessionID, workerID string, data []byte) {
	if len(data) == 0 {
		return
	}
	wl := m.get(sessionID, workerID)

	wl.mu.Lock()
	defer wl.mu.Unlock()

	wl.buf = append(wl.buf, data...)
	metrics.OutputBytesTotal.Add(float64(len(data)))

	if len(wl.buf) >= m.flushThreshold {
		m.flushLocked(wl)
		return
	}
	if wl.timer == nil {
		wl.timer = time.AfterFunc(m.flushInterval, func() {
			wl.mu.Lock()
			defer wl.mu.Unlock()
			wl.timer = nil
			m.flushLocked(wl)
		})
	}
}

// Flush writes the pending buffer to the file and disarms the timer.
func (m *Manager) Flush(sessionID, workerID string) {
	wl := m.get(sessionID, workerID)
	wl.mu.Lock()
	defer wl.mu.Unlock()
	m.flushLocked(wl)
}

// flushLocked appends the buffer to the file and applies the size cap.
// I/O errors are logged and swallowed: losing output is preferable to
// crashing a worker.
func (m *Manager) flushLocked(wl *workerLog) {
	if wl.timer != nil {
		wl.timer.Stop()
		wl.timer = nil
	}
	if len(wl.buf) == 0 {
		return
	}
	data := wl.buf
	wl.buf = nil

	if err := m.migrateLegacyLocked(wl); err != nil {
		slog.Warn("output log: legacy migration failed", "path", wl.path, "error", err)
	}

	if err := os.MkdirAll(filepath.Dir(wl.path), 0o750); err != nil {
		slog.Warn("output log: create dir failed", "path", wl.path, "error", err)
		return
	}
	f, err := os.OpenFile(wl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		slog.Warn("output log: open failed", "path", wl.path, "error", err)
		return
	}
	_, werr := f.Write(data)
	size, _ := f.Seek(0, io.SeekEnd)
	_ = f.Close()
	if werr != nil {
		slog.Warn("output log: write failed", "path", wl.path, "error", werr)
		return
	}

	if size > m.fileMaxSize {
		m.truncateLocked(wl)
	}
}

// truncateLocked cuts the file from the beginning down to 80% of the
// maximum size, advancing the slice point forward until it lands on a
// UTF-8 leading byte so readers never see a partial sequence.
func (m *Manager) truncateLocked(wl *workerLog) {
	data, err := os.ReadFile(wl.path)
	if err != nil {
		slog.Warn("output log: truncate read failed", "path", wl.path, "error", err)
		return
	}
	keep := int64(float64(m.fileMaxSize) * truncateKeepRatio)
	if int64(len(data)) <= keep {
		return
	}
	start := int64(len(data)) - keep
	// Advance to a UTF-8 leading byte: (b & 0xC0) != 0x80.
	for start < int64(len(data)) && data[start]&0xC0 == 0x80 {
		start++
	}
	if err := os.WriteFile(wl.path, data[start:], 0o640); err != nil {
		slog.Warn("output log: truncate write failed", "path", wl.path, "error", err)
	}
}

// migrateLegacyLocked converts a gzip-compressed legacy log to the
// uncompressed format on first write.
func (m *Manager) migrateLegacyLocked(wl *workerLog) error {
	gzPath := wl.path + ".gz"
	if _, err := os.Stat(gzPath); err != nil {
		return nil
	}
	if _, err := os.Stat(wl.path); err == nil {
		// Plain file already exists; the stale archive loses.
		return os.Remove(gzPath)
	}
	data, err := readGzip(gzPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(wl.path), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(wl.path, data, 0o640); err != nil {
		return err
	}
	return os.Remove(gzPath)
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// fileBytesLocked reads the flushed file, falling back to the legacy
// gzip archive when the plain file does not exist yet.
func (wl *workerLog) fileBytesLocked() []byte {
	data, err := os.ReadFile(wl.path)
	if err == nil {
		return data
	}
	if errors.Is(err, os.ErrNotExist) {
		if gz, gzErr := readGzip(wl.path + ".gz"); gzErr == nil {
			return gz
		}
		return nil
	}
	slog.Warn("output log: read failed", "path", wl.path, "error", err)
	return nil
}

// Read returns the bytes from fromOffset onward (flushed file followed
// by the pending buffer) and the new offset. A fromOffset at or past
// the end returns empty data with the current offset.
func (m *Manager) Read(sessionID, workerID string, fromOffset int64) ([]byte, int64) {
	wl := m.get(sessionID, workerID)
	wl.mu.Lock()
	defer wl.mu.Unlock()

	file := wl.fileBytesLocked()
	total := int64(len(file)) + int64(len(wl.buf))
	if fromOffset < 0 {
		fromOffset = 0
	}
	if fromOffset >= total {
		return nil, total
	}

	out := make([]byte, 0, total-fromOffset)
	if fromOffset < int64(len(file)) {
		out = append(out, file[fromOffset:]...)
		out = append(out, wl.buf...)
	} else {
		out = append(out, wl.buf[fromOffset-int64(len(file)):]...)
	}
	return out, total
}

// ReadLastLines returns the last n line-separated segments (both \n
// and \r\n are recognized) and the current offset.
func (m *Manager) ReadLastLines(sessionID, workerID string, n int) ([]byte, int64) {
	data, offset := m.Read(sessionID, workerID, 0)
	if n <= 0 || len(data) == 0 {
		return nil, offset
	}
	return lastLines(data, n), offset
}

// lastLines trims data to its last n lines. A trailing newline does
// not count as starting an empty final line.
func lastLines(data []byte, n int) []byte {
	end := len(data)
	if end > 0 && data[end-1] == '\n' {
		end--
		if end > 0 && data[end-1] == '\r' {
			end--
		}
	}
	seen := 0
	for i := end - 1; i >= 0; i-- {
		if data[i] == '\n' {
			seen++
			if seen == n {
				return data[i+1:]
			}
		}
	}
	return data
}

// CurrentOffset flushes synchronously, then returns the log size. The
// flush prevents a reader/writer race where the buffer moves between
// measuring and reading.
func (m *Manager) CurrentOffset(sessionID, workerID string) int64 {
	wl := m.get(sessionID, workerID)
	wl.mu.Lock()
	defer wl.mu.Unlock()

	m.flushLocked(wl)
	return int64(len(wl.fileBytesLocked()))
}

// Reset clears the buffer, cancels the timer, and replaces the file
// with an empty one.
func (m *Manager) Reset(sessionID, workerID string) {
	wl := m.get(sessionID, workerID)
	wl.mu.Lock()
	defer wl.mu.Unlock()

	if wl.timer != nil {
		wl.timer.Stop()
		wl.timer = nil
	}
	wl.buf = nil
	_ = os.Remove(wl.path + ".gz")
	if err := os.MkdirAll(filepath.Dir(wl.path), 0o750); err != nil {
		slog.Warn("output log: create dir failed", "path", wl.path, "error", err)
		return
	}
	if err := os.WriteFile(wl.path, nil, 0o640); err != nil {
		slog.Warn("output log: reset failed", "path", wl.path, "error", err)
	}
}

// DeleteWorker removes a worker's log files. Missing files are fine.
func (m *Manager) DeleteWorker(sessionID, workerID string) {
	m.mu.Lock()
	k := logKey{sessionID, workerID}
	wl := m.workers[k]
	delete(m.workers, k)
	m.mu.Unlock()

	if wl != nil {
		wl.mu.Lock()
		if wl.timer != nil {
			wl.timer.Stop()
			wl.timer = nil
		}
		wl.buf = nil
		wl.mu.Unlock()
	}

	path := filepath.Join(m.root, sessionID, workerID+".log")
	_ = os.Remove(path)
	_ = os.Remove(path + ".gz")
}

// DeleteSession removes a session's whole output directory.
func (m *Manager) DeleteSession(sessionID string) {
	m.mu.Lock()
	for k, wl := range m.workers {
		if k.sessionID != sessionID {
			continue
		}
		wl.mu.Lock()
		if wl.timer != nil {
			wl.timer.Stop()
			wl.timer = nil
		}
		wl.buf = nil
		wl.mu.Unlock()
		delete(m.workers, k)
	}
	m.mu.Unlock()

	_ = os.RemoveAll(filepath.Join(m.root, sessionID))
}

// SessionDir returns the outputs directory of a session.
func (m *Manager) SessionDir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

// HasOutput reports whether any bytes exist for the worker.
func (m *Manager) HasOutput(sessionID, workerID string) bool {
	data, _ := m.Read(sessionID, workerID, 0)
	return len(bytes.TrimSpace(data)) > 0
}
