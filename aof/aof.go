// Package aof is the append-only command log behind the in-process store.
// Writes are queued on a channel and drained by one goroutine, so the store
// actor never waits on the disk; fsync runs on a fixed interval, on Flush and
// on Close. Rewrite replaces the log with a compact snapshot in queue order.
package aof

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"tagredis/resp"
)

// ErrClosed is returned by Flush and Rewrite after Close.
var ErrClosed = errors.New("aof: handler closed")

// Entry is one logged unit: a single command, or a MULTI/EXEC batch when it
// holds several. Index is the logical database the commands ran against.
type Entry struct {
	Index int
	Cmds  [][][]byte
}

type request struct {
	entry   *Entry
	rewrite []Entry
	done    chan error
}

// Handler owns the log file.
type Handler struct {
	filename string
	file     *os.File
	log      *slog.Logger
	fsync    time.Duration

	queue  chan request
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// lastIndex is touched only by the writer goroutine.
	lastIndex int
}

// Open appends to filename, creating it when missing. fsync <= 0 means one
// second.
func Open(filename string, fsync time.Duration, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fsync <= 0 {
		fsync = time.Second
	}
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open aof: %w", err)
	}
	h := &Handler{
		filename:  filename,
		file:      file,
		log:       logger.With("aof", filename),
		fsync:     fsync,
		queue:     make(chan request, 1024),
		lastIndex: -1,
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run()
	}()
	return h, nil
}

// Append queues one entry. It blocks only when the queue is full.
func (h *Handler) Append(e Entry) {
	if len(e.Cmds) == 0 {
		return
	}
	h.send(request{entry: &e})
}

// Flush returns once everything queued before it is written and synced.
func (h *Handler) Flush() error {
	return h.wait(request{done: make(chan error, 1)})
}

// Rewrite replaces the log with snapshot. Entries appended after the call are
// written to the new file.
func (h *Handler) Rewrite(snapshot []Entry) error {
	return <-h.StartRewrite(snapshot)
}

// StartRewrite queues the rewrite and returns at once; the channel carries the
// result. Callers that must order the snapshot against concurrent appends
// call it from the goroutine that produces both.
func (h *Handler) StartRewrite(snapshot []Entry) <-chan error {
	if snapshot == nil {
		snapshot = []Entry{}
	}
	done := make(chan error, 1)
	if !h.send(request{rewrite: snapshot, done: done}) {
		done <- ErrClosed
	}
	return done
}

func (h *Handler) wait(req request) error {
	if !h.send(req) {
		return ErrClosed
	}
	return <-req.done
}

func (h *Handler) send(req request) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	h.queue <- req
	return true
}

// Close drains the queue, syncs and closes the file.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	h.wg.Wait()
	if err := h.file.Sync(); err != nil {
		_ = h.file.Close()
		return fmt.Errorf("sync aof: %w", err)
	}
	return h.file.Close()
}

func (h *Handler) run() {
	ticker := time.NewTicker(h.fsync)
	defer ticker.Stop()

	for {
		select {
		case req, ok := <-h.queue:
			if !ok {
				return
			}
			h.handle(req)
		case <-ticker.C:
			if err := h.file.Sync(); err != nil {
				h.log.Error("aof fsync failed", "error", err)
			}
		}
	}
}

func (h *Handler) handle(req request) {
	switch {
	case req.entry != nil:
		if _, err := h.file.Write(h.encode(*req.entry)); err != nil {
			h.log.Error("aof write failed", "error", err)
		}
	case req.rewrite != nil:
		req.done <- h.rewrite(req.rewrite)
	default:
		req.done <- h.file.Sync()
	}
}

// encode prefixes a SELECT whenever the database changes between entries.
func (h *Handler) encode(e Entry) []byte {
	var buf []byte
	if e.Index != h.lastIndex {
		buf = append(buf, resp.MakeCommand([]byte("SELECT"), []byte(strconv.Itoa(e.Index))).ToBytes()...)
		h.lastIndex = e.Index
	}
	if len(e.Cmds) == 1 {
		return append(buf, resp.MakeCommand(e.Cmds[0]...).ToBytes()...)
	}
	buf = append(buf, resp.MakeCommand([]byte("MULTI")).ToBytes()...)
	for _, cmd := range e.Cmds {
		buf = append(buf, resp.MakeCommand(cmd...).ToBytes()...)
	}
	return append(buf, resp.MakeCommand([]byte("EXEC")).ToBytes()...)
}

func (h *Handler) rewrite(snapshot []Entry) error {
	tmp, err := os.CreateTemp(filepath.Dir(h.filename), filepath.Base(h.filename)+".rewrite-*")
	if err != nil {
		return fmt.Errorf("create rewrite file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h.lastIndex = -1
	for _, e := range snapshot {
		if _, err := tmp.Write(h.encode(e)); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write rewrite file: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync rewrite file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close rewrite file: %w", err)
	}
	if err := os.Rename(tmp.Name(), h.filename); err != nil {
		return fmt.Errorf("replace aof: %w", err)
	}

	file, err := os.OpenFile(h.filename, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("reopen aof: %w", err)
	}
	_ = h.file.Close()
	h.file = file
	h.log.Info("aof rewritten", "entries", len(snapshot))
	return nil
}
