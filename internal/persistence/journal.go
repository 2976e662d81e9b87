package persistence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"audit-core/internal/events"
)

const (
	journalExt        = ".jsonl"
	journalFileLayout = "20060102"
)

// Journal is the append-only source of truth: one JSON Lines file per UTC
// calendar day. Only the store's writer goroutine appends to it.
type Journal struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// OpenJournal creates dir if needed.
func OpenJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	return &Journal{dir: dir, files: make(map[string]*os.File)}, nil
}

// Name implements Sink.
func (j *Journal) Name() string { return "journal" }

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

// Path returns the file holding the events of day (YYYY-MM-DD).
func (j *Journal) Path(day string) (string, error) {
	t, err := time.Parse(events.DayLayout, day)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, day)
	}
	return filepath.Join(j.dir, t.Format(journalFileLayout)+journalExt), nil
}

func (j *Journal) file(day string) (*os.File, error) {
	if f, ok := j.files[day]; ok {
		return f, nil
	}
	path, err := j.Path(day)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j.files[day] = f
	return f, nil
}

// release closes the handles of days before newest; those files are complete.
func (j *Journal) release(newest string) {
	for d, f := range j.files {
		if d < newest {
			f.Close()
			delete(j.files, d)
		}
	}
}

type journalMark struct {
	f    *os.File
	size int64
}

// WriteBatch appends the batch and fsyncs. Either every line of the batch is
// written or the touched files are truncated back to their previous size.
func (j *Journal) WriteBatch(ctx context.Context, batch []events.AuditEvent) error {
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	// Group by day keeping batch order within each day.
	var days []string
	buffers := make(map[string]*bytes.Buffer)
	for _, ev := range batch {
		day := ev.Day()
		buf, ok := buffers[day]
		if !ok {
			buf = &bytes.Buffer{}
			buffers[day] = buf
			days = append(days, day)
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	var marks []journalMark
	rollback := func(cause error) error {
		for _, m := range marks {
			if err := m.f.Truncate(m.size); err != nil {
				log.Printf("❌ Journal: truncate %s back to %d failed: %v", m.f.Name(), m.size, err)
			}
		}
		// Reopen on the next attempt in case the handle itself went bad.
		for day, f := range j.files {
			if buffers[day] != nil {
				f.Close()
				delete(j.files, day)
			}
		}
		return cause
	}

	for _, day := range days {
		f, err := j.file(day)
		if err != nil {
			return rollback(err)
		}
		info, err := f.Stat()
		if err != nil {
			return rollback(fmt.Errorf("stat journal: %w", err))
		}
		marks = append(marks, journalMark{f: f, size: info.Size()})
		if _, err := f.Write(buffers[day].Bytes()); err != nil {
			return rollback(fmt.Errorf("write journal %s: %w", f.Name(), err))
		}
	}
	for _, m := range marks {
		if err := m.f.Sync(); err != nil {
			return rollback(fmt.Errorf("sync journal %s: %w", m.f.Name(), err))
		}
	}
	sort.Strings(days)
	j.release(days[len(days)-1])
	return nil
}

// ReadDay returns every event recorded for day, in append order. A torn final
// line left by a crash is skipped with a warning.
func (j *Journal) ReadDay(day string) ([]events.AuditEvent, error) {
	path, err := j.Path(day)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal for read: %w", err)
	}
	defer f.Close()

	var out []events.AuditEvent
	r := bufio.NewReader(f)
	line := 0
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("journal read error: %w", err)
		}
		if len(raw) > 0 {
			line++
			if ev, ok := decodeLine(path, line, raw); ok {
				out = append(out, ev)
			}
		}
		if err == io.EOF {
			return out, nil
		}
	}
}

// decodeLine parses one journal line. Lines of any length are accepted.
func decodeLine(path string, line int, raw []byte) (events.AuditEvent, bool) {
	var ev events.AuditEvent
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ev, false
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("⚠️ Journal %s line %d unreadable (skipping): %v", filepath.Base(path), line, err)
		return ev, false
	}
	return ev, true
}

// CountDay returns the number of readable events recorded for day.
func (j *Journal) CountDay(day string) (int, error) {
	evs, err := j.ReadDay(day)
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

// Days lists the days that have a journal file, oldest first.
func (j *Journal) Days() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("list journal directory: %w", err)
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, journalExt) {
			continue
		}
		t, err := time.Parse(journalFileLayout, strings.TrimSuffix(name, journalExt))
		if err != nil {
			continue
		}
		days = append(days, t.Format(events.DayLayout))
	}
	sort.Strings(days)
	return days, nil
}

// Close syncs and closes every open day file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for day, f := range j.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(j.files, day)
	}
	return firstErr
}
