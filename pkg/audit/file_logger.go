package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	journalPrefix = "decisions-"
	journalExt    = ".ndjson"
	dayLayout     = "20060102"
)

var errJournalClosed = errors.New("audit journal is closed")

// FileLogger appends events as JSON lines to one journal per UTC day. A day
// whose journal reaches MaxSize continues in numbered segments:
//
//	decisions-20240301.ndjson
//	decisions-20240301.1.ndjson
//
// Journals older than RetentionDays are removed when a new day begins.
type FileLogger struct {
	dir       string
	maxSize   int64
	retention int
	now       func() time.Time

	mu      sync.Mutex
	file    *os.File
	day     string
	segment int
	size    int64
	closed  bool
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	Dir string
	// MaxSize is the segment size in bytes; 0 never splits a day.
	MaxSize int64
	// RetentionDays is how many days of journals are kept; 0 keeps all.
	RetentionDays int
}

// DefaultFileLoggerConfig returns default configuration
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		Dir:           "/var/log/pacsgate/audit",
		MaxSize:       100 * 1024 * 1024,
		RetentionDays: 30,
	}
}

// NewFileLogger opens today's journal under config.Dir.
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	return newFileLogger(config, time.Now)
}

func newFileLogger(config FileLoggerConfig, now func() time.Time) (*FileLogger, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("audit journal directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit journal directory: %w", err)
	}

	l := &FileLogger{
		dir:       config.Dir,
		maxSize:   config.MaxSize,
		retention: config.RetentionDays,
		now:       now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.openDay(l.now().UTC().Format(dayLayout)); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) segmentPath(day string, segment int) string {
	if segment == 0 {
		return filepath.Join(l.dir, journalPrefix+day+journalExt)
	}
	return filepath.Join(l.dir, fmt.Sprintf("%s%s.%d%s", journalPrefix, day, segment, journalExt))
}

// openDay opens the last segment of day with room left, so a restart keeps
// appending where the previous process stopped.
func (l *FileLogger) openDay(day string) error {
	segments, err := l.segments(day)
	if err != nil {
		return err
	}

	segment := 0
	if n := len(segments); n > 0 {
		segment = n - 1
	}
	if err := l.openSegment(day, segment); err != nil {
		return err
	}
	if l.full() {
		return l.openSegment(day, segment+1)
	}
	return nil
}

func (l *FileLogger) openSegment(day string, segment int) error {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close audit journal: %w", err)
		}
		l.file = nil
	}

	file, err := os.OpenFile(l.segmentPath(day, segment), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit journal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit journal: %w", err)
	}

	l.file = file
	l.day = day
	l.segment = segment
	l.size = info.Size()
	return nil
}

func (l *FileLogger) full() bool {
	return l.maxSize > 0 && l.size >= l.maxSize
}

// Log appends one event, moving to a new journal on day change or when the
// current segment is full.
func (l *FileLogger) Log(ctx context.Context, event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errJournalClosed
	}

	if day := l.now().UTC().Format(dayLayout); day != l.day {
		if err := l.openSegment(day, 0); err != nil {
			return err
		}
		if err := l.prune(); err != nil {
			return err
		}
	} else if l.full() {
		if err := l.openSegment(day, l.segment+1); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit journal: %w", err)
	}
	return nil
}

// LogDecision logs one access decision
func (l *FileLogger) LogDecision(ctx context.Context, decision Decision) error {
	return l.Log(ctx, decision.Event())
}

// LogAdminAction logs a change to rules or grants
func (l *FileLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, projectID *int64, resourceUID string, message string) error {
	return l.Log(ctx, adminEvent(ctx, eventType, actorID, projectID, resourceUID, message))
}

// Close flushes and closes the current journal.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// prune removes journals of days outside the retention window. Caller
// holds l.mu.
func (l *FileLogger) prune() error {
	if l.retention <= 0 {
		return nil
	}
	days, err := l.days()
	if err != nil {
		return err
	}

	cutoff := l.now().UTC().AddDate(0, 0, -l.retention).Format(dayLayout)
	for _, day := range days {
		if day >= cutoff {
			continue
		}
		segments, err := l.segments(day)
		if err != nil {
			return err
		}
		for _, path := range segments {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove expired audit journal: %w", err)
			}
		}
	}
	return nil
}

// days lists the days that have at least one journal, oldest first.
func (l *FileLogger) days() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, journalPrefix+"*"+journalExt))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var days []string
	for _, path := range paths {
		name := strings.TrimPrefix(filepath.Base(path), journalPrefix)
		if len(name) < len(dayLayout) {
			continue
		}
		day := name[:len(dayLayout)]
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Strings(days)
	return days, nil
}

// segments lists a day's journals in write order.
func (l *FileLogger) segments(day string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, journalPrefix+day+"*"+journalExt))
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool {
		return segmentNumber(paths[i]) < segmentNumber(paths[j])
	})
	return paths, nil
}

func segmentNumber(path string) int {
	name := strings.TrimSuffix(filepath.Base(path), journalExt)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			return n
		}
	}
	return 0
}

// ReadDay returns every event journaled on the given UTC day, in write
// order.
func (l *FileLogger) ReadDay(day time.Time) ([]*AuditEvent, error) {
	l.mu.Lock()
	segments, err := l.segments(day.UTC().Format(dayLayout))
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var events []*AuditEvent
	for _, path := range segments {
		read, err := readJournal(path)
		if err != nil {
			return nil, err
		}
		events = append(events, read...)
	}
	return events, nil
}

func readJournal(path string) ([]*AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}
	defer file.Close()

	var events []*AuditEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		event, err := FromJSON(scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit journal: %w", err)
	}
	return events, nil
}
