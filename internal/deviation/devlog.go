package deviation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// logHeader starts every deviation log file.
const logHeader = "# Deviation Log\n\nAppend-only record of workflow deviations and routing decisions.\n"

// Log is the append-only markdown deviation log. Once the entry count
// reaches maxEntries the current content is archived to a timestamped
// sibling file and the log restarts header-only.
type Log struct {
	mu         sync.Mutex
	path       string
	maxEntries int
	entries    int
}

// NewLog opens (or creates) the deviation log at path. An empty path
// yields a no-op log.
func NewLog(path string, maxEntries int) (*Log, error) {
	l := &Log{path: path, maxEntries: maxEntries}
	if path == "" {
		return l, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(logHeader), 0644); err != nil {
			return nil, fmt.Errorf("create deviation log: %w", err)
		}
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read deviation log: %w", err)
	}

	l.entries = strings.Count(string(data), "\n## ")
	return l, nil
}

// Entries returns the current entry count.
func (l *Log) Entries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// Append writes one dated entry. Every analysis is logged, whether it
// escalated or not.
func (l *Log) Append(workflowID, agent, rootCause, outcome string) error {
	if l.path == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxEntries > 0 && l.entries >= l.maxEntries {
		if err := l.archive(); err != nil {
			return err
		}
	}

	entry := fmt.Sprintf("\n## %s\n\n- workflow: %s\n- agent: %s\n- root cause: %s\n- outcome: %s\n",
		time.Now().UTC().Format(time.RFC3339), workflowID, agent, rootCause, outcome)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open deviation log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append deviation entry: %w", err)
	}

	l.entries++
	return nil
}

// archive copies the current log to a timestamped sibling and rewrites
// the live file header-only. Caller holds the lock.
func (l *Log) archive() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read log for archive: %w", err)
	}

	archivePath := fmt.Sprintf("%s.%s.md",
		strings.TrimSuffix(l.path, ".md"), time.Now().UTC().Format("20060102T150405"))
	if err := os.WriteFile(archivePath, data, 0644); err != nil {
		return fmt.Errorf("write log archive: %w", err)
	}

	if err := os.WriteFile(l.path, []byte(logHeader), 0644); err != nil {
		return fmt.Errorf("reset deviation log: %w", err)
	}

	l.entries = 0
	return nil
}
